package debugger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
)

func TestRecordKeepsMostRecentEntriesPerResource(t *testing.T) {
	cfg := Config{Name: "debug"}
	d := cfg.New().(*Debugger)

	for i := 0; i < historyPerResource+5; i++ {
		d.record(&drbdtype.ChangeUpdate{ResourceName: "res0", EventKind: drbdtype.EventChange})
	}

	hist := d.History("res0")
	assert.Len(t, hist, historyPerResource)
}

func TestHistoryIsPerResource(t *testing.T) {
	cfg := Config{Name: "debug"}
	d := cfg.New().(*Debugger)

	d.record(&drbdtype.ChangeUpdate{ResourceName: "res0"})
	d.record(&drbdtype.ChangeUpdate{ResourceName: "res1"})
	d.record(&drbdtype.ChangeUpdate{ResourceName: "res1"})

	assert.Len(t, d.History("res0"), 1)
	assert.Len(t, d.History("res1"), 2)
	assert.Nil(t, d.History("unknown"))
}

func TestHistoryReturnsDefensiveCopy(t *testing.T) {
	cfg := Config{Name: "debug"}
	d := cfg.New().(*Debugger)
	d.record(&drbdtype.ChangeUpdate{ResourceName: "res0", EventKind: drbdtype.EventChange})

	hist := d.History("res0")
	hist[0] = &drbdtype.ChangeUpdate{ResourceName: "mutated"}

	assert.Equal(t, "res0", d.History("res0")[0].ResourceName)
}

func TestRunRecordsUpdatesAndStopsOnContextCancel(t *testing.T) {
	cfg := Config{Name: "debug"}
	d := cfg.New().(*Debugger)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan *drbdtype.ChangeUpdate, 1)
	updates <- &drbdtype.ChangeUpdate{ResourceName: "res0"}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, updates) }()

	require.Eventually(t, func() bool {
		return len(d.History("res0")) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
