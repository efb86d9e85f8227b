package plugin

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
)

type recordingPlugin struct {
	received chan *drbdtype.ChangeUpdate
	panicOn  bool
}

func (p *recordingPlugin) Run(ctx context.Context, updates <-chan *drbdtype.ChangeUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if p.panicOn {
				panic("boom")
			}
			p.received <- u
		}
	}
}

type testConfig struct {
	kind, key string
	plugin    *recordingPlugin
}

func (c testConfig) Kind() string  { return c.kind }
func (c testConfig) Key() string   { return c.key }
func (c testConfig) New() Plugin   { return c.plugin }

func TestManagerDispatchesToRunningPlugin(t *testing.T) {
	mgr := NewManager()
	rp := &recordingPlugin{received: make(chan *drbdtype.ChangeUpdate, 4)}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.Reconcile(ctx, []Config{testConfig{kind: "debugger", key: "d1", plugin: rp}})

	upd := &drbdtype.ChangeUpdate{ResourceName: "res0"}
	mgr.Dispatch(upd)

	select {
	case got := <-rp.received:
		assert.Equal(t, "res0", got.ResourceName)
	case <-time.After(time.Second):
		t.Fatal("update was not delivered")
	}

	assert.Equal(t, []string{"debugger"}, mgr.Running())
}

func TestManagerReconcileStopsRemovedConfig(t *testing.T) {
	mgr := NewManager()
	rp := &recordingPlugin{received: make(chan *drbdtype.ChangeUpdate, 4)}
	ctx := context.Background()

	mgr.Reconcile(ctx, []Config{testConfig{kind: "debugger", key: "d1", plugin: rp}})
	require.Len(t, mgr.Running(), 1)

	mgr.Reconcile(ctx, nil)

	require.Eventually(t, func() bool {
		return len(mgr.Running()) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestManagerReconcileKeepsUnchangedConfig(t *testing.T) {
	mgr := NewManager()
	rp := &recordingPlugin{received: make(chan *drbdtype.ChangeUpdate, 4)}
	ctx := context.Background()

	cfg := testConfig{kind: "debugger", key: "d1", plugin: rp}
	mgr.Reconcile(ctx, []Config{cfg})
	mgr.Reconcile(ctx, []Config{cfg})

	assert.Len(t, mgr.Running(), 1)
}

func TestManagerRecoversPluginPanic(t *testing.T) {
	mgr := NewManager()
	rp := &recordingPlugin{received: make(chan *drbdtype.ChangeUpdate, 4), panicOn: true}
	ctx := context.Background()

	mgr.Reconcile(ctx, []Config{testConfig{kind: "debugger", key: "d1", plugin: rp}})
	mgr.Dispatch(&drbdtype.ChangeUpdate{ResourceName: "res0"})

	require.Eventually(t, func() bool {
		return len(mgr.Running()) == 0
	}, time.Second, 10*time.Millisecond, fmt.Sprintf("plugin handle should be cleaned up after panic"))
}

func TestManagerStopAll(t *testing.T) {
	mgr := NewManager()
	rp := &recordingPlugin{received: make(chan *drbdtype.ChangeUpdate, 4)}
	ctx := context.Background()

	mgr.Reconcile(ctx, []Config{testConfig{kind: "debugger", key: "d1", plugin: rp}})
	mgr.StopAll()

	assert.Empty(t, mgr.Running())
}
