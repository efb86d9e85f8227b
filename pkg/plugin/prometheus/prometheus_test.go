package prometheus

import (
	"context"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
)

func gaugeValue(t *testing.T, fams []*dto.MetricFamily, name string, labels map[string]string) (float64, bool) {
	t.Helper()
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			got := map[string]string{}
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			match := true
			for k, v := range labels {
				if got[k] != v {
					match = false
					break
				}
			}
			if match {
				return m.GetGauge().GetValue(), true
			}
		}
	}
	return 0, false
}

func TestObserveSetsRoleAndDiskStateGauges(t *testing.T) {
	e := newExporter(Config{Address: "127.0.0.1:0"})

	e.observe(&drbdtype.ChangeUpdate{
		Resource: &drbdtype.Resource{
			Name:       "res0",
			Role:       drbdtype.RolePrimary,
			MayPromote: true,
			Devices:    []drbdtype.Device{{Volume: 0, DiskState: drbdtype.DiskUpToDate}},
			Connections: []drbdtype.Connection{
				{PeerNodeID: 1, Connection: drbdtype.ConnectionState("Connected")},
			},
		},
	})

	fams, err := e.registry.Gather()
	require.NoError(t, err)

	v, ok := gaugeValue(t, fams, "drbd_resource_role", map[string]string{"resource": "res0", "role": "Primary"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, ok = gaugeValue(t, fams, "drbd_resource_role", map[string]string{"resource": "res0", "role": "Secondary"})
	require.True(t, ok)
	assert.Equal(t, 0.0, v)

	v, ok = gaugeValue(t, fams, "drbd_resource_may_promote", map[string]string{"resource": "res0"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, ok = gaugeValue(t, fams, "drbd_device_disk_state", map[string]string{"resource": "res0", "volume": "0", "disk_state": "UpToDate"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)

	v, ok = gaugeValue(t, fams, "drbd_connection_state", map[string]string{"resource": "res0", "peer_node_id": "1", "connection_state": "Connected"})
	require.True(t, ok)
	assert.Equal(t, 1.0, v)
}

func TestObserveIgnoresUpdateWithoutResourceSnapshot(t *testing.T) {
	e := newExporter(Config{Address: "127.0.0.1:0"})
	e.observe(&drbdtype.ChangeUpdate{ResourceName: "res0"})

	fams, err := e.registry.Gather()
	require.NoError(t, err)
	_, ok := gaugeValue(t, fams, "drbd_resource_role", map[string]string{"resource": "res0"})
	assert.False(t, ok)
}

func TestEachInstanceGetsItsOwnRegistry(t *testing.T) {
	e1 := newExporter(Config{Address: "127.0.0.1:0"})
	e2 := newExporter(Config{Address: "127.0.0.1:0"})
	assert.NotSame(t, e1.registry, e2.registry)
}

func TestRunServesMetricsAndStopsOnCancel(t *testing.T) {
	cfg := Config{Address: "127.0.0.1:0"}
	e := cfg.New().(*Exporter)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan *drbdtype.ChangeUpdate)
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, updates) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
