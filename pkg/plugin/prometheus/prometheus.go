// Package prometheus implements the plugin that exports live DRBD resource
// state as Prometheus gauges over its own HTTP listener.
package prometheus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
	"github.com/LINBIT/drbd-reactor/pkg/log"
	"github.com/LINBIT/drbd-reactor/pkg/plugin"
)

// Config is one prometheus plugin instance: it listens on Address and
// exports every resource the reconciler reports on.
type Config struct {
	Address string // host:port to listen on, e.g. "127.0.0.1:9942"
}

func (c Config) Kind() string { return "prometheus" }

func (c Config) Key() string {
	b, _ := json.Marshal(c)
	return "prometheus:" + string(b)
}

func (c Config) New() plugin.Plugin {
	return newExporter(c)
}

// Exporter is the running plugin instance. Each instance gets its own
// prometheus.Registry (rather than the global default one) so that
// reconfiguring the plugin across a reload never hits a
// duplicate-registration panic from the replaced instance's metrics.
type Exporter struct {
	cfg      Config
	logger   zerolog.Logger
	registry *prometheus.Registry

	role       *prometheus.GaugeVec
	diskState  *prometheus.GaugeVec
	connState  *prometheus.GaugeVec
	mayPromote *prometheus.GaugeVec

	mu sync.Mutex
}

func newExporter(cfg Config) *Exporter {
	reg := prometheus.NewRegistry()
	e := &Exporter{
		cfg:      cfg,
		logger:   log.WithComponent("prometheus"),
		registry: reg,
		role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drbd_resource_role",
			Help: "1 if the resource currently holds this role, 0 otherwise",
		}, []string{"resource", "role"}),
		diskState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drbd_device_disk_state",
			Help: "1 if the device currently reports this disk state, 0 otherwise",
		}, []string{"resource", "volume", "disk_state"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drbd_connection_state",
			Help: "1 if the connection currently reports this state, 0 otherwise",
		}, []string{"resource", "peer_node_id", "connection_state"}),
		mayPromote: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drbd_resource_may_promote",
			Help: "Whether the kernel currently permits promoting this resource",
		}, []string{"resource"}),
	}
	reg.MustRegister(e.role, e.diskState, e.connState, e.mayPromote)
	return e
}

// Run implements plugin.Plugin: it serves metrics until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context, updates <-chan *drbdtype.ChangeUpdate) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: e.cfg.Address, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("prometheus: listen on %s: %w", e.cfg.Address, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = srv.Close()
			return nil
		case err := <-errCh:
			return err
		case upd, ok := <-updates:
			if !ok {
				_ = srv.Close()
				return nil
			}
			e.observe(upd)
		}
	}
}

func (e *Exporter) observe(upd *drbdtype.ChangeUpdate) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if upd.Resource == nil {
		return
	}
	r := upd.Resource

	for _, role := range []drbdtype.Role{drbdtype.RolePrimary, drbdtype.RoleSecondary, drbdtype.RoleUnknown} {
		v := 0.0
		if r.Role == role {
			v = 1.0
		}
		e.role.WithLabelValues(r.Name, string(role)).Set(v)
	}
	mp := 0.0
	if r.MayPromote {
		mp = 1.0
	}
	e.mayPromote.WithLabelValues(r.Name).Set(mp)

	for _, d := range r.Devices {
		e.diskState.WithLabelValues(r.Name, fmt.Sprint(d.Volume), string(d.DiskState)).Set(1)
	}
	for _, c := range r.Connections {
		e.connState.WithLabelValues(r.Name, fmt.Sprint(c.PeerNodeID), string(c.Connection)).Set(1)
	}
}
