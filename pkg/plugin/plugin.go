// Package plugin defines the plugin contract and the lifecycle manager that
// starts, stops, and fans change updates out to configured plugin instances.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
	"github.com/LINBIT/drbd-reactor/pkg/log"
	"github.com/LINBIT/drbd-reactor/pkg/metrics"
)

// Plugin is implemented by every plugin kind (promoter, umh, prometheus,
// agentx, debugger). Run blocks, consuming updates until ctx is cancelled,
// and returns the reason it stopped (nil on clean shutdown).
type Plugin interface {
	Run(ctx context.Context, updates <-chan *drbdtype.ChangeUpdate) error
}

// Config is implemented by each plugin package's config struct. Key must be
// stable and unique per logical plugin instance and change whenever any
// field that should trigger a restart changes — reload diffing is a pure
// key comparison, never a deep-equal of the Go struct.
type Config interface {
	Kind() string
	Key() string
	New() Plugin
}

// EventClass is implemented by plugin configs that want to observe every
// raw event tick (a ResourceSnapshot), not just the meaningful old/new
// change updates the model emits. The debugger plugin is the pack's only
// current event-class consumer.
type EventClass interface {
	WantsEveryEvent() bool
}

// WantsEveryEvent reports whether cfg opted into the event-class contract.
func WantsEveryEvent(cfg Config) bool {
	ec, ok := cfg.(EventClass)
	return ok && ec.WantsEveryEvent()
}

type handle struct {
	cfg        Config
	queue      *updateQueue
	cancel     context.CancelFunc
	done       chan struct{}
	eventClass bool
}

// Manager owns the set of currently running plugin instances.
type Manager struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	handles map[string]*handle
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		logger:  log.WithComponent("plugin"),
		handles: make(map[string]*handle),
	}
}

// Reconcile starts any Config in configs not already running under its Key,
// and stops any running instance whose Key is no longer present. Instances
// whose Key is unchanged are left running untouched (this is what lets a
// plugin survive a reload of unrelated configuration). It returns the Keys
// that were freshly started, so the caller can replay a snapshot to only
// those instances rather than every running plugin.
func (m *Manager) Reconcile(ctx context.Context, configs []Config) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keep := make(map[string]bool, len(configs))
	var fresh []string
	for _, cfg := range configs {
		key := cfg.Key()
		keep[key] = true
		if _, running := m.handles[key]; running {
			continue
		}
		m.startLocked(ctx, cfg)
		fresh = append(fresh, key)
	}

	for key, h := range m.handles {
		if keep[key] {
			continue
		}
		h.cancel()
		delete(m.handles, key)
		go func(h *handle, key string) {
			<-h.done
			h.queue.Close()
		}(h, key)
	}

	return fresh
}

func (m *Manager) startLocked(ctx context.Context, cfg Config) {
	pctx, cancel := context.WithCancel(ctx)
	q := newUpdateQueue()
	done := make(chan struct{})

	h := &handle{cfg: cfg, queue: q, cancel: cancel, done: done, eventClass: WantsEveryEvent(cfg)}
	key := cfg.Key()
	m.handles[key] = h

	go func() {
		defer close(done)
		runSafely(pctx, cfg, q)

		m.mu.Lock()
		if m.handles[key] == h {
			delete(m.handles, key)
		}
		m.mu.Unlock()
		q.Close()
	}()
}

func runSafely(ctx context.Context, cfg Config, q *updateQueue) {
	kind := cfg.Kind()
	logger := log.WithPlugin(kind)

	defer func() {
		if r := recover(); r != nil {
			metrics.PluginPanicsTotal.WithLabelValues(kind).Inc()
			logger.Error().Err(panicToError(r)).Msg("plugin panicked, instance stopped")
		}
	}()

	p := cfg.New()
	metrics.PluginStartsTotal.WithLabelValues(kind).Inc()
	logger.Info().Msg("plugin started")

	err := p.Run(ctx, q.Out())

	metrics.PluginStopsTotal.WithLabelValues(kind).Inc()
	if err != nil && ctx.Err() == nil {
		logger.Error().Err(err).Msg("plugin stopped with error")
	} else {
		logger.Info().Msg("plugin stopped")
	}
}

func panicToError(r interface{}) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// Dispatch pushes update onto every running plugin's queue. Delivery is
// synchronous from the caller's point of view (the push always succeeds
// immediately; the queue itself is unbounded) but consumption by each
// plugin happens independently and at its own pace.
func (m *Manager) Dispatch(update *drbdtype.ChangeUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		h.queue.Push(update)
	}
}

// DispatchSnapshot pushes snap to every running event-class plugin only —
// the ones that asked to observe every tick rather than just meaningful
// change updates. Non-event-class plugins never see it.
func (m *Manager) DispatchSnapshot(snap *drbdtype.ChangeUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		if h.eventClass {
			h.queue.Push(snap)
		}
	}
}

// DispatchToKeys pushes update onto the queues of the running plugins named
// in keys only, for replaying a snapshot to newly-started instances without
// resending it to plugins that survived a reload untouched.
func (m *Manager) DispatchToKeys(keys []string, update *drbdtype.ChangeUpdate) {
	if len(keys) == 0 {
		return
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, h := range m.handles {
		if want[key] {
			h.queue.Push(update)
		}
	}
}

// StopAll cancels every running plugin and waits for it to return.
func (m *Manager) StopAll() {
	m.mu.Lock()
	handles := make([]*handle, 0, len(m.handles))
	for key, h := range m.handles {
		handles = append(handles, h)
		delete(m.handles, key)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
		<-h.done
		h.queue.Close()
	}
}

// Running reports the Kind of every currently running plugin, for
// diagnostics (the daemon logs it after each config load).
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.handles))
	for _, h := range m.handles {
		kinds = append(kinds, h.cfg.Kind())
	}
	return kinds
}
