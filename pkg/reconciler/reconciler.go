// Package reconciler runs the core event loop: it drains raw kernel-tool
// events into the resource model and fans the resulting change updates out
// to plugins, while also handling reload/flush/stop control directives.
package reconciler

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LINBIT/drbd-reactor/pkg/drbdevents"
	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
	"github.com/LINBIT/drbd-reactor/pkg/log"
	"github.com/LINBIT/drbd-reactor/pkg/metrics"
	"github.com/LINBIT/drbd-reactor/pkg/model"
	"github.com/LINBIT/drbd-reactor/pkg/plugin"
)

// DirectiveKind is a control message delivered alongside raw events.
type DirectiveKind int

const (
	// DirectiveReload asks the reconciler to diff the plugin set against
	// newly loaded configuration.
	DirectiveReload DirectiveKind = iota
	// DirectiveFlush asks the reconciler to stop every plugin and clear
	// the model, leaving it to a later Reload and the event stream to
	// repopulate both.
	DirectiveFlush
	// DirectiveStop asks the reconciler to drain and exit.
	DirectiveStop
)

// Directive carries a control message; Configs is only populated for Reload.
type Directive struct {
	Kind    DirectiveKind
	Configs []plugin.Config
}

// Reconciler owns the model and the plugin manager it feeds.
type Reconciler struct {
	model   *model.Model
	plugins *plugin.Manager
	logger  zerolog.Logger
}

// New returns a Reconciler wired to m and mgr.
func New(m *model.Model, mgr *plugin.Manager) *Reconciler {
	return &Reconciler{
		model:   m,
		plugins: mgr,
		logger:  log.WithComponent("reconciler"),
	}
}

// Run drains updates and directives until ctx is cancelled or a Stop
// directive is received. It returns nil on either clean condition.
func (r *Reconciler) Run(ctx context.Context, updates <-chan drbdevents.RawEvent, directives <-chan Directive) error {
	r.logger.Info().Msg("reconciler started")
	defer r.logger.Info().Msg("reconciler stopped")

	for {
		select {
		case <-ctx.Done():
			return nil

		case raw, ok := <-updates:
			if !ok {
				return nil
			}
			r.handleRaw(raw)

		case d, ok := <-directives:
			if !ok {
				return nil
			}
			if stop := r.handleDirective(ctx, d); stop {
				return nil
			}
		}
	}
}

func (r *Reconciler) handleRaw(raw drbdevents.RawEvent) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileCycleDuration)

	// correlationID ties one kernel-tool line to the dispatch log below; it
	// never leaves the process, so a v4 random UUID is enough.
	correlationID := uuid.New()

	update, err := r.applyToModel(raw)
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		r.logger.Error().Err(err).Str("correlation_id", correlationID.String()).
			Msg("dropping event that could not be applied to the model")
		return
	}

	// Event-class plugins (the debugger) watch every tick of the stream,
	// not just the meaningful old/new diffs the model emits, so they get a
	// minimal snapshot regardless of whether applyToModel produced one.
	if snap := r.snapshotFor(raw, update); snap != nil {
		r.plugins.DispatchSnapshot(snap)
	}

	if update == nil {
		return
	}

	logEvt := r.logger.Debug().Str("correlation_id", correlationID.String())
	if update.Resource != nil {
		logEvt = logEvt.Str("resource", update.Resource.Name)
	}
	logEvt.Msg("dispatching change update")
	r.plugins.Dispatch(update)
}

// snapshotFor builds the minimal ResourceSnapshot update an event-class
// plugin sees for raw, independent of whether applyToModel's result (update,
// possibly nil) was meaningful enough to dispatch as a full change update.
// The current model state is fetched fresh; when the resource is no longer
// in the model (after a Destroy), the resource clone the just-applied
// update carries is used instead.
func (r *Reconciler) snapshotFor(raw drbdevents.RawEvent, update *drbdtype.ChangeUpdate) *drbdtype.ChangeUpdate {
	name := raw.ResourceName()
	if name == "" {
		return nil
	}

	res := r.model.Resource(name)
	if res == nil && update != nil {
		res = update.Resource
	}
	if res == nil {
		return nil
	}

	return &drbdtype.ChangeUpdate{
		Variant:      drbdtype.VariantSnapshot,
		EventKind:    raw.Kind(),
		ResourceName: name,
		Resource:     res,
	}
}

func (r *Reconciler) applyToModel(raw drbdevents.RawEvent) (*drbdtype.ChangeUpdate, error) {
	switch raw.What {
	case drbdevents.WhatResource:
		return r.model.ApplyResource(raw.Resource)
	case drbdevents.WhatDevice:
		return r.model.ApplyDevice(raw.Device)
	case drbdevents.WhatConnection:
		return r.model.ApplyConnection(raw.Connection)
	case drbdevents.WhatPeerDevice:
		return r.model.ApplyPeerDevice(raw.PeerDevice)
	case drbdevents.WhatPath:
		return r.model.ApplyPath(raw.Path)
	default:
		return nil, nil
	}
}

// handleDirective returns true if the reconciler should stop.
func (r *Reconciler) handleDirective(ctx context.Context, d Directive) bool {
	switch d.Kind {
	case DirectiveStop:
		r.plugins.StopAll()
		return true

	case DirectiveReload:
		r.logger.Info().Int("plugin_count", len(d.Configs)).Msg("reloading plugin configuration")
		fresh := r.plugins.Reconcile(ctx, d.Configs)
		r.flushSnapshotsTo(fresh)

	case DirectiveFlush:
		r.logger.Info().Msg("flushing: stopping all plugins and clearing model state")
		r.plugins.StopAll()
		r.model.Reset()
	}
	return false
}

// flushSnapshotsTo replays the model's current state, in granular order, to
// the plugins named in keys only — the ones Reconcile just started. Plugins
// that survived the reload untouched already have a consistent view and
// must not see the snapshot a second time.
func (r *Reconciler) flushSnapshotsTo(keys []string) {
	for _, snap := range r.model.SnapshotUpdates() {
		r.plugins.DispatchToKeys(keys, snap)
	}
}
