// Package debugger implements the plugin that logs every change update it
// receives at debug level and keeps a small bounded per-resource history
// for ad-hoc troubleshooting, without persisting anything to disk.
package debugger

import (
	"context"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
	"github.com/LINBIT/drbd-reactor/pkg/log"
	"github.com/LINBIT/drbd-reactor/pkg/plugin"
)

// historyPerResource bounds memory use: old entries for a noisy resource
// are evicted long before they'd matter for troubleshooting a live event.
const historyPerResource = 32

// Config is one debugger plugin instance.
type Config struct {
	Name string
}

func (c Config) Kind() string { return "debugger" }

func (c Config) Key() string {
	b, _ := json.Marshal(c)
	return "debugger:" + string(b)
}

// WantsEveryEvent marks the debugger as an event-class plugin (spec §4.C/
// §4.D): it wants a ResourceSnapshot for every raw event tick, not just the
// meaningful old/new change updates the model emits, so an operator can see
// the stream is alive even when nothing policy-relevant changed.
func (c Config) WantsEveryEvent() bool { return true }

func (c Config) New() plugin.Plugin {
	cache, _ := lru.New(256)
	return &Debugger{logger: log.WithComponent("debugger"), history: cache}
}

// Debugger is the running plugin instance.
type Debugger struct {
	logger zerolog.Logger

	mu      sync.Mutex
	history *lru.Cache // resource name -> []*drbdtype.ChangeUpdate, newest last
}

// Run implements plugin.Plugin.
func (d *Debugger) Run(ctx context.Context, updates <-chan *drbdtype.ChangeUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			d.logger.Debug().
				Str("resource", upd.ResourceName).
				Int("variant", int(upd.Variant)).
				Str("event", string(upd.EventKind)).
				Msg("change update")
			d.record(upd)
		}
	}
}

func (d *Debugger) record(upd *drbdtype.ChangeUpdate) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var existing []*drbdtype.ChangeUpdate
	if v, ok := d.history.Get(upd.ResourceName); ok {
		existing = v.([]*drbdtype.ChangeUpdate)
	}
	existing = append(existing, upd)
	if len(existing) > historyPerResource {
		existing = existing[len(existing)-historyPerResource:]
	}
	d.history.Add(upd.ResourceName, existing)
}

// History returns the most recent change updates recorded for resource,
// oldest first, for a debug command to print.
func (d *Debugger) History(resource string) []*drbdtype.ChangeUpdate {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.history.Get(resource)
	if !ok {
		return nil
	}
	out := make([]*drbdtype.ChangeUpdate, len(v.([]*drbdtype.ChangeUpdate)))
	copy(out, v.([]*drbdtype.ChangeUpdate))
	return out
}
