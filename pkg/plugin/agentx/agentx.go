// Package agentx implements a minimal stand-in for the AgentX (RFC 2741)
// SNMP subagent plugin: it keeps a cache of the latest resource state,
// mutex-guarded for external readers, without speaking the actual AgentX
// wire protocol (no AgentX/SNMP library exists in this daemon's dependency
// pack; see the module-level design notes).
package agentx

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
	"github.com/LINBIT/drbd-reactor/pkg/plugin"
)

// Config is one agentx plugin instance; VRF is an OID-namespacing value
// agentx configs in the wild key subagents under (kept string here since
// no actual MIB walker in this daemon interprets it).
type Config struct {
	Vrf string
}

func (c Config) Kind() string { return "agentx" }

func (c Config) Key() string {
	b, _ := json.Marshal(c)
	return "agentx:" + string(b)
}

func (c Config) New() plugin.Plugin {
	return &AgentX{cfg: c, cache: make(map[string]*drbdtype.Resource)}
}

// AgentX is the running plugin instance.
type AgentX struct {
	cfg Config

	mu    sync.Mutex
	cache map[string]*drbdtype.Resource
}

// Run implements plugin.Plugin.
func (a *AgentX) Run(ctx context.Context, updates <-chan *drbdtype.ChangeUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			if upd.Resource == nil {
				continue
			}
			a.mu.Lock()
			a.cache[upd.ResourceName] = upd.Resource
			a.mu.Unlock()
		}
	}
}

// Snapshot returns a copy of the cached resource state, for whatever reads
// the MIB values out of this process (a future AgentX transport, or a
// debug CLI command).
func (a *AgentX) Snapshot() map[string]*drbdtype.Resource {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]*drbdtype.Resource, len(a.cache))
	for k, v := range a.cache {
		out[k] = v.Clone()
	}
	return out
}
