// Package umh implements the "user mode helper" plugin: a list of
// field-matching rules, each running a configured shell command whenever a
// change update matches every field in its rule.
package umh

import (
	"context"
	"encoding/json"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
	"github.com/LINBIT/drbd-reactor/pkg/log"
	"github.com/LINBIT/drbd-reactor/pkg/plugin"
)

// Matcher is one field-wise AND condition over a ChangeUpdate. Every
// non-empty field must match for the rule to fire; an empty field is
// ignored (matches anything).
type Matcher struct {
	ResourceName  string
	OldRole       drbdtype.Role
	NewRole       drbdtype.Role
	OldDiskState  drbdtype.DiskState
	NewDiskState  drbdtype.DiskState
	OldConnState  drbdtype.ConnectionState
	NewConnState  drbdtype.ConnectionState
}

func (m Matcher) matches(u *drbdtype.ChangeUpdate) bool {
	if m.ResourceName != "" && m.ResourceName != u.ResourceName {
		return false
	}
	if m.OldRole != "" && m.OldRole != u.OldResource.Role {
		return false
	}
	if m.NewRole != "" && m.NewRole != u.NewResource.Role {
		return false
	}
	if m.OldDiskState != "" && m.OldDiskState != u.OldDevice.DiskState {
		return false
	}
	if m.NewDiskState != "" && m.NewDiskState != u.NewDevice.DiskState {
		return false
	}
	if m.OldConnState != "" && m.OldConnState != u.OldConnection.ConnectionState {
		return false
	}
	if m.NewConnState != "" && m.NewConnState != u.NewConnection.ConnectionState {
		return false
	}
	return true
}

// Rule pairs a Matcher with the command to run when it matches.
type Rule struct {
	Matcher Matcher
	Command []string
}

// Config is one umh plugin instance: an ordered rule list, all rules
// evaluated for every update (not first-match-wins).
type Config struct {
	Name  string
	Rules []Rule
}

func (c Config) Kind() string { return "umh" }

func (c Config) Key() string {
	b, _ := json.Marshal(c)
	return "umh:" + c.Name + ":" + string(b)
}

func (c Config) New() plugin.Plugin {
	return &UMH{cfg: c, logger: log.WithComponent("umh")}
}

// UMH is the running plugin instance.
type UMH struct {
	cfg    Config
	logger zerolog.Logger
}

// Run implements plugin.Plugin.
func (u *UMH) Run(ctx context.Context, updates <-chan *drbdtype.ChangeUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			u.handle(ctx, upd)
		}
	}
}

func (u *UMH) handle(ctx context.Context, upd *drbdtype.ChangeUpdate) {
	for _, rule := range u.cfg.Rules {
		if !rule.Matcher.matches(upd) {
			continue
		}
		if len(rule.Command) == 0 {
			continue
		}
		u.run(ctx, rule, upd)
	}
}

func (u *UMH) run(ctx context.Context, rule Rule, upd *drbdtype.ChangeUpdate) {
	cmd := exec.CommandContext(ctx, rule.Command[0], rule.Command[1:]...)
	cmd.Env = append(cmd.Environ(),
		"DRBD_RESOURCE="+upd.ResourceName,
		"DRBD_EVENT="+string(upd.EventKind),
	)

	out, err := cmd.CombinedOutput()
	if err != nil {
		u.logger.Error().Err(err).
			Str("resource", upd.ResourceName).
			Strs("command", rule.Command).
			Bytes("output", out).
			Msg("umh command failed")
		return
	}
	u.logger.Debug().Str("resource", upd.ResourceName).Strs("command", rule.Command).Msg("umh command ran")
}
