// Package drbdadm shells out to the drbdsetup/drbdadm command-line tools to
// drive resource-level operations the promoter plugin needs: adjust,
// primary/secondary, and status queries.
package drbdadm

import (
	"context"
	"fmt"
	"os/exec"
)

// Tools names the two binaries this package shells to; both default to
// PATH resolution when empty.
type Tools struct {
	DrbdsetupPath string
	DrbdadmPath   string
}

func (t Tools) drbdadm() string {
	if t.DrbdadmPath != "" {
		return t.DrbdadmPath
	}
	return "drbdadm"
}

func (t Tools) drbdsetup() string {
	if t.DrbdsetupPath != "" {
		return t.DrbdsetupPath
	}
	return "drbdsetup"
}

func (t Tools) run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("drbdadm: %s %v: %w: %s", name, args, err, out)
	}
	return nil
}

// Adjust runs `drbdadm adjust <resource>`, applying the resource's
// configuration (used on startup and whenever the promoter decides the
// resource needs to be (re)synced with its config file).
func (t Tools) Adjust(ctx context.Context, resource string) error {
	return t.run(ctx, t.drbdadm(), "adjust", resource)
}

// Primary promotes resource to Primary. If force is true, it bypasses the
// usual up-to-date-data checks.
func (t Tools) Primary(ctx context.Context, resource string, force bool) error {
	args := []string{"primary", resource}
	if force {
		args = append(args, "--force")
	}
	return t.run(ctx, t.drbdadm(), args...)
}

// Secondary demotes resource to Secondary. If force is true it uses
// drbdsetup's secondary --force to override a frozen or stuck demote.
func (t Tools) Secondary(ctx context.Context, resource string, force bool) error {
	if force {
		return t.run(ctx, t.drbdsetup(), "secondary", resource, "--force")
	}
	return t.run(ctx, t.drbdadm(), "secondary", resource)
}

// Status runs `drbdsetup status <resource> --json` and returns its raw
// output for callers that need a one-shot point-in-time read outside of
// the events2 stream.
func (t Tools) Status(ctx context.Context, resource string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, t.drbdsetup(), "status", resource, "--json")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("drbdadm: drbdsetup status %s: %w", resource, err)
	}
	return out, nil
}
