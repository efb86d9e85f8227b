// Package systemd generates unit drop-in files for the services this daemon
// drives (the promoter unit, its escalation unit, the OCF-wrapping service
// units, and mount units) and wraps the systemctl CLI to act on them.
package systemd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
)

const dropInHeader = "# Auto-generated by drbd-reactor, DO NOT EDIT\n"

// WriteDropIn atomically (write-temp-then-rename) writes a systemd
// drop-in unit file at dir/<unit>.d/<name>.conf containing content, so a
// concurrent systemd daemon-reload never observes a half-written file.
func WriteDropIn(dir, unit, name, content string) error {
	unitDir := filepath.Join(dir, unit+".d")
	if err := os.MkdirAll(unitDir, 0755); err != nil {
		return fmt.Errorf("systemd: creating drop-in dir %s: %w", unitDir, err)
	}

	dst := filepath.Join(unitDir, name+".conf")
	tmp, err := os.CreateTemp(unitDir, "."+name+".conf.*")
	if err != nil {
		return fmt.Errorf("systemd: creating temp file in %s: %w", unitDir, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(dropInHeader + content); err != nil {
		tmp.Close()
		return fmt.Errorf("systemd: writing %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("systemd: closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("systemd: renaming %s to %s: %w", tmp.Name(), dst, err)
	}
	return nil
}

// Dependency selects the systemd unit-file directive used to express a
// service's dependency on another unit, from weakest to strongest.
type Dependency string

const (
	Wants     Dependency = "Wants"
	Requires  Dependency = "Requires"
	Requisite Dependency = "Requisite"
	BindsTo   Dependency = "BindsTo"
)

// FailureAction mirrors systemd's own FailureAction= unit-file values, used
// on the escalation unit when a graceful demote cannot be completed.
type FailureAction string

const (
	FailureNone              FailureAction = "none"
	FailureReboot            FailureAction = "reboot"
	FailureRebootForce       FailureAction = "reboot-force"
	FailureRebootImmediate   FailureAction = "reboot-immediate"
	FailurePoweroff          FailureAction = "poweroff"
	FailurePoweroffForce     FailureAction = "poweroff-force"
	FailurePoweroffImmediate FailureAction = "poweroff-immediate"
	FailureExit              FailureAction = "exit"
	FailureExitForce         FailureAction = "exit-force"
)

// EscapeName applies systemd's own unit-name escaping: alnum, ':' and '_'
// pass through unchanged, '/' becomes '-', '.' passes through everywhere
// but the first byte, and everything else becomes a "\xHH" byte escape.
func EscapeName(name string) string {
	if name == "" {
		return ""
	}
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '/':
			b.WriteByte('-')
		case isUnitSafe(c):
			b.WriteByte(c)
		case c == '.' && i > 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	return b.String()
}

// escapeEnv is a relaxed variant of EscapeName for values injected into
// OCF_RESKEY_/AGENT= environment lines: '.', '/' and ':' are always safe,
// there is no first-byte exception for '.', and nothing is translated to
// a path separator.
func escapeEnv(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c == '.' || c == '/' || c == ':' || isUnitSafe(c):
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, `\x%02x`, c)
		}
	}
	return b.String()
}

func isUnitSafe(c byte) bool {
	return c == ':' || c == '_' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}

// PromoteUnitName returns the unit name for a resource's promote target,
// e.g. "drbd-promote@myres.service".
func PromoteUnitName(resource string) string {
	return fmt.Sprintf("drbd-promote@%s.service", EscapeName(resource))
}

// EscalationUnitName returns the unit name of the demote-or-escalate
// instance invoked when the promote unit fails to demote cleanly.
func EscalationUnitName(resource string) string {
	return fmt.Sprintf("drbd-demote-or-escalate@%s.service", EscapeName(resource))
}

// ServicesTargetName returns the target unit a promoter's configured
// start/stop list is ordered against, e.g. "drbd-services@myres.target".
func ServicesTargetName(resource string) string {
	return fmt.Sprintf("drbd-services@%s.target", EscapeName(resource))
}

// MountUnitName derives the systemd unit name for a mount point path,
// following systemd's own path-to-unit-name escaping (best-effort: this
// covers the plain-absolute-path case the promoter's mount descriptors
// always use; systemd applies the authoritative algorithm itself).
func MountUnitName(mountPoint string) string {
	trimmed := strings.Trim(mountPoint, "/")
	escaped := strings.ReplaceAll(trimmed, "/", "-")
	if escaped == "" {
		return "-.mount"
	}
	return escaped + ".mount"
}

// OCFParseToEnv tokenizes an OCF start-list entry's "key=value ..."
// instance parameters the same way a shell would, and returns the
// generated wrapper service's unit name plus the OCF_RESKEY_<k>=<v> and
// AGENT= environment lines its override must inject. resource is mixed
// into the service name so two resources can reuse the same instance
// name without colliding.
func OCFParseToEnv(resource, vendor, agent, instanceName, args string) (serviceName string, env []string, err error) {
	if instanceName == "" {
		return "", nil, fmt.Errorf("systemd: OCF agent needs an instance name")
	}

	serviceName = fmt.Sprintf("ocf.ra@%s.service", EscapeName(instanceName+"_"+resource))
	if strings.Contains(serviceName, "/") {
		return "", nil, fmt.Errorf("systemd: OCF service name %q contains a '/'", serviceName)
	}

	tokens, err := ParseOCFArgs(args)
	if err != nil {
		return "", nil, err
	}

	env = make([]string, 0, len(tokens)+1)
	for _, item := range tokens {
		k, v, hasValue := strings.Cut(item, "=")
		if k == "" {
			continue
		}
		if hasValue {
			env = append(env, fmt.Sprintf("OCF_RESKEY_%s=%s", k, escapeEnv(v)))
		} else {
			env = append(env, fmt.Sprintf("OCF_RESKEY_%s=", k))
		}
	}
	env = append(env, fmt.Sprintf("AGENT=/usr/lib/ocf/resource.d/%s/%s", escapeEnv(vendor), escapeEnv(agent)))
	return serviceName, env, nil
}

// OCFExecStart renders an `ExecStart=` line invoking an OCF resource agent
// shell wrapper with the given action, quoting the agent's own argv the
// same way an administrator would write it by hand in a unit file.
func OCFExecStart(agentPath string, action string, argv []string) string {
	parts := append([]string{agentPath, action}, argv...)
	return "ExecStart=" + shellquote.Join(parts...)
}

// ParseOCFArgs tokenizes a resource agent's argument string (from a TOML
// config value) the same way a shell would, so `ip=10.0.0.1 cidr_netmask=24`
// splits into the tokens the agent's shell wrapper expects.
func ParseOCFArgs(s string) ([]string, error) {
	tokens, err := shellquote.Split(s)
	if err != nil {
		return nil, fmt.Errorf("systemd: parsing OCF args %q: %w", s, err)
	}
	return tokens, nil
}

// Systemctl wraps the systemctl(1) CLI.
type Systemctl struct {
	Path string
}

func (s Systemctl) bin() string {
	if s.Path != "" {
		return s.Path
	}
	return "systemctl"
}

func (s Systemctl) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, s.bin(), args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemd: systemctl %v: %w: %s", args, err, out)
	}
	return nil
}

// Start resets any stale failed state, starts unit, then checks once that
// it is active and returns an error if it is not. It does not poll: a unit
// that reaches "active" only after that single check is reported as a
// failure. An is-active call that itself fails is not treated as one.
func (s Systemctl) Start(ctx context.Context, unit string) error {
	_ = s.run(ctx, "reset-failed", unit)
	if err := s.run(ctx, "start", unit); err != nil {
		return err
	}
	if active, err := s.IsActive(ctx, unit); err == nil && !active {
		return fmt.Errorf("systemd: unit %q is not active after start", unit)
	}
	return nil
}

// Stop stops unit.
func (s Systemctl) Stop(ctx context.Context, unit string) error { return s.run(ctx, "stop", unit) }

// Freeze freezes unit's cgroup, suspending all processes in it without
// killing them — used to hold services quiescent across a brief demote.
func (s Systemctl) Freeze(ctx context.Context, unit string) error { return s.run(ctx, "freeze", unit) }

// Thaw reverses Freeze.
func (s Systemctl) Thaw(ctx context.Context, unit string) error { return s.run(ctx, "thaw", unit) }

// ResetFailed clears a unit's failed state so a subsequent Start is not
// refused.
func (s Systemctl) ResetFailed(ctx context.Context, unit string) error {
	return s.run(ctx, "reset-failed", unit)
}

// DaemonReload reloads unit files from disk after WriteDropIn changes.
func (s Systemctl) DaemonReload(ctx context.Context) error {
	return s.run(ctx, "daemon-reload")
}

// IsActive reports whether unit is currently active.
func (s Systemctl) IsActive(ctx context.Context, unit string) (bool, error) {
	cmd := exec.CommandContext(ctx, s.bin(), "is-active", unit)
	out, err := cmd.Output()
	state := strings.TrimSpace(string(out))
	if err != nil {
		// systemctl is-active exits non-zero for any state but "active";
		// that is expected, not a failure of the call itself.
		return state == "active", nil
	}
	return state == "active", nil
}

// ShowProperty returns the value of a single unit property (e.g. "ActiveState").
func (s Systemctl) ShowProperty(ctx context.Context, unit, property string) (string, error) {
	cmd := exec.CommandContext(ctx, s.bin(), "show", unit, "--property="+property, "--value")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("systemd: systemctl show %s %s: %w", unit, property, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ListDependencies returns the services that target depends on, in the
// order `systemctl list-dependencies` prints them, skipping the target
// line itself and the implicit promote unit beneath it (neither has a
// process to freeze/thaw).
func (s Systemctl) ListDependencies(ctx context.Context, target string) ([]string, error) {
	cmd := exec.CommandContext(ctx, s.bin(), "list-dependencies", "--no-pager", "--plain", target)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("systemd: systemctl list-dependencies %s: %w", target, err)
	}

	lines := strings.Split(strings.TrimRight(string(out), "\n"), "\n")
	if len(lines) <= 2 {
		return nil, nil
	}
	services := make([]string, 0, len(lines)-2)
	for _, l := range lines[2:] {
		if l = strings.TrimSpace(l); l != "" {
			services = append(services, l)
		}
	}
	return services, nil
}

// FlushJournal persists buffered journal entries to disk before a demote
// that might reboot or power off the host, so the events leading up to it
// survive.
func FlushJournal(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "journalctl", "--flush", "--sync")
	return cmd.Run()
}
