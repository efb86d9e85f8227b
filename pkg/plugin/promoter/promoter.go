// Package promoter implements the plugin that actually moves a DRBD
// resource to Primary and starts its dependent services, and reverses that
// on demote/failure: the promoter state machine.
package promoter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LINBIT/drbd-reactor/pkg/drbdadm"
	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
	"github.com/LINBIT/drbd-reactor/pkg/log"
	"github.com/LINBIT/drbd-reactor/pkg/metrics"
	"github.com/LINBIT/drbd-reactor/pkg/plugin"
	"github.com/LINBIT/drbd-reactor/pkg/systemd"
)

// ServiceKind selects how a dependent service descriptor is started.
type ServiceKind int

const (
	// SystemdUnit starts/stops a plain systemd unit via systemctl.
	SystemdUnit ServiceKind = iota
	// OCFResource wraps an OCF resource agent in a generated unit before
	// starting/stopping it the same way.
	OCFResource
)

// Service is one dependent service the promoter starts after promotion and
// stops before demotion, in the order given.
type Service struct {
	Kind  ServiceKind
	Unit  string // SystemdUnit: the unit name as-is
	Agent string // OCFResource: "ocf:<vendor>:<agent>"
	Name  string // OCFResource: the resource agent's instance name
	Args  string // OCFResource: raw "key=value ..." instance parameters
}

// EscalationAction names what the promoter does when demotion fails and
// dependent services might still hold the (now-stale) data open. It mirrors
// systemd's own FailureAction= values one-to-one.
type EscalationAction = systemd.FailureAction

const (
	EscalateNone              = systemd.FailureNone
	EscalateReboot            = systemd.FailureReboot
	EscalateRebootForce       = systemd.FailureRebootForce
	EscalateRebootImmediate   = systemd.FailureRebootImmediate
	EscalatePoweroff          = systemd.FailurePoweroff
	EscalatePoweroffForce     = systemd.FailurePoweroffForce
	EscalatePoweroffImmediate = systemd.FailurePoweroffImmediate
	EscalateExit              = systemd.FailureExit
	EscalateExitForce         = systemd.FailureExitForce
)

// Runner selects how the promoter drives dependent services.
type Runner string

const (
	// RunnerSystemd is the default: services are systemd units chained
	// off the generated drbd-promote@/drbd-services@ unit hierarchy.
	RunnerSystemd Runner = "systemd"
	// RunnerShell runs each configured unit as a bare shell command
	// instead of going through systemd's dependency graph.
	RunnerShell Runner = "shell"
)

// QuorumLossPolicy decides what happens to a Primary resource that loses
// quorum (its peers become unreachable and too few remain to safely write).
type QuorumLossPolicy string

const (
	// QuorumLossShutdown demotes and stops dependent services immediately.
	QuorumLossShutdown QuorumLossPolicy = "shutdown"
	// QuorumLossFreeze suspends dependent services in place (excluding
	// mount units, which would otherwise see I/O errors) instead of
	// stopping them, and thaws them if quorum is regained.
	QuorumLossFreeze QuorumLossPolicy = "freeze"
)

// Config is one promoter plugin instance, watching a single resource.
type Config struct {
	ResourceName       string
	PreferredNodes     []string // best-to-worst node name order
	Services           []Service
	StopServices       []Service // explicit stop order; empty defaults to the reverse of Services
	OnFailure          EscalationAction
	DelayFactor        float64 // multiplier applied to the base promotion delay; 0 defaults to 1
	UnitDropInDir      string  // directory systemd reads drop-ins from, e.g. /etc/systemd/system
	Runner             Runner
	OnQuorumLoss       QuorumLossPolicy
	SecondaryForce     bool // whether the promote unit's ExecStop uses the force-demote helper
	DependenciesAs     systemd.Dependency
	TargetAs           systemd.Dependency
	StopServicesOnExit bool
	Tools              drbdadm.Tools
	Systemctl          systemd.Systemctl
}

func (c Config) Kind() string { return "promoter" }

// Key encodes every field that should force a plugin restart on reload.
// Tools/Systemctl are plain exec wrappers with no comparable state, so they
// are deliberately excluded.
func (c Config) Key() string {
	type keyable struct {
		ResourceName       string
		PreferredNodes     []string
		Services           []Service
		StopServices       []Service
		OnFailure          EscalationAction
		DelayFactor        float64
		UnitDropInDir      string
		Runner             Runner
		OnQuorumLoss       QuorumLossPolicy
		SecondaryForce     bool
		DependenciesAs     systemd.Dependency
		TargetAs           systemd.Dependency
		StopServicesOnExit bool
	}
	b, _ := json.Marshal(keyable{
		ResourceName:       c.ResourceName,
		PreferredNodes:     c.PreferredNodes,
		Services:           c.Services,
		StopServices:       c.StopServices,
		OnFailure:          c.OnFailure,
		DelayFactor:        c.DelayFactor,
		UnitDropInDir:      c.UnitDropInDir,
		Runner:             c.Runner,
		OnQuorumLoss:       c.OnQuorumLoss,
		SecondaryForce:     c.SecondaryForce,
		DependenciesAs:     c.DependenciesAs,
		TargetAs:           c.TargetAs,
		StopServicesOnExit: c.StopServicesOnExit,
	})
	return "promoter:" + string(b)
}

func (c Config) runner() Runner {
	if c.Runner == "" {
		return RunnerSystemd
	}
	return c.Runner
}

func (c Config) onQuorumLoss() QuorumLossPolicy {
	if c.OnQuorumLoss == "" {
		return QuorumLossShutdown
	}
	return c.OnQuorumLoss
}

func (c Config) New() plugin.Plugin {
	logger := log.WithResource(c.ResourceName)

	if c.runner() == RunnerSystemd && c.UnitDropInDir != "" {
		if err := generateSystemdTemplates(c, logger); err != nil {
			logger.Error().Err(err).Msg("generating systemd unit overrides failed")
		} else if err := c.Systemctl.DaemonReload(context.Background()); err != nil {
			logger.Error().Err(err).Msg("systemctl daemon-reload after template generation failed")
		}
	}

	p := &Promoter{cfg: c, logger: logger}
	for _, svc := range c.Services {
		unit, err := resolveUnitName(c.ResourceName, svc)
		if err != nil {
			logger.Error().Err(err).Msg("skipping dependent service with unresolvable unit name")
			continue
		}
		p.resolved = append(p.resolved, resolvedService{unit: unit, svc: svc})
	}

	stopOrder := c.StopServices
	if len(stopOrder) == 0 {
		stopOrder = reverseServices(c.Services)
	}
	for _, svc := range stopOrder {
		unit, err := resolveUnitName(c.ResourceName, svc)
		if err != nil {
			logger.Error().Err(err).Msg("skipping stop action with unresolvable unit name")
			continue
		}
		p.stopResolved = append(p.stopResolved, resolvedService{unit: unit, svc: svc})
	}
	return p
}

func reverseServices(services []Service) []Service {
	out := make([]Service, len(services))
	for i, svc := range services {
		out[len(services)-1-i] = svc
	}
	return out
}

// resolvedService pairs a configured Service with the concrete unit name
// the promoter actually starts/stops/freezes.
type resolvedService struct {
	unit string
	svc  Service
}

func resolveUnitName(resource string, svc Service) (string, error) {
	if svc.Kind == SystemdUnit {
		return svc.Unit, nil
	}
	vendor, agent, ok := splitOCFAgent(svc.Agent)
	if !ok {
		return "", fmt.Errorf("promoter: malformed OCF agent %q, want ocf:<vendor>:<agent>", svc.Agent)
	}
	name, _, err := systemd.OCFParseToEnv(resource, vendor, agent, svc.Name, svc.Args)
	return name, err
}

// state is the promoter's view of one resource's lifecycle.
type state int

const (
	stateUnknown state = iota
	stateSecondary
	statePromoting
	statePrimary
	stateDemoting
	stateFrozen
	stateEscalated
)

// Promoter is the running plugin instance for one Config.
type Promoter struct {
	cfg          Config
	logger       zerolog.Logger
	resolved     []resolvedService
	stopResolved []resolvedService

	mu         sync.Mutex
	state      state
	current    *drbdtype.Resource
	mayPromote bool
	escalated  bool
	lastStart  time.Time
}

// minSecsBetweenPromotes throttles repeated promotion attempts against a
// resource that keeps flapping may_promote (e.g. a connection bouncing).
const minSecsBetweenPromotes = 20 * time.Second

// Run implements plugin.Plugin.
func (p *Promoter) Run(ctx context.Context, updates <-chan *drbdtype.ChangeUpdate) error {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	defer func() {
		if p.cfg.StopServicesOnExit {
			if err := p.stopStack(context.Background()); err != nil {
				p.logger.Error().Err(err).Msg("stopping stack on exit failed")
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			p.handleUpdate(ctx, u)
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// handleUpdate dispatches one change update through the edge-triggered
// state machine: every transition below fires on the old->new edge of a
// single field, never on the level of the current snapshot, so a plugin
// restart never re-fires an action that already happened.
func (p *Promoter) handleUpdate(ctx context.Context, u *drbdtype.ChangeUpdate) {
	if u.ResourceName != p.cfg.ResourceName {
		return
	}
	if u.Resource == nil {
		return
	}

	p.mu.Lock()
	p.current = u.Resource
	p.mu.Unlock()

	switch u.Variant {
	case drbdtype.VariantResource:
		p.handleResourceChange(ctx, u)
	case drbdtype.VariantDevice:
		p.handleDeviceChange(ctx, u)
	case drbdtype.VariantPeerDevice:
		p.handlePeerDeviceChange(ctx, u)
	}
}

// handleResourceChange covers the may_promote and forced-secondary edges
// (spec §4.E rules S1/S2).
func (p *Promoter) handleResourceChange(ctx context.Context, u *drbdtype.ChangeUpdate) {
	old, new := u.OldResource, u.NewResource

	if !old.MayPromote && new.MayPromote {
		p.mu.Lock()
		p.mayPromote = true
		p.mu.Unlock()
		p.attemptPromote(ctx, u.Resource)
		return
	}
	if old.MayPromote && !new.MayPromote {
		p.mu.Lock()
		p.mayPromote = false
		p.mu.Unlock()
	}

	if old.Role == drbdtype.RolePrimary && new.Role == drbdtype.RoleSecondary && p.cfg.onQuorumLoss() == QuorumLossFreeze {
		// The kernel already forced the demote; the promoter just needs
		// to stop the services that were serving the (now stale) data.
		p.acknowledgeForcedSecondary(ctx)
	}
}

// handleDeviceChange covers the quorum true->false/false->true edges
// (spec §4.E rule S4).
func (p *Promoter) handleDeviceChange(ctx context.Context, u *drbdtype.ChangeUpdate) {
	old, new := u.OldDevice, u.NewDevice

	if old.Quorum && !new.Quorum {
		if p.cfg.onQuorumLoss() == QuorumLossFreeze {
			p.freeze(ctx)
		} else {
			p.demote(ctx, "quorum lost")
		}
		return
	}

	if !old.Quorum && new.Quorum && p.cfg.onQuorumLoss() == QuorumLossFreeze && u.Resource.Role == drbdtype.RolePrimary {
		p.thaw(ctx)
	}
}

// handlePeerDeviceChange covers the preferred-node yield edge (spec §4.E
// rule S5): when a peer that is listed ahead of us in preferred-nodes
// catches back up to UpToDate, we step aside so it can reclaim Primary.
func (p *Promoter) handlePeerDeviceChange(ctx context.Context, u *drbdtype.ChangeUpdate) {
	if len(p.cfg.PreferredNodes) == 0 {
		return
	}
	if u.OldPeerDevice.PeerDiskState == drbdtype.DiskUpToDate || u.NewPeerDevice.PeerDiskState != drbdtype.DiskUpToDate {
		return
	}
	if u.Resource.Role != drbdtype.RolePrimary {
		return
	}

	conn := u.Resource.ConnectionByPeer(u.PeerNodeID)
	if conn == nil {
		return
	}
	peerPos, found := indexOf(p.cfg.PreferredNodes, conn.ConnName)
	if !found {
		return
	}
	localPos := p.localNodePosition()
	if peerPos < localPos {
		p.demote(ctx, "preferred node "+conn.ConnName+" caught up and ranks ahead of us")
	}
}

// osHostname is overridden in tests.
var osHostname = os.Hostname

func (p *Promoter) localNodePosition() int {
	host, err := osHostname()
	if err != nil {
		return len(p.cfg.PreferredNodes)
	}
	pos, found := indexOf(p.cfg.PreferredNodes, host)
	if !found {
		return len(p.cfg.PreferredNodes)
	}
	return pos
}

func indexOf(list []string, want string) (int, bool) {
	for i, v := range list {
		if v == want {
			return i, true
		}
	}
	return 0, false
}

// attemptPromote sleeps the computed stagger delay, then promotes. If a
// promotion attempt already started within minSecsBetweenPromotes, it
// instead waits out the rest of that interval before promoting.
func (p *Promoter) attemptPromote(ctx context.Context, r *drbdtype.Resource) {
	if r.Role == drbdtype.RolePrimary {
		return
	}

	delay := p.promotionDelay(r)

	p.mu.Lock()
	sinceLast := time.Since(p.lastStart)
	p.mu.Unlock()
	if sinceLast < minSecsBetweenPromotes && !p.lastStart.IsZero() {
		delay = minSecsBetweenPromotes - sinceLast
	}

	p.logger.Debug().Dur("delay", delay).Msg("scheduling promotion attempt")
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		p.mu.Lock()
		p.lastStart = time.Now()
		p.mu.Unlock()
		p.promote(ctx)
	}()
}

// diskStateRank mirrors the kernel's own implied urgency ordering: better
// local data means a shorter stagger delay, so the best-placed node almost
// always wins a simultaneous promotion race without a distributed lock.
func diskStateRank(s drbdtype.DiskState) int {
	switch s {
	case drbdtype.DiskUpToDate:
		return 0
	case drbdtype.DiskConsistent:
		return 1
	case drbdtype.DiskOutdated:
		return 2
	case drbdtype.DiskInconsistent:
		return 3
	default:
		return 6
	}
}

// promotionDelay staggers simultaneous promotion races across cluster
// nodes: the worst disk state across all of a resource's devices sets a
// base penalty, a node's position in preferred-nodes adds one unit per
// rank behind the front, and a Secondary resource configured to freeze on
// quorum loss gets an extra grace period to let its peer notice first.
func (p *Promoter) promotionDelay(r *drbdtype.Resource) time.Duration {
	factor := p.cfg.DelayFactor
	if factor == 0 {
		factor = 1
	}

	base := 0
	for _, d := range r.Devices {
		if rank := diskStateRank(d.DiskState); rank > base {
			base = rank
		}
	}

	position := p.localNodePosition()

	units := base + position
	if p.cfg.onQuorumLoss() == QuorumLossFreeze && r.Role == drbdtype.RoleSecondary {
		units += 2
	}

	delayMs := float64(units) * 1000 * factor
	return time.Duration(delayMs) * time.Millisecond
}

// eligibleToPromote mirrors the kernel tool's own may_promote/disk-state
// gate, kept for the periodic tick's retry pass.
func (p *Promoter) eligibleToPromote(r *drbdtype.Resource) bool {
	if !r.MayPromote {
		return false
	}
	for _, d := range r.Devices {
		if d.DiskState != drbdtype.DiskUpToDate && d.DiskState != drbdtype.DiskConsistent {
			return false
		}
	}
	return true
}

func (p *Promoter) promote(ctx context.Context) {
	p.mu.Lock()
	if p.state == statePromoting || p.state == statePrimary {
		p.mu.Unlock()
		return
	}
	p.state = statePromoting
	p.mu.Unlock()

	p.logger.Info().Msg("promoting resource")
	if err := p.cfg.Tools.Adjust(ctx, p.cfg.ResourceName); err != nil {
		p.logger.Warn().Err(err).Msg("adjust before promote failed, continuing")
	}

	if err := p.startStack(ctx); err != nil {
		p.logger.Error().Err(err).Msg("promotion failed, stopping stack")
		p.mu.Lock()
		p.state = stateSecondary
		p.mu.Unlock()
		p.stopStack(ctx)
		return
	}

	metrics.PromotionsTotal.WithLabelValues(p.cfg.ResourceName).Inc()
	p.mu.Lock()
	p.state = statePrimary
	p.mu.Unlock()
}

func (p *Promoter) demote(ctx context.Context, reason string) {
	p.mu.Lock()
	if p.state == stateDemoting || p.state == stateSecondary {
		p.mu.Unlock()
		return
	}
	p.state = stateDemoting
	p.mu.Unlock()

	p.logger.Info().Str("reason", reason).Msg("demoting resource")

	if p.cfg.runner() == RunnerSystemd {
		if err := systemd.FlushJournal(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("flushing journal before demote failed, continuing")
		}
	}

	if err := p.stopStack(ctx); err != nil {
		p.logger.Error().Err(err).Msg("demote failed, escalating")
		p.escalate(ctx)
		return
	}

	metrics.DemotionsTotal.WithLabelValues(p.cfg.ResourceName).Inc()
	p.mu.Lock()
	p.state = stateSecondary
	p.mu.Unlock()
}

// acknowledgeForcedSecondary handles the case where the kernel has already
// demoted the resource out from under us (quorum loss under Freeze
// policy): there is nothing left to tell drbdadm, only dependent services
// to stop.
func (p *Promoter) acknowledgeForcedSecondary(ctx context.Context) {
	p.mu.Lock()
	if p.state == stateDemoting || p.state == stateSecondary {
		p.mu.Unlock()
		return
	}
	p.state = stateDemoting
	p.mu.Unlock()

	p.logger.Warn().Msg("resource was forced to secondary, stopping dependent services")
	p.stopDependents(ctx)

	p.mu.Lock()
	p.state = stateSecondary
	p.mu.Unlock()
}

// freeze suspends the dependent services that are actually running under
// the resource's services target, excluding mount units — a frozen cgroup
// still holds its mounts open, and freezing a .mount unit's own systemd
// bookkeeping (rather than the processes using it) serves nothing. The
// Shell runner has no unit graph to freeze against, so it refuses outright.
func (p *Promoter) freeze(ctx context.Context) {
	if p.cfg.runner() != RunnerSystemd {
		p.logger.Error().Msg("shell runner can not freeze/thaw services, use systemd")
		return
	}

	p.mu.Lock()
	already := p.state == stateFrozen
	p.state = stateFrozen
	p.mu.Unlock()
	if already {
		return
	}

	p.logger.Warn().Msg("freezing dependent services: quorum lost")
	for _, unit := range p.runningServiceUnits(ctx) {
		if err := p.cfg.Systemctl.Freeze(ctx, unit); err != nil {
			p.logger.Error().Err(err).Str("unit", unit).Msg("freeze failed")
		}
	}
}

func (p *Promoter) thaw(ctx context.Context) {
	if p.cfg.runner() != RunnerSystemd {
		return
	}

	p.mu.Lock()
	wasFrozen := p.state == stateFrozen
	p.state = statePrimary
	p.mu.Unlock()
	if !wasFrozen {
		return
	}

	p.logger.Info().Msg("quorum regained, thawing dependent services")
	for _, unit := range p.runningServiceUnits(ctx) {
		if err := p.cfg.Systemctl.Thaw(ctx, unit); err != nil {
			p.logger.Error().Err(err).Str("unit", unit).Msg("thaw failed")
		}
	}
}

// runningServiceUnits enumerates the services target's actual current
// dependencies rather than the static configured list: freeze/thaw must
// act on whatever systemd is holding right now, not on every configured
// service regardless of whether it ever started.
func (p *Promoter) runningServiceUnits(ctx context.Context) []string {
	target := systemd.ServicesTargetName(p.cfg.ResourceName)
	all, err := p.cfg.Systemctl.ListDependencies(ctx, target)
	if err != nil {
		p.logger.Error().Err(err).Str("target", target).Msg("listing dependencies failed")
		return nil
	}
	units := make([]string, 0, len(all))
	for _, u := range all {
		if !isMountUnit(u) {
			units = append(units, u)
		}
	}
	return units
}

func isMountUnit(unit string) bool {
	return len(unit) > len(".mount") && unit[len(unit)-len(".mount"):] == ".mount"
}

// escalate is the last resort when a graceful demote cannot be completed
// and dependent services might still hold the (now-stale) data open.
func (p *Promoter) escalate(ctx context.Context) {
	p.mu.Lock()
	if p.escalated {
		p.mu.Unlock()
		return
	}
	p.escalated = true
	p.state = stateEscalated
	p.mu.Unlock()

	action := p.cfg.OnFailure
	if action == EscalateNone {
		action = EscalateReboot
	}
	metrics.EscalationsTotal.WithLabelValues(p.cfg.ResourceName, string(action)).Inc()
	p.logger.Error().Str("action", string(action)).Msg("escalating after failed demote")

	if p.cfg.runner() == RunnerSystemd && p.cfg.UnitDropInDir != "" {
		// The generated escalation unit's own ExecStart already attempts a
		// forced demote; if that also fails, systemd applies the
		// FailureAction= baked into its override by generateSystemdTemplates.
		if err := p.cfg.Systemctl.Start(ctx, systemd.EscalationUnitName(p.cfg.ResourceName)); err != nil {
			p.logger.Error().Err(err).Msg("escalation unit failed to start")
		}
		return
	}

	switch action {
	case EscalateNone:
	case EscalateReboot, EscalateRebootForce, EscalateRebootImmediate:
		_ = p.cfg.Systemctl.Start(ctx, "reboot.target")
	case EscalatePoweroff, EscalatePoweroffForce, EscalatePoweroffImmediate:
		_ = p.cfg.Systemctl.Start(ctx, "poweroff.target")
	case EscalateExit, EscalateExitForce:
		panic(fmt.Sprintf("promoter: unable to demote resource %q safely", p.cfg.ResourceName))
	}
}

// ensureServicesStarted is the periodic tick's best-effort retry: it never
// aborts the stack on a single unit failure, since the tick runs again in
// 20s regardless. The Shell runner has no per-unit active/inactive concept
// to reconcile against, so there is nothing to retry here.
func (p *Promoter) ensureServicesStarted(ctx context.Context) {
	if p.cfg.runner() != RunnerSystemd {
		return
	}
	for _, rs := range p.resolved {
		active, err := p.cfg.Systemctl.IsActive(ctx, rs.unit)
		if err == nil && active {
			continue
		}
		if err := p.cfg.Systemctl.Start(ctx, rs.unit); err != nil {
			p.logger.Error().Err(err).Str("unit", rs.unit).Msg("starting dependent service failed")
		}
	}
}

// startStack brings the resource's whole stack up bottom-to-top and stops
// at the first failure, per spec: a failed start means the whole stack
// comes back down rather than being left half-up. Under the Systemd runner
// the promote unit is the foundation of the stack: starting it is what
// actually runs the kernel helper's "primary" action, and every dependent
// service unit is generated with a Requires=/After= on it, so this is the
// Go core's only systemd-side promotion trigger. Under the Shell runner
// there is no promote unit at all — each configured action string is run
// directly, in order, and is expected to handle promotion itself.
func (p *Promoter) startStack(ctx context.Context) error {
	if p.cfg.runner() != RunnerSystemd {
		for _, rs := range p.resolved {
			if err := runShellCommand(ctx, rs.svc.Unit); err != nil {
				return fmt.Errorf("running start action %q: %w", rs.svc.Unit, err)
			}
		}
		return nil
	}

	if err := p.cfg.Systemctl.Start(ctx, systemd.PromoteUnitName(p.cfg.ResourceName)); err != nil {
		return fmt.Errorf("starting promote unit: %w", err)
	}
	for _, rs := range p.resolved {
		active, err := p.cfg.Systemctl.IsActive(ctx, rs.unit)
		if err == nil && active {
			continue
		}
		if err := p.cfg.Systemctl.Start(ctx, rs.unit); err != nil {
			return fmt.Errorf("starting %s: %w", rs.unit, err)
		}
	}
	return nil
}

// stopDependents stops the configured dependent services top-to-bottom,
// best-effort: a unit that refuses to stop is only a warning, since the
// resource still needs demoting regardless (spec §4.E).
func (p *Promoter) stopDependents(ctx context.Context) {
	if p.cfg.runner() != RunnerSystemd {
		for _, rs := range p.stopResolved {
			if err := runShellCommand(ctx, rs.svc.Unit); err != nil {
				p.logger.Error().Err(err).Str("action", rs.svc.Unit).Msg("shell stop action failed")
			}
		}
		return
	}
	for _, rs := range p.stopResolved {
		if err := p.cfg.Systemctl.Stop(ctx, rs.unit); err != nil {
			p.logger.Error().Err(err).Str("unit", rs.unit).Msg("stopping dependent service failed")
		}
	}
}

// stopStack tears the whole stack down: dependent services first, then,
// under the Systemd runner, the promote unit itself — whose ExecStop runs
// the kernel helper's force-demote action when SecondaryForce or the Freeze
// quorum-loss policy is set. Only the promote-unit stop is
// reported back to the caller: that is the step that actually demotes the
// resource, and its failure is what should trigger escalation. The Shell
// runner has no promote unit, so stopping the configured actions is the
// entire operation.
func (p *Promoter) stopStack(ctx context.Context) error {
	p.stopDependents(ctx)
	if p.cfg.runner() != RunnerSystemd {
		return nil
	}
	if err := p.cfg.Systemctl.Stop(ctx, systemd.PromoteUnitName(p.cfg.ResourceName)); err != nil {
		return fmt.Errorf("stopping promote unit: %w", err)
	}
	return nil
}

// tick is the periodic supervisor pass: it retries promotion for a
// resource that is eligible but still Secondary (the initial attempt may
// have lost a race, or the triggering event may have been missed across a
// plugin restart), and re-checks that Primary's services are actually
// running.
func (p *Promoter) tick(ctx context.Context) {
	p.mu.Lock()
	r := p.current
	p.mu.Unlock()
	if r == nil {
		return
	}

	if r.Role == drbdtype.RolePrimary {
		p.ensureServicesStarted(ctx)
		return
	}
	if p.eligibleToPromote(r) {
		p.attemptPromote(ctx, r)
	}
}
