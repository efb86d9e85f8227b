package promoter

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/LINBIT/drbd-reactor/pkg/systemd"
)

// reactorUnitName is this daemon's own unit, named by the services target's
// reactor-50-before.conf drop-in: the target starts before the reactor and,
// at shutdown, stops only after the reactor has stopped.
const reactorUnitName = "drbd-reactor.service"

const promoteShim = "/usr/lib/drbd-reactor/drbd-service-shim.sh"

// generateSystemdTemplates materializes every unit override a promoter
// instance needs (rules 1-8): the promote unit, its optional escalation
// unit, one override per dependent service chaining it to the previous
// service and the promote unit, the services target's own dependency
// list, and a reactor-50-before.conf ordering the target before this
// daemon. Called once per Config at plugin construction.
func generateSystemdTemplates(cfg Config, logger zerolog.Logger) error {
	resource := cfg.ResourceName
	dir := cfg.UnitDropInDir

	names := make([]string, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		unit, err := resolveUnitName(resource, svc)
		if err != nil {
			return err
		}
		if strings.Contains(unit, "/") {
			return fmt.Errorf("systemd: service unit name %q contains a '/'", unit)
		}
		names = append(names, unit)
	}
	if len(names) > 0 && isMountUnit(names[0]) {
		logger.Warn().Str("unit", names[0]).Msg("first dependent service is a mount unit with nothing to order it against but the promote unit")
	}

	if err := writePromoteUnit(cfg); err != nil {
		return err
	}
	if cfg.OnFailure != EscalateNone {
		if err := writeEscalationUnit(cfg); err != nil {
			return err
		}
	}
	for i, svc := range cfg.Services {
		if err := writeServiceUnit(cfg, i, svc, names); err != nil {
			return err
		}
	}
	if err := writeServicesTarget(dir, resource, names, cfg.targetAs()); err != nil {
		return err
	}
	return nil
}

func (c Config) dependenciesAs() systemd.Dependency {
	if c.DependenciesAs == "" {
		return systemd.Requires
	}
	return c.DependenciesAs
}

func (c Config) targetAs() systemd.Dependency {
	if c.TargetAs == "" {
		return systemd.Requires
	}
	return c.TargetAs
}

func writePromoteUnit(cfg Config) error {
	var b strings.Builder

	needsOnFailure := cfg.OnFailure != EscalateNone
	if needsOnFailure {
		b.WriteString("[Unit]\n")
		fmt.Fprintf(&b, "OnFailure=%s\n", systemd.EscalationUnitName(cfg.ResourceName))
		b.WriteString("OnFailureJobMode=replace-irreversibly\n")
	}

	b.WriteString("[Service]\n")
	b.WriteString("ExecStart=\n")
	fmt.Fprintf(&b, "ExecStart=%s primary %%I\n", promoteShim)
	if cfg.onQuorumLoss() == QuorumLossFreeze || cfg.SecondaryForce {
		b.WriteString("ExecStop=\n")
		fmt.Fprintf(&b, "ExecStop=%s secondary-force %%I\n", promoteShim)
	}

	return systemd.WriteDropIn(cfg.UnitDropInDir, systemd.PromoteUnitName(cfg.ResourceName), "reactor", b.String())
}

func writeEscalationUnit(cfg Config) error {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "FailureAction=%s\n", cfg.OnFailure)
	fmt.Fprintf(&b, "Conflicts=%s\n", systemd.PromoteUnitName(cfg.ResourceName))
	b.WriteString("[Service]\n")
	b.WriteString("ExecStart=\n")
	fmt.Fprintf(&b, "ExecStart=%s secondary-force-or-escalate %%I\n", promoteShim)

	return systemd.WriteDropIn(cfg.UnitDropInDir, systemd.EscalationUnitName(cfg.ResourceName), "reactor", b.String())
}

func writeServiceUnit(cfg Config, index int, svc Service, names []string) error {
	unit := names[index]
	dep := cfg.dependenciesAs()
	promoteUnit := systemd.PromoteUnitName(cfg.ResourceName)
	target := systemd.ServicesTargetName(cfg.ResourceName)

	var b strings.Builder
	b.WriteString("[Unit]\n")
	fmt.Fprintf(&b, "%s=%s\n", dep, promoteUnit)
	fmt.Fprintf(&b, "After=%s\n", promoteUnit)
	if index > 0 {
		fmt.Fprintf(&b, "%s=%s\n", dep, names[index-1])
		fmt.Fprintf(&b, "After=%s\n", names[index-1])
	}
	fmt.Fprintf(&b, "PartOf=%s\n", target)
	if isMountUnit(unit) {
		b.WriteString("DefaultDependencies=no\n")
	}

	if svc.Kind == OCFResource {
		vendor, agent, ok := splitOCFAgent(svc.Agent)
		if !ok {
			return fmt.Errorf("promoter: malformed OCF agent %q, want ocf:<vendor>:<agent>", svc.Agent)
		}
		_, env, err := systemd.OCFParseToEnv(cfg.ResourceName, vendor, agent, svc.Name, svc.Args)
		if err != nil {
			return err
		}
		b.WriteString("[Service]\n")
		for _, line := range env {
			fmt.Fprintf(&b, "Environment=%s\n", line)
		}
	}

	return systemd.WriteDropIn(cfg.UnitDropInDir, unit, "reactor", b.String())
}

func writeServicesTarget(dir, resource string, names []string, dep systemd.Dependency) error {
	target := systemd.ServicesTargetName(resource)

	var b strings.Builder
	b.WriteString("[Unit]\n")
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%s\n", dep, name)
	}
	if err := systemd.WriteDropIn(dir, target, "reactor", b.String()); err != nil {
		return err
	}

	before := fmt.Sprintf("[Unit]\nBefore=%s\n", reactorUnitName)
	return systemd.WriteDropIn(dir, target, "reactor-50-before", before)
}

// splitOCFAgent splits "ocf:<vendor>:<agent>" into its two components.
func splitOCFAgent(agent string) (vendor, ra string, ok bool) {
	const prefix = "ocf:"
	if !strings.HasPrefix(agent, prefix) {
		return "", "", false
	}
	rest := strings.TrimPrefix(agent, prefix)
	vendor, ra, found := strings.Cut(rest, ":")
	if !found || vendor == "" || ra == "" {
		return "", "", false
	}
	return vendor, ra, true
}
