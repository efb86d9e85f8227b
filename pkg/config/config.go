// Package config loads the reactor's TOML configuration: a main file plus
// a sorted directory of snippet overrides, decoded into the plugin
// packages' own Config types.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/LINBIT/drbd-reactor/pkg/drbdadm"
	"github.com/LINBIT/drbd-reactor/pkg/drbdtype"
	"github.com/LINBIT/drbd-reactor/pkg/log"
	"github.com/LINBIT/drbd-reactor/pkg/plugin"
	"github.com/LINBIT/drbd-reactor/pkg/plugin/agentx"
	"github.com/LINBIT/drbd-reactor/pkg/plugin/debugger"
	"github.com/LINBIT/drbd-reactor/pkg/plugin/prometheus"
	"github.com/LINBIT/drbd-reactor/pkg/plugin/promoter"
	"github.com/LINBIT/drbd-reactor/pkg/plugin/umh"
	"github.com/LINBIT/drbd-reactor/pkg/systemd"
)

// LogSink is one entry of the top-level "log" list; the reactor writes to
// every configured sink simultaneously.
type LogSink struct {
	Level  string `toml:"level"`
	File   string `toml:"file"`
	Format string `toml:"format"`
}

// ServiceEntry is one dependent-service descriptor under a promoter's
// "start" list: exactly one of Systemd or OCF should be set.
type ServiceEntry struct {
	Systemd string `toml:"systemd"`
	OCF     string `toml:"ocf"`
	OCFArgs string `toml:"args"`
}

// PromoterEntry configures one resource's promoter plugin instance.
type PromoterEntry struct {
	Resource           string         `toml:"resource"`
	PreferredNodes     []string       `toml:"preferred-nodes"`
	OnFailure          string         `toml:"on-failure"`
	DelayFactor        float64        `toml:"delay-factor"`
	Start              []ServiceEntry `toml:"start"`
	Stop               []ServiceEntry `toml:"stop"`
	Runner             string         `toml:"runner"`
	DependenciesAs     string         `toml:"dependencies-as"`
	TargetAs           string         `toml:"target-as"`
	SecondaryForce     *bool          `toml:"secondary-force"`
	OnQuorumLoss       string         `toml:"on-quorum-loss"`
	StopServicesOnExit bool           `toml:"stop-services-on-exit"`
}

// secondaryForce resolves the "secondary-force" default: true unless the
// config file explicitly disables it (spec.md's promoter resource shape).
func (p PromoterEntry) secondaryForce() bool {
	if p.SecondaryForce == nil {
		return true
	}
	return *p.SecondaryForce
}

// UMHRuleEntry is one matcher+command pair under a umh plugin instance.
type UMHRuleEntry struct {
	Resource     string   `toml:"resource"`
	OldRole      string   `toml:"old.role"`
	NewRole      string   `toml:"new.role"`
	OldDiskState string   `toml:"old.disk"`
	NewDiskState string   `toml:"new.disk"`
	OldConnState string   `toml:"old.connection"`
	NewConnState string   `toml:"new.connection"`
	Command      []string `toml:"command"`
}

// UMHEntry is one umh plugin instance.
type UMHEntry struct {
	Name string         `toml:"name"`
	Rule []UMHRuleEntry `toml:"rule"`
}

// PrometheusEntry is one prometheus plugin instance.
type PrometheusEntry struct {
	Address string `toml:"address"`
}

// AgentXEntry is one agentx plugin instance.
type AgentXEntry struct {
	Vrf string `toml:"vrf"`
}

// DebuggerEntry is one debugger plugin instance.
type DebuggerEntry struct {
	Name string `toml:"name"`
}

// File is the decoded shape of the main config file and every snippet
// merged on top of it.
type File struct {
	Log                    []LogSink         `toml:"log"`
	StatisticsPollInterval int               `toml:"statistics-poll-interval"`
	UnitDropInDir          string            `toml:"unit-drop-in-dir"`
	Promoter               []PromoterEntry   `toml:"promoter"`
	UMH                    []UMHEntry        `toml:"umh"`
	Prometheus             []PrometheusEntry `toml:"prometheus"`
	AgentX                 []AgentXEntry     `toml:"agentx"`
	Debugger               []DebuggerEntry   `toml:"debugger"`
}

// Load decodes path, then every *.toml file in snippetsDir in sorted
// filename order, appending each snippet's plugin lists onto the main
// file's (later snippets never replace earlier entries, only add to them).
func Load(path, snippetsDir string) (*File, error) {
	f := &File{UnitDropInDir: "/etc/systemd/system"}

	if err := decodeInto(path, f); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	if snippetsDir == "" {
		return f, nil
	}

	entries, err := os.ReadDir(snippetsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return f, nil
		}
		return nil, fmt.Errorf("config: reading snippets dir %s: %w", snippetsDir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".toml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var snippet File
		snippetPath := filepath.Join(snippetsDir, name)
		if err := decodeInto(snippetPath, &snippet); err != nil {
			return nil, fmt.Errorf("config: loading snippet %s: %w", snippetPath, err)
		}
		f.Log = append(f.Log, snippet.Log...)
		f.Promoter = append(f.Promoter, snippet.Promoter...)
		f.UMH = append(f.UMH, snippet.UMH...)
		f.Prometheus = append(f.Prometheus, snippet.Prometheus...)
		f.AgentX = append(f.AgentX, snippet.AgentX...)
		f.Debugger = append(f.Debugger, snippet.Debugger...)
	}

	return f, nil
}

func decodeInto(path string, dst *File) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()

	body, err := io.ReadAll(fh)
	if err != nil {
		return err
	}
	return toml.Unmarshal(body, dst)
}

// LogConfigs converts the decoded log sinks into pkg/log's Config values.
func (f *File) LogConfigs() []log.Config {
	out := make([]log.Config, 0, len(f.Log))
	for _, s := range f.Log {
		cfg := log.Config{Level: log.Level(s.Level), JSONOutput: s.Format == "json"}
		if s.File != "" {
			if fh, err := os.OpenFile(s.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
				cfg.Output = fh
			}
		}
		out = append(out, cfg)
	}
	return out
}

// PluginConfigs materializes every plugin instance configured in f,
// writing the systemd drop-ins any OCF service descriptor needs along the
// way.
func (f *File) PluginConfigs(tools drbdadm.Tools, systemctl systemd.Systemctl) ([]plugin.Config, error) {
	var out []plugin.Config

	for _, p := range f.Promoter {
		services, err := servicesFor(p.Resource, f.UnitDropInDir, p.Start)
		if err != nil {
			return nil, err
		}
		stopServices, err := servicesFor(p.Resource, f.UnitDropInDir, p.Stop)
		if err != nil {
			return nil, err
		}
		out = append(out, promoter.Config{
			ResourceName:       p.Resource,
			PreferredNodes:     p.PreferredNodes,
			Services:           services,
			StopServices:       stopServices,
			OnFailure:          promoter.EscalationAction(p.OnFailure),
			DelayFactor:        p.DelayFactor,
			UnitDropInDir:      f.UnitDropInDir,
			Runner:             promoter.Runner(p.Runner),
			OnQuorumLoss:       promoter.QuorumLossPolicy(p.OnQuorumLoss),
			SecondaryForce:     p.secondaryForce(),
			DependenciesAs:     systemd.Dependency(p.DependenciesAs),
			TargetAs:           systemd.Dependency(p.TargetAs),
			StopServicesOnExit: p.StopServicesOnExit,
			Tools:              tools,
			Systemctl:          systemctl,
		})
	}

	for _, u := range f.UMH {
		rules := make([]umh.Rule, 0, len(u.Rule))
		for _, r := range u.Rule {
			rules = append(rules, umh.Rule{
				Matcher: umh.Matcher{
					ResourceName: r.Resource,
					OldRole:      drbdtype.Role(r.OldRole),
					NewRole:      drbdtype.Role(r.NewRole),
					OldDiskState: drbdtype.DiskState(r.OldDiskState),
					NewDiskState: drbdtype.DiskState(r.NewDiskState),
					OldConnState: drbdtype.ConnectionState(r.OldConnState),
					NewConnState: drbdtype.ConnectionState(r.NewConnState),
				},
				Command: r.Command,
			})
		}
		out = append(out, umh.Config{Name: u.Name, Rules: rules})
	}

	for _, p := range f.Prometheus {
		out = append(out, prometheus.Config{Address: p.Address})
	}
	for _, a := range f.AgentX {
		out = append(out, agentx.Config{Vrf: a.Vrf})
	}
	for _, d := range f.Debugger {
		out = append(out, debugger.Config{Name: d.Name})
	}

	return out, nil
}

func servicesFor(resource, dropInDir string, entries []ServiceEntry) ([]promoter.Service, error) {
	services := make([]promoter.Service, 0, len(entries))
	for i, e := range entries {
		if e.Systemd != "" {
			services = append(services, promoter.Service{Kind: promoter.SystemdUnit, Unit: e.Systemd})
			continue
		}
		if e.OCF == "" {
			continue
		}
		argv, err := systemd.ParseOCFArgs(e.OCFArgs)
		if err != nil {
			return nil, err
		}
		unit := fmt.Sprintf("ocf.ra@%s.service", systemd.EscapeName(fmt.Sprintf("%s_%d", resource, i)))
		execStart := systemd.OCFExecStart("/usr/lib/ocf/resource.d/"+strings.TrimPrefix(e.OCF, "ocf:"), "start", argv)
		content := fmt.Sprintf("[Service]\n%s\n", execStart)
		if dropInDir != "" {
			if err := systemd.WriteDropIn(dropInDir, unit, "reactor", content); err != nil {
				return nil, err
			}
		}
		services = append(services, promoter.Service{Kind: promoter.OCFResource, Unit: unit, Agent: e.OCF, Args: e.OCFArgs})
	}
	return services, nil
}
