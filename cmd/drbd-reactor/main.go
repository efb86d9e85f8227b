package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/LINBIT/drbd-reactor/pkg/config"
	"github.com/LINBIT/drbd-reactor/pkg/drbdadm"
	"github.com/LINBIT/drbd-reactor/pkg/drbdevents"
	"github.com/LINBIT/drbd-reactor/pkg/log"
	"github.com/LINBIT/drbd-reactor/pkg/metrics"
	"github.com/LINBIT/drbd-reactor/pkg/model"
	"github.com/LINBIT/drbd-reactor/pkg/plugin"
	"github.com/LINBIT/drbd-reactor/pkg/reader"
	"github.com/LINBIT/drbd-reactor/pkg/readynotify"
	"github.com/LINBIT/drbd-reactor/pkg/reconciler"
	"github.com/LINBIT/drbd-reactor/pkg/signalbus"
	"github.com/LINBIT/drbd-reactor/pkg/systemd"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "drbd-reactor",
	Short: "React to DRBD events: promote/demote resources and manage their services",
	Long: `drbd-reactor watches the live state of the DRBD kernel module on this
node through drbdsetup's event stream and runs a set of plugins against
every change: promote/demote a resource and its dependent systemd services,
run user-mode-helper commands, export Prometheus metrics, and more.`,
	Version: Version,
	RunE:    run,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"drbd-reactor version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("config", "/etc/drbd-reactor.toml", "Main configuration file")
	rootCmd.Flags().String("config-dir", "/etc/drbd-reactor.d", "Directory of *.toml config snippets, merged on top of --config")
	rootCmd.Flags().String("drbdsetup-path", "", "Path to drbdsetup (default: look up $PATH)")
	rootCmd.Flags().String("drbdadm-path", "", "Path to drbdadm (default: look up $PATH)")
	rootCmd.Flags().String("systemctl-path", "", "Path to systemctl (default: look up $PATH)")
	rootCmd.Flags().Duration("statistics-poll-interval", 0, "How often to nudge drbdsetup for fresh statistics (0 disables)")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func run(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	configDir, _ := cmd.Flags().GetString("config-dir")
	drbdsetupPath, _ := cmd.Flags().GetString("drbdsetup-path")
	drbdadmPath, _ := cmd.Flags().GetString("drbdadm-path")
	systemctlPath, _ := cmd.Flags().GetString("systemctl-path")
	statsPollInterval, _ := cmd.Flags().GetDuration("statistics-poll-interval")

	tools := drbdadm.Tools{DrbdsetupPath: drbdsetupPath, DrbdadmPath: drbdadmPath}
	systemctl := systemd.Systemctl{Path: systemctlPath}

	loadConfigs := func() ([]plugin.Config, error) {
		f, err := config.Load(configPath, configDir)
		if err != nil {
			return nil, err
		}
		if len(f.Log) > 0 {
			log.InitMulti(f.LogConfigs())
		}
		return f.PluginConfigs(tools, systemctl)
	}

	initialConfigs, err := loadConfigs()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := model.New()
	plugins := plugin.NewManager()
	recon := reconciler.New(m, plugins)

	plugins.Reconcile(ctx, initialConfigs)
	log.Logger.Info().Strs("plugins", plugins.Running()).Msg("started configured plugins")

	updates := make(chan drbdevents.RawEvent, 256)
	directives := make(chan reconciler.Directive, 8)

	rd := reader.New(nil)
	if statsPollInterval > 0 {
		rd = rd.WithStatsPollInterval(statsPollInterval)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	reconDone := make(chan struct{})

	metrics.RegisterComponent("reader", true, "starting")
	metrics.RegisterComponent("reconciler", true, "starting")

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := rd.Run(ctx, updates)
		if err != nil && ctx.Err() == nil {
			metrics.UpdateComponent("reader", false, err.Error())
			errCh <- fmt.Errorf("event reader: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(reconDone)
		err := recon.Run(ctx, updates, directives)
		if err != nil && ctx.Err() == nil {
			metrics.UpdateComponent("reconciler", false, err.Error())
			errCh <- fmt.Errorf("reconciler: %w", err)
		}
	}()

	changed := make(chan struct{}, 1)
	if err := config.WatchSnippets(ctx, configDir, changed); err != nil {
		log.Logger.Warn().Err(err).Msg("could not watch config snippet directory, SIGHUP reload still works")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
				configs, err := loadConfigs()
				if err != nil {
					log.Logger.Error().Err(err).Msg("config snippet reload failed, keeping running plugins")
					continue
				}
				select {
				case directives <- reconciler.Directive{Kind: reconciler.DirectiveReload, Configs: configs}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		signalbus.Watch(ctx, directives, loadConfigs)
	}()

	if addr := os.Getenv("DRBD_REACTOR_METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(addr, mux); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
		log.Logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
	}

	time.Sleep(100 * time.Millisecond)
	if err := readynotify.Notify(); err != nil {
		log.Logger.Warn().Err(err).Msg("sd_notify failed")
	}

	// signalbus delivers SIGINT/SIGTERM as a DirectiveStop the reconciler
	// acts on (stopping every plugin) before reconDone closes; SIGHUP
	// reloads never close it. errCh covers any component failing outright.
	select {
	case <-reconDone:
		log.Logger.Info().Msg("shutting down")
	case err := <-errCh:
		log.Logger.Error().Err(err).Msg("fatal error, shutting down")
	}

	cancel()
	plugins.StopAll()
	wg.Wait()

	return nil
}
