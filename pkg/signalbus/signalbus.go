// Package signalbus turns OS signals into reconciler control directives:
// SIGINT/SIGTERM request a clean stop, SIGHUP requests a config reload.
package signalbus

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/LINBIT/drbd-reactor/pkg/plugin"
	"github.com/LINBIT/drbd-reactor/pkg/reconciler"
)

// Watch registers for SIGINT/SIGTERM/SIGHUP and forwards the corresponding
// Directive onto directives until ctx is cancelled. Forwarding happens in
// delivery order, so a SIGHUP immediately followed by SIGTERM is never
// observed out of order by the reconciler. loadConfigs is called fresh on
// every SIGHUP to re-read the config file and snippet directory.
func Watch(ctx context.Context, directives chan<- reconciler.Directive, loadConfigs func() ([]plugin.Config, error)) {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGHUP:
				configs, err := loadConfigs()
				if err != nil {
					continue
				}
				select {
				case directives <- reconciler.Directive{Kind: reconciler.DirectiveReload, Configs: configs}:
				case <-ctx.Done():
					return
				}
			case syscall.SIGINT, syscall.SIGTERM:
				select {
				case directives <- reconciler.Directive{Kind: reconciler.DirectiveStop}:
				case <-ctx.Done():
				}
				return
			}
		}
	}
}
