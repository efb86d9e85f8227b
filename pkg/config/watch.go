package config

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/LINBIT/drbd-reactor/pkg/log"
)

// WatchSnippets watches snippetsDir for create/write/remove/rename events
// and signals changed once per batch of events, debounced by nothing more
// than fsnotify's own event coalescing; the caller decides what a reload
// means (re-running Load and diffing plugin Key()s).
func WatchSnippets(ctx context.Context, snippetsDir string, changed chan<- struct{}) error {
	if snippetsDir == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := watcher.Add(snippetsDir); err != nil {
		watcher.Close()
		return err
	}

	logger := log.WithComponent("config")

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Msg("snippet watch error")
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case changed <- struct{}{}:
				case <-ctx.Done():
					return
				default:
					// a reload is already pending; no need to queue another
				}
			}
		}
	}()

	return nil
}
