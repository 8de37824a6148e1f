// ABOUTME: Hot reload of the TOML routing file using fsnotify
// ABOUTME: Debounces bursts of writes and only publishes tables that validate

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 100 * time.Millisecond

// RoutingWatcher reloads a routing file when it changes on disk.
type RoutingWatcher struct {
	path     string
	base     RoutingConfig
	agents   map[string]bool
	onChange func(RoutingConfig)
	logger   *slog.Logger
}

// NewRoutingWatcher creates a watcher for cfg.Routing.File. Each reload is
// merged over base (the inline routing section) and validated against the
// configured agents before onChange sees it.
func NewRoutingWatcher(cfg *Config, base RoutingConfig, logger *slog.Logger, onChange func(RoutingConfig)) *RoutingWatcher {
	agents := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents[a.ID] = true
	}
	return &RoutingWatcher{
		path:     filepath.Clean(cfg.Routing.File),
		base:     base,
		agents:   agents,
		onChange: onChange,
		logger:   logger.With("component", "routing-watcher"),
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors which replace the file atomically are still seen.
func (w *RoutingWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.logger.Info("watching routing file", "path", w.path)

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("routing watcher error", "error", err)
		}
	}
}

func (w *RoutingWatcher) reload() {
	rc, err := LoadRoutingFile(w.path)
	if err != nil {
		w.logger.Warn("routing reload failed, keeping current table", "error", err)
		return
	}

	merged := w.base.Merge(rc)
	if err := merged.Validate(w.agents); err != nil {
		w.logger.Warn("routing reload rejected, keeping current table", "error", err)
		return
	}

	w.logger.Info("routing table reloaded",
		"suffixes", len(merged.Suffixes),
		"wake_words", len(merged.WakeWords),
	)
	w.onChange(merged)
}
