// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/tapgrid/tapgrid/internal/log"
)

// Holder gives thread-safe access to the current configuration and hot
// reload from file. A reload that fails to parse or validate keeps the
// old configuration; the swap is all-or-nothing.
type Holder struct {
	mu      sync.RWMutex
	current Config
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- Config
}

func NewHolder(initial Config, path string) *Holder {
	return &Holder{
		current: initial,
		path:    path,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-reads the file and swaps atomically on success.
func (h *Holder) Reload(context.Context) error {
	newCfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("keeping previous configuration")
		return err
	}

	h.mu.Lock()
	old := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.notify(newCfg)
	h.logChanges(old, newCfg)
	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

// StartWatcher watches the config file; a no-op without a file path.
func (h *Holder) StartWatcher(ctx context.Context) error {
	if h.path == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("no config file, watcher disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().Str("event", "config.watcher_started").Str("path", h.path).Msg("watching config file")
	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	// Editors fire several events per save; debounce them.
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			_ = h.watcher.Close()
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					if err := h.Reload(ctx); err != nil {
						h.logger.Error().Err(err).Str("event", "config.auto_reload_failed").Msg("automatic reload failed")
					}
				})
			}

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// Subscribe registers a channel that receives each successfully
// reloaded configuration. Sends are non-blocking.
func (h *Holder) Subscribe(ch chan<- Config) {
	h.listenerMu.Lock()
	h.listeners = append(h.listeners, ch)
	h.listenerMu.Unlock()
}

func (h *Holder) notify(cfg Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str("event", "config.listener_skip").Msg("listener channel full, update dropped")
		}
	}
}

func (h *Holder) logChanges(old, newCfg Config) {
	if old.LogLevel != newCfg.LogLevel {
		h.logger.Info().Str("old", old.LogLevel).Str("new", newCfg.LogLevel).Msg("config changed: logLevel")
	}
	if old.Registry.PollInterval != newCfg.Registry.PollInterval {
		h.logger.Info().Dur("old", old.Registry.PollInterval).Dur("new", newCfg.Registry.PollInterval).Msg("config changed: registry.pollInterval")
	}
	if old.Queue.SplitOnPartial != newCfg.Queue.SplitOnPartial {
		h.logger.Info().Bool("old", old.Queue.SplitOnPartial).Bool("new", newCfg.Queue.SplitOnPartial).Msg("config changed: queue.splitOnPartial")
	}
	if old.Executor.DefaultStepTimeout != newCfg.Executor.DefaultStepTimeout {
		h.logger.Info().Dur("old", old.Executor.DefaultStepTimeout).Dur("new", newCfg.Executor.DefaultStepTimeout).Msg("config changed: executor.defaultStepTimeout")
	}
}
