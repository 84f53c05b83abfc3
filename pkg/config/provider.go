// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/stacklok/grantengine/pkg/logger"
)

// Provider supplies the current configuration. Callers take one snapshot per
// request and must not modify it.
type Provider interface {
	GetConfig() *Config
}

// Static is a Provider over a fixed configuration.
type Static struct {
	cfg *Config
}

// NewStatic returns a Provider that always yields cfg.
func NewStatic(cfg *Config) *Static {
	return &Static{cfg: cfg}
}

// GetConfig implements Provider.
func (s *Static) GetConfig() *Config {
	return s.cfg
}

// Watcher is a Provider that reloads its file when it changes. A reload that
// fails to parse or validate is logged and the previous configuration stays
// in effect.
type Watcher struct {
	path    string
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewWatcher loads path and returns a Watcher serving it. Call Watch to start
// following changes.
func NewWatcher(path string) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is required")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: filepath.Clean(path)}
	w.current.Store(cfg)
	return w, nil
}

// GetConfig implements Provider.
func (w *Watcher) GetConfig() *Config {
	return w.current.Load()
}

// OnChange registers fn to run after every successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Watch follows changes to the file until ctx is done. It watches the parent
// directory so editors that replace the file atomically are seen too. Watch
// returns once the watch is established.
func (w *Watcher) Watch(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	go func() {
		defer func() { _ = fw.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != w.path ||
					!event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				w.Reload()
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				logger.Warnw("config watcher error", "path", w.path, "error", err)
			}
		}
	}()
	return nil
}

// Reload re-reads the file now. It reports whether the new configuration was
// accepted.
func (w *Watcher) Reload() bool {
	cfg, err := Load(w.path)
	if err != nil {
		logger.Warnw("ignoring invalid configuration reload", "path", w.path, "error", err)
		return false
	}
	w.current.Store(cfg)
	logger.Infow("configuration reloaded", "path", w.path)

	w.mu.Lock()
	listeners := append([]func(*Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return true
}
