// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authserver assembles a grant engine from configuration: signing
// keys, HMAC secrets, the token factory, the grant store, the client
// directory and telemetry. It also runs the periodic expiry sweep and serves
// the operational endpoints.
package authserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/stacklok/grantengine/pkg/config"
	"github.com/stacklok/grantengine/pkg/directory"
	"github.com/stacklok/grantengine/pkg/engine"
	"github.com/stacklok/grantengine/pkg/keys"
	"github.com/stacklok/grantengine/pkg/logger"
	"github.com/stacklok/grantengine/pkg/storage"
	"github.com/stacklok/grantengine/pkg/telemetry"
	"github.com/stacklok/grantengine/pkg/token"
)

// Server owns a configured Engine and the resources behind it.
type Server struct {
	config    config.Provider
	engine    *engine.Engine
	store     storage.GrantStore
	telemetry *telemetry.Provider
	clock     clock.WithTicker
}

// Option configures a Server.
type Option func(*Server)

// WithClock sets the clock for token timestamps and the sweep ticker.
func WithClock(c clock.WithTicker) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// watcher is implemented by providers that reload configuration from disk.
type watcher interface {
	Watch(ctx context.Context) error
}

// New builds a Server from the configuration provider's current snapshot.
// Storage, keys, secrets and the directory are fixed at construction; the
// engine rereads everything else on every request.
func New(ctx context.Context, provider config.Provider, opts ...Option) (*Server, error) {
	if provider == nil {
		return nil, errors.New("config provider is required")
	}
	cfg := provider.GetConfig()
	if cfg == nil {
		return nil, errors.New("no configuration available")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Server{config: provider, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(s)
	}
	logger.Debugw("creating grant engine", "issuer", cfg.Issuer, "storage", cfg.Storage.Type)

	factory, err := newFactory(cfg, s.clock)
	if err != nil {
		return nil, err
	}
	dir, err := directory.LoadFile(cfg.Directory.File)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry provider: %w", err)
	}
	s.telemetry = tel

	store, err := newStore(ctx, cfg.Storage)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	s.store = store

	eng, err := engine.New(store, dir, factory, provider,
		engine.WithClock(s.clock),
		engine.WithMeterProvider(tel.MeterProvider()),
		engine.WithTracerProvider(tel.TracerProvider()))
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.engine = eng

	logger.Infow("grant engine ready",
		"issuer", cfg.Issuer,
		"grant_types", cfg.EnabledGrantTypes,
		"storage", cfg.Storage.Type,
		"access_token_format", cfg.AccessTokenFormat)
	return s, nil
}

func newFactory(cfg *config.Config, c clock.PassiveClock) (*token.Factory, error) {
	keyProvider, err := keys.NewProviderFromConfig(cfg.Signing)
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	var secrets *keys.HMACSecrets
	if len(cfg.HMACSecretFiles) > 0 {
		secrets, err = keys.LoadHMACSecrets(cfg.HMACSecretFiles)
	} else {
		logger.Warn("no hmac_secret_files configured, opaque tokens will not validate after restart")
		secrets, err = keys.GenerateHMACSecrets()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}

	return token.NewFactory(token.Config{
		Issuer:              cfg.Issuer,
		Keys:                keyProvider,
		HMACSecrets:         secrets,
		AccessTokenAudience: cfg.AccessTokenAudience,
	}, token.WithClock(c))
}

// Engine returns the configured engine.
func (s *Server) Engine() *engine.Engine {
	return s.engine
}

// Run sweeps expired codes and tokens every sweep_interval until ctx is
// done. When the configuration provider reloads from disk, Run also watches
// the file. A failed sweep is logged and retried on the next tick.
func (s *Server) Run(ctx context.Context) error {
	if w, ok := s.config.(watcher); ok {
		if err := w.Watch(ctx); err != nil {
			return fmt.Errorf("failed to watch configuration: %w", err)
		}
	}

	interval := s.config.GetConfig().SweepInterval
	if interval <= 0 {
		logger.Info("expiry sweep disabled")
		<-ctx.Done()
		return nil
	}

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()
	logger.Debugw("expiry sweep started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	expired, err := s.engine.Sweep(ctx)
	if err != nil {
		logger.Warnw("expiry sweep failed", "error", err)
		return
	}
	if len(expired) > 0 {
		logger.Infow("expiry sweep completed", "expired", len(expired))
	}
}

// Close releases the store and flushes telemetry.
func (s *Server) Close() error {
	var errs []error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close grant store: %w", err))
		}
	}
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}
