// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/stacklok/grantengine/pkg/config"
	"github.com/stacklok/grantengine/pkg/engine"
	grantErrors "github.com/stacklok/grantengine/pkg/errors"
	"github.com/stacklok/grantengine/pkg/grant"
	"github.com/stacklok/grantengine/pkg/storage"
)

const testDirectory = `
clients:
  - id: C1
    grant_types: [client_credentials]
    scopes: [api:read]
  - id: C2
    grant_types: [authorization_code, refresh_token]
    scopes: [openid, profile]
    redirect_uris: [https://app.example.com/callback]
resource_owners:
  - subject: U1
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Issuer = "https://auth.example.com"
	cfg.Directory.File = writeFile(t, t.TempDir(), "clients.yaml", testDirectory)
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()
	s, err := New(context.Background(), config.NewStatic(cfg), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func issueClientCredentials(t *testing.T, e *engine.Engine) *engine.Tokens {
	t.Helper()
	out, err := e.IssueFromGrant(context.Background(), engine.IssueRequest{
		GrantType: grant.TypeClientCredentials,
		ClientID:  "C1",
	})
	require.NoError(t, err)
	return out
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestNew_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(t *testing.T, c *config.Config)
		wantErr string
	}{
		{
			name:    "invalid configuration",
			mutate:  func(_ *testing.T, c *config.Config) { c.Issuer = "" },
			wantErr: "invalid configuration",
		},
		{
			name: "missing directory file",
			mutate: func(t *testing.T, c *config.Config) {
				c.Directory.File = filepath.Join(t.TempDir(), "missing.yaml")
			},
			wantErr: "failed to read directory file",
		},
		{
			name: "short hmac secret",
			mutate: func(t *testing.T, c *config.Config) {
				c.HMACSecretFiles = []string{writeFile(t, t.TempDir(), "hmac", "short")}
			},
			wantErr: "failed to load HMAC secrets",
		},
		{
			name: "signing key file without key dir",
			mutate: func(_ *testing.T, c *config.Config) {
				c.Signing.SigningKeyFile = "signing.pem"
			},
			wantErr: "failed to load signing keys",
		},
		{
			name: "unreachable redis",
			mutate: func(_ *testing.T, c *config.Config) {
				c.Storage.Type = storage.TypeRedis
				c.Storage.Redis.Addr = "127.0.0.1:1"
				c.Storage.Redis.DialTimeout = 100 * time.Millisecond
			},
			wantErr: "failed to create Redis store",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			tt.mutate(t, cfg)
			_, err := New(context.Background(), config.NewStatic(cfg))
			require.ErrorContains(t, err, tt.wantErr)
		})
	}

	t.Run("nil provider", func(t *testing.T) {
		t.Parallel()
		_, err := New(context.Background(), nil)
		require.EqualError(t, err, "config provider is required")
	})
}

func TestNew_StorageBackends(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		configure func(t *testing.T, c *config.Config)
	}{
		{
			name:      "memory",
			configure: func(*testing.T, *config.Config) {},
		},
		{
			name: "sqlite",
			configure: func(t *testing.T, c *config.Config) {
				c.Storage.Type = storage.TypeSQLite
				c.Storage.SQLite.Path = filepath.Join(t.TempDir(), "grants.db")
			},
		},
		{
			name: "redis with password file",
			configure: func(t *testing.T, c *config.Config) {
				mr := miniredis.RunT(t)
				mr.RequireAuth("s3cret")
				c.Storage.Type = storage.TypeRedis
				c.Storage.Redis.Addr = mr.Addr()
				c.Storage.Redis.PasswordFile = writeFile(t, t.TempDir(), "redis-password", "s3cret\n")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := testConfig(t)
			cfg.HMACSecretFiles = []string{writeFile(t, t.TempDir(), "hmac", strings.Repeat("k", 48))}
			tt.configure(t, cfg)
			s := newTestServer(t, cfg)

			out := issueClientCredentials(t, s.Engine())
			info, err := s.Engine().Introspect(context.Background(), out.AccessToken.Value)
			require.NoError(t, err)
			assert.True(t, info.Active)
			assert.Equal(t, "C1", info.ClientID)

			code, _ := get(t, s.OpsHandler(), "/healthz")
			assert.Equal(t, http.StatusNoContent, code)
		})
	}
}

func TestOpsHandler(t *testing.T) {
	t.Parallel()

	t.Run("metrics", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig(t)
		cfg.Telemetry.EnablePrometheusMetricsPath = true
		s := newTestServer(t, cfg)
		issueClientCredentials(t, s.Engine())

		code, body := get(t, s.OpsHandler(), "/metrics")
		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, body, "grantengine_tokens_issued")
	})

	t.Run("metrics disabled", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig(t))
		code, _ := get(t, s.OpsHandler(), "/metrics")
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("store unavailable", func(t *testing.T) {
		t.Parallel()

		mr, err := miniredis.Run()
		require.NoError(t, err)
		cfg := testConfig(t)
		cfg.Storage.Type = storage.TypeRedis
		cfg.Storage.Redis.Addr = mr.Addr()
		cfg.Storage.Redis.DialTimeout = 100 * time.Millisecond
		s := newTestServer(t, cfg)

		mr.Close()
		code, _ := get(t, s.OpsHandler(), "/healthz")
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})
}

func TestRun_Sweeps(t *testing.T) {
	t.Parallel()

	clk := clocktesting.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := testConfig(t)
	cfg.SweepInterval = time.Minute
	s := newTestServer(t, cfg, WithClock(clk))
	issueClientCredentials(t, s.Engine())

	mem, ok := s.store.(*storage.MemoryStore)
	require.True(t, ok)
	_, _, tokens := mem.Stats()
	require.Equal(t, 1, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, clk.HasWaiters, 5*time.Second, 10*time.Millisecond)
	clk.Step(2 * time.Hour)

	require.Eventually(t, func() bool {
		_, _, tokens := mem.Stats()
		return tokens == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_SweepDisabled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.SweepInterval = 0
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRun_ReloadsWatchedConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	clients := writeFile(t, dir, "clients.yaml", testDirectory)
	base := "issuer: https://auth.example.com\ndirectory:\n  file: " + clients + "\n"
	path := writeFile(t, dir, "config.yaml", base)

	w, err := config.NewWatcher(path)
	require.NoError(t, err)
	s, err := New(context.Background(), w)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Run(ctx) }()

	issueClientCredentials(t, s.Engine())

	// Rewrite until the watcher has been established and picks the change up.
	require.Eventually(t, func() bool {
		writeFile(t, dir, "config.yaml", base+"enabled_grant_types: [authorization_code]\n")
		_, err := s.Engine().IssueFromGrant(context.Background(), engine.IssueRequest{
			GrantType: grant.TypeClientCredentials,
			ClientID:  "C1",
		})
		return grantErrors.TypeOf(err) == grantErrors.TypeUnsupportedGrantType
	}, 5*time.Second, 50*time.Millisecond)
}

func TestResolveRedisPassword(t *testing.T) {
	t.Run("file", func(t *testing.T) {
		path := writeFile(t, t.TempDir(), "password", "  from-file \n")
		got, err := resolveRedisPassword(config.RedisConfig{PasswordFile: path})
		require.NoError(t, err)
		assert.Equal(t, "from-file", got)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := resolveRedisPassword(config.RedisConfig{PasswordFile: filepath.Join(t.TempDir(), "nope")})
		require.ErrorContains(t, err, "failed to read Redis password file")
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv(RedisPasswordEnvVar, "from-env")
		got, err := resolveRedisPassword(config.RedisConfig{})
		require.NoError(t, err)
		assert.Equal(t, "from-env", got)
	})
}
