// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/grantengine/pkg/logger"
)

const opsRequestTimeout = 10 * time.Second

// OpsHandler serves the operational endpoints:
//   - /healthz reports grant store reachability
//   - /metrics exposes Prometheus metrics when enable_prometheus_metrics_path is set
func (s *Server) OpsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.Timeout(opsRequestTimeout),
	)
	r.Get("/healthz", s.healthz)
	if h := s.telemetry.PrometheusHandler(); h != nil {
		r.Handle("/metrics", h)
	}
	return r
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Health(r.Context()); err != nil {
		logger.Warnw("grant store health check failed", "error", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
