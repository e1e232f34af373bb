// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 MyYearbook Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"
)

// ReadinessChecker returns whether the service is ready to serve requests.
type ReadinessChecker func() bool

// Outcome label values shared by the membership counters.
const (
	OutcomeAdded    = "added"
	OutcomeRemoved  = "removed"
	OutcomeNoop     = "noop"
	OutcomeError    = "error"
	ResultValid     = "valid"
	ResultUnknown   = "unknown"
	ResultMatch     = "match"
	ResultMismatch  = "mismatch"
	OpIssue         = "issue"
	OpCheck         = "check"
	OpConsume       = "consume"
	ResultIssued    = "issued"
	ResultNoAccount = "no_account"
)

// Membership counters live at package level so the core can record events
// without holding a Server.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_logins_total",
			Help: "Total number of login attempts by outcome",
		},
		[]string{"outcome"},
	)
	logoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_logouts_total",
			Help: "Total number of logout attempts by outcome",
		},
		[]string{"outcome"},
	)
	tokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_token_validations_total",
			Help: "Total number of session token lookups by result",
		},
		[]string{"result"},
	)
	resetCodesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "membership_reset_codes_total",
			Help: "Total number of reset code operations by operation and result",
		},
		[]string{"op", "result"},
	)
)

// RecordLogin increments the login counter.
func RecordLogin(outcome string) {
	loginsTotal.WithLabelValues(outcome).Inc()
}

// RecordLogout increments the logout counter.
func RecordLogout(outcome string) {
	logoutsTotal.WithLabelValues(outcome).Inc()
}

// RecordTokenValidation increments the token validation counter.
func RecordTokenValidation(result string) {
	tokenValidationsTotal.WithLabelValues(result).Inc()
}

// RecordResetCode increments the reset code counter.
func RecordResetCode(op, result string) {
	resetCodesTotal.WithLabelValues(op, result).Inc()
}

// Metrics exposes the membership counters for a registry.
type Metrics struct {
	LoginsTotal           *prometheus.CounterVec
	LogoutsTotal          *prometheus.CounterVec
	TokenValidationsTotal *prometheus.CounterVec
	ResetCodesTotal       *prometheus.CounterVec
}

// NewMetrics registers the membership counters with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LoginsTotal:           loginsTotal,
		LogoutsTotal:          logoutsTotal,
		TokenValidationsTotal: tokenValidationsTotal,
		ResetCodesTotal:       resetCodesTotal,
	}

	reg.MustRegister(m.LoginsTotal)
	reg.MustRegister(m.LogoutsTotal)
	reg.MustRegister(m.TokenValidationsTotal)
	reg.MustRegister(m.ResetCodesTotal)

	return m
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server listening on addr
// ("host:port", e.g. "127.0.0.1:9100").
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	s := &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}

	return s
}

// Metrics returns the membership counters registered with this server.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints. Serve failures after Start
// returns are sent on the returned channel, which is closed on shutdown.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 while the process is running.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 when the store is reachable, 503 otherwise.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
