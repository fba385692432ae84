package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helioshq/helios/pkg/config"
	"github.com/helioshq/helios/pkg/governor"
	"github.com/helioshq/helios/pkg/telemetry/health"
)

// Server is the Helios HTTP API server.
type Server struct {
	cfg        config.ServerConfig
	gov        *governor.Governor
	checker    *health.Checker
	metricsOn  bool
	httpServer *http.Server
	logger     *slog.Logger

	mu        sync.Mutex
	isRunning bool
}

// NewServer creates the API server. checker may be nil; the probes
// then answer liveness only.
func NewServer(cfg config.ServerConfig, gov *governor.Governor, checker *health.Checker, metricsEnabled bool) *Server {
	if checker == nil {
		checker = health.New(0)
	}
	return &Server{
		cfg:       cfg,
		gov:       gov,
		checker:   checker,
		metricsOn: metricsEnabled,
		logger:    slog.Default().With("component", "server"),
	}
}

// Start runs the server and blocks until the context is canceled, a
// shutdown signal arrives, or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return errors.New("server is already running")
	}
	s.isRunning = true
	s.httpServer = &http.Server{
		Addr:         s.cfg.ListenAddress,
		Handler:      s.routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Unlock()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting api server", "address", s.cfg.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down")
		return s.Shutdown()
	case sig := <-sigChan:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.Shutdown()
	case err := <-errChan:
		return err
	}
}

// Shutdown drains in-flight requests within the configured timeout.
func (s *Server) Shutdown() error {
	s.mu.Lock()
	srv := s.httpServer
	s.isRunning = false
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/usage", s.handleRecordUsage)
	mux.HandleFunc("POST /v1/budget/check", s.handleCheckBudget)
	mux.HandleFunc("GET /v1/budget/status", s.handleBudgetStatus)
	mux.HandleFunc("POST /v1/ratelimit/check", s.handleCheckRateLimit)
	mux.HandleFunc("POST /v1/anomalies/detect", s.handleDetectAnomalies)
	mux.HandleFunc("GET /v1/anomalies/spikes", s.handleAnalyzeSpikes)
	mux.HandleFunc("GET /v1/policies/effective/{agent}", s.handleEffectivePolicy)
	mux.HandleFunc("POST /v1/policies/sync", s.handleSyncPolicies)

	mux.HandleFunc("GET /healthz", s.checker.LivenessHandler())
	mux.HandleFunc("GET /readyz", s.checker.ReadinessHandler())
	if s.metricsOn {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}
