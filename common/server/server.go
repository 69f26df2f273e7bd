package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/lineage/common/logger"
)

// Server wraps HTTP server with graceful shutdown
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
	grace      time.Duration
}

// New creates a new server
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		log:   log,
		name:  name,
		grace: 30 * time.Second,
	}
}

// Start serves until ctx is cancelled or SIGINT/SIGTERM arrives, then
// drains outstanding requests
func (s *Server) Start(ctx context.Context) error {
	serverErrors := make(chan error, 1)

	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.httpServer.Addr)
		serverErrors <- s.httpServer.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		s.log.Info("shutdown signal received", "signal", sig.String())

	case <-ctx.Done():
		s.log.Info("context cancelled, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error("graceful shutdown failed", "error", err)
		if err := s.httpServer.Close(); err != nil {
			return fmt.Errorf("could not stop server: %w", err)
		}
	}

	s.log.Info("shutdown complete")
	return nil
}

// HealthCheck reports one dependency's health
type HealthCheck func(ctx context.Context) error

// HealthHandler runs every check and answers 200 when all pass, 503 otherwise
func HealthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]interface{}{"status": "healthy"}
		deps := make(map[string]string, len(checks))

		for name, check := range checks {
			if err := check(r.Context()); err != nil {
				deps[name] = err.Error()
				status = http.StatusServiceUnavailable
				body["status"] = "unhealthy"
				continue
			}
			deps[name] = "ok"
		}
		if len(deps) > 0 {
			body["checks"] = deps
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
