// Package api exposes the analyzer's REST API: device and firewall
// management, file imports, inventory, graph queries and settings.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/netwall-io/netwall/internal/logger"
)

// Server provides the HTTP server for the REST API and, optionally,
// the bundled frontend.
//
// The server supports graceful shutdown with configurable timeout.
type Server struct {
	server       *http.Server
	config       APIConfig
	shutdownOnce sync.Once
}

// NewServer creates a new API HTTP server.
//
// The server is created in a stopped state. Call Start() to begin
// serving requests.
func NewServer(config APIConfig, deps Deps) *Server {
	config.ApplyDefaults()

	server := &http.Server{
		Addr:         net.JoinHostPort(config.Host, fmt.Sprintf("%d", config.Port)),
		Handler:      NewRouter(config, deps),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return &Server{server: server, config: config}
}

// Start starts the API HTTP server and blocks until the context is
// cancelled or an error occurs.
//
// When the context is cancelled, Start initiates graceful shutdown and
// returns nil on success.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("API server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errChan <- err:
			default:
				// Context was cancelled, error is not needed
			}
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("API server shutdown signal received")
		// Fresh context: the cancelled one would abort the drain
		// immediately.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("API server failed: %w", err)
	}
}

// Stop initiates graceful shutdown of the API server.
//
// Stop is safe to call multiple times and safe to call concurrently
// with Start().
func (s *Server) Stop(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		logger.Debug("API server shutdown initiated")

		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("API server shutdown error: %w", err)
			logger.Error("API server shutdown error", "error", err)
		} else {
			logger.Info("API server stopped gracefully")
		}
	})
	return shutdownErr
}

// Port returns the TCP port the server is configured to listen on.
func (s *Server) Port() int {
	return s.config.Port
}
