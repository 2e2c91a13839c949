// Package server runs the HTTP listener and its graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
)

// HTTP server timeout configuration. Writes stay open long enough for a
// navigation plus capture at their default timeouts.
const (
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 3 * time.Minute
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 30 * time.Second
)

// Config holds listener settings
type Config struct {
	Host            string
	Port            int
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Address returns host:port
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server represents the HTTP server
type Server struct {
	cfg        Config
	httpServer *http.Server
	onShutdown []func(ctx context.Context)
	errCh      chan error
}

// New creates a server for handler
func New(cfg Config, handler http.Handler) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:         cfg.Address(),
			Handler:      handler,
			ReadTimeout:  defaultReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  defaultIdleTimeout,
		},
		errCh: make(chan error, 1),
	}
}

// OnShutdown registers fn to run after the listener has drained, in
// registration order.
func (s *Server) OnShutdown(fn func(ctx context.Context)) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	logger.Info("Starting HTTP server", zap.String("address", ln.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
		close(s.errCh)
	}()
	return nil
}

// WaitForShutdown blocks until SIGINT/SIGTERM or a serve error, then shuts
// down gracefully. A second signal forces exit.
func (s *Server) WaitForShutdown() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal, starting graceful shutdown (press Ctrl+C again to force exit)",
			zap.String("signal", sig.String()))
	case err, ok := <-s.errCh:
		if !ok {
			return nil
		}
		logger.Error("HTTP server failed", zap.Error(err))
		_ = s.Shutdown(context.Background())
		return err
	}

	go func() {
		if sig, ok := <-quit; ok {
			logger.Warn("Received second shutdown signal, forcing exit", zap.String("signal", sig.String()))
			os.Exit(1)
		}
	}()

	return s.Shutdown(context.Background())
}

// Shutdown drains in-flight requests, then runs the shutdown hooks
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	for _, fn := range s.onShutdown {
		fn(ctx)
	}
	logger.Info("Server stopped")
	return err
}
