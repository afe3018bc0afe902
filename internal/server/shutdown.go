package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ShutdownHook is called during graceful shutdown, before the HTTP
// server stops accepting requests. The relay hub registers one to close
// client connections.
type ShutdownHook func(ctx context.Context) error

// GracefulShutdown runs the server and drains it on SIGINT/SIGTERM.
type GracefulShutdown struct {
	server  *Server
	timeout time.Duration
	signals []os.Signal
	logger  *zap.Logger

	mu            sync.Mutex
	shutdownHooks []ShutdownHook
	shutdownOnce  sync.Once
	shutdownChan  chan struct{}
	shutdownError error
}

// ShutdownConfig tunes graceful shutdown.
type ShutdownConfig struct {
	Timeout time.Duration
	Signals []os.Signal
	Logger  *zap.Logger
}

// NewGracefulShutdown wraps a server with signal handling and hooks.
func NewGracefulShutdown(server *Server, config *ShutdownConfig) *GracefulShutdown {
	if config == nil {
		config = &ShutdownConfig{}
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if len(config.Signals) == 0 {
		config.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &GracefulShutdown{
		server:       server,
		timeout:      config.Timeout,
		signals:      config.Signals,
		logger:       config.Logger,
		shutdownChan: make(chan struct{}),
	}
}

// RegisterHook adds a cleanup hook run during shutdown, in registration
// order.
func (gs *GracefulShutdown) RegisterHook(hook ShutdownHook) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.shutdownHooks = append(gs.shutdownHooks, hook)
}

// Start runs the server until a shutdown signal or listener error.
func (gs *GracefulShutdown) Start() error {
	errChan := make(chan error, 1)
	go func() {
		if err := gs.server.Start(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server failed: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, gs.signals...)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		gs.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		return gs.Shutdown()
	case err := <-errChan:
		return err
	}
}

// Shutdown runs hooks, then drains the HTTP server. Safe to call more
// than once; later calls wait for the first to finish.
func (gs *GracefulShutdown) Shutdown() error {
	gs.shutdownOnce.Do(func() {
		gs.logger.Info("shutting down", zap.Duration("timeout", gs.timeout))

		ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
		defer cancel()

		gs.mu.Lock()
		hooks := make([]ShutdownHook, len(gs.shutdownHooks))
		copy(hooks, gs.shutdownHooks)
		gs.mu.Unlock()

		for i, hook := range hooks {
			if err := hook(ctx); err != nil {
				gs.logger.Warn("shutdown hook failed", zap.Int("hook", i), zap.Error(err))
			}
		}

		if err := gs.server.Shutdown(ctx); err != nil {
			gs.shutdownError = fmt.Errorf("server shutdown error: %w", err)
			gs.logger.Error("server shutdown error", zap.Error(err))
		} else {
			gs.logger.Info("server shutdown complete")
		}

		close(gs.shutdownChan)
	})

	<-gs.shutdownChan
	return gs.shutdownError
}

// Wait blocks until shutdown completes.
func (gs *GracefulShutdown) Wait() error {
	<-gs.shutdownChan
	return gs.shutdownError
}
