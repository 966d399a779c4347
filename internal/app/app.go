// Package app provides application lifecycle management for the inboxsync daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sortmail/inboxsync/internal/config"
)

// SyncApp encapsulates all components needed to run the sync daemon.
// It provides lifecycle management and graceful shutdown capabilities.
type SyncApp struct {
	config     *config.Config
	components *AppComponents
	httpServer *http.Server

	// Lifecycle management
	ctx        context.Context
	cancelFunc context.CancelFunc
}

// Start mounts the engine and serves the local API.
// This method blocks until the HTTP server stops or encounters an error.
func (app *SyncApp) Start() error {
	app.components.Engine.Activate(app.ctx)

	slog.Info("Server listening", "address", app.httpServer.Addr)
	if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop unmounts the engine, then shuts down the HTTP server and releases
// the cache and Redis connections
func (app *SyncApp) Stop(timeout time.Duration) error {
	slog.Info("Shutting down server...")

	app.components.Engine.Deactivate()

	if app.cancelFunc != nil {
		app.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server forced to shutdown: %w", err))
	}
	if err := app.components.Cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
	}
	if app.components.StreamRedis != nil {
		if err := app.components.StreamRedis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close stream redis client: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}

	slog.Info("Server shutdown complete")
	return nil
}

// GetConfig returns the application configuration
func (app *SyncApp) GetConfig() *config.Config {
	return app.config
}

// GetHTTPServer returns the HTTP server (useful for testing to get the actual port)
func (app *SyncApp) GetHTTPServer() *http.Server {
	return app.httpServer
}

// GetComponents returns the wired components
func (app *SyncApp) GetComponents() *AppComponents {
	return app.components
}
