// Package app provides the top-level application lifecycle for the composer
// engine. It wires the simulated venues, ledger, router, keeper, and API
// server, and starts the goroutines appropriate for the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/composefi/composer/internal/config"
	"github.com/composefi/composer/internal/server"
	"github.com/composefi/composer/internal/server/handler"
	"github.com/composefi/composer/internal/server/ws"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run wires all dependencies, starts the goroutines for the configured mode,
// and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	mode := strings.ToLower(a.cfg.Mode)
	runServer := a.cfg.Server.Enabled && (mode == "server" || mode == "full")
	runKeeper := deps.Keeper != nil && (mode == "keeper" || mode == "full")
	if !runServer && !runKeeper {
		return fmt.Errorf("app: mode %q with current config starts nothing", a.cfg.Mode)
	}

	g, gctx := errgroup.WithContext(ctx)

	if runKeeper {
		g.Go(func() error {
			err := deps.Keeper.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	if runServer {
		hub := ws.NewHub(deps.Bus, a.logger)
		g.Go(func() error {
			err := hub.Run(gctx)
			if err == context.Canceled {
				return nil
			}
			return err
		})

		srv := server.NewServer(server.Config{
			Port:        a.cfg.Server.Port,
			CORSOrigins: a.cfg.Server.CORSOrigins,
		}, server.Handlers{
			Health:    handler.NewHealthHandler(a.logger),
			Positions: handler.NewPositionHandler(deps.Router, a.logger),
			Fees:      handler.NewFeeHandler(deps.Fees, a.logger),
		}, hub, a.logger)

		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

// Close tears down all resources in reverse registration order. Safe to call
// multiple times.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
