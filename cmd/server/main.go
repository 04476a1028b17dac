package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whadgest/whadgest-backend/internal/app"
	"github.com/whadgest/whadgest-backend/internal/config"
	"github.com/whadgest/whadgest-backend/internal/database"
	"github.com/whadgest/whadgest-backend/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)

	if cfg.Auth.JWTSecret == "change-me-in-production" {
		logger.Warn("Using default JWT secret. Set WHADGEST_AUTH_JWT_SECRET in production!")
	}

	// Run migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.WithError(err).Fatal("Failed to run migrations")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	server := a.HTTP()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		logger.WithField("addr", addr).Info("Whadgest backend starting")
		return server.Listen(addr)
	})
	g.Go(func() error {
		return a.RunBackground(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return server.ShutdownWithTimeout(10 * time.Second)
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Error("Server stopped with error")
		a.Close()
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
