package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/starwalkn/egress"
	"github.com/starwalkn/egress/internal/logger"
	"github.com/starwalkn/egress/internal/server"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := egress.LoadConfig(resolveConfigPath())
	if err != nil {
		return err
	}

	log := logger.New(cfg.Debug).With(zap.String("service", cfg.Name))
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, cfg, log.Named("server"))
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if serr := srv.Start(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			return serr
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if serr := srv.Stop(shutdownCtx); serr != nil {
			log.Error("graceful shutdown failed", zap.Error(serr))
		}

		return nil
	})

	if err = g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
		return err
	}

	log.Info("server stopped")

	return nil
}
