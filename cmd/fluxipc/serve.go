// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/absmach/fluxipc/config"
	"github.com/absmach/fluxipc/server"
	"github.com/absmach/fluxipc/server/health"
	fotel "github.com/absmach/fluxipc/server/otel"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	instanceID := uuid.NewString()
	logger.Info("starting fluxipc",
		slog.String("version", version),
		slog.String("instance_id", instanceID),
		slog.Any("addresses", cfg.Server.Addresses),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("auth", cfg.Auth.Enabled),
		slog.String("log_level", cfg.Log.Level))

	var opts []server.Option
	if cfg.Otel.MetricsEnabled || cfg.Otel.TracesEnabled {
		shutdown, err := fotel.InitProvider(cfg.Otel, instanceID)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				logger.Warn("OpenTelemetry shutdown failed", slog.String("error", err.Error()))
			}
		}()
		if cfg.Otel.TracesEnabled {
			opts = append(opts, server.WithTracer(otel.Tracer("fluxipc")))
		}
		if cfg.Otel.MetricsEnabled {
			metrics, err := fotel.NewMetrics()
			if err != nil {
				return fmt.Errorf("failed to create metrics: %w", err)
			}
			opts = append(opts, server.WithMetrics(metrics))
		}
	}

	store, err := server.OpenStore(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	a, err := server.LoadAuthenticator(cfg.Auth, logger)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	cfgOpts, err := server.ConfigOptions(cfg, store, a)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return err
	}
	opts = append(cfgOpts, append(opts, server.WithLogger(logger))...)

	srv, err := server.New(opts...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return err
	}
	if err := srv.Start(); err != nil {
		srv.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Auth.Watch {
		g.Go(func() error {
			return a.Watch(gctx, cfg.Auth.CredentialsFile)
		})
	}
	if cfg.Server.HealthAddress != "" {
		hs := health.New(health.Config{
			Address:         cfg.Server.HealthAddress,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, srv, logger)
		g.Go(func() error {
			return hs.Listen(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return srv.Close()
	})

	err = g.Wait()
	if errors.Is(err, server.ErrShutdownTimeout) {
		logger.Warn("connections were force-closed")
		return nil
	}
	if err == nil {
		logger.Info("server stopped")
	}
	return err
}
