// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/tsbridge/services/tsbridge/admin"
	"github.com/AleutianAI/tsbridge/services/tsbridge/broker"
	"github.com/AleutianAI/tsbridge/services/tsbridge/mcpserver"
	"github.com/AleutianAI/tsbridge/services/tsbridge/telemetry"
	"github.com/AleutianAI/tsbridge/services/tsbridge/tools"
	"github.com/AleutianAI/tsbridge/services/tsbridge/watch"
)

// runServe wires every component and serves until the MCP client
// disconnects or a signal arrives.
func runServe(cmd *cobra.Command, f *flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}

	logger, closer, err := telemetry.NewLogger(cfg.LogOptions())
	if err != nil {
		return err
	}
	defer closer.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.TelemetryOptions(version))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("Telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	clientCfg, err := cfg.ClientConfig()
	if err != nil {
		return err
	}
	b := broker.New(clientCfg, cfg.BrokerOptions(logger))
	b.StartIdleMonitor()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), clientCfg.GracePeriod+5*time.Second)
		defer cancel()
		if err := b.Close(stopCtx); err != nil {
			logger.Warn("tsserver shutdown failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Starting tsbridge",
		slog.String("version", version),
		slog.String("project_root", clientCfg.ProjectRoot),
		slog.String("tsserver", clientCfg.Command),
	)

	if f.eager {
		if _, err := b.Client(ctx); err != nil {
			return fmt.Errorf("start tsserver: %w", err)
		}
	}

	srv := mcpserver.New(tools.New(b, logger), mcpserver.Options{
		Name:    "tsbridge",
		Version: version,
		Logger:  logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		// The MCP session ending ends everything else.
		defer cancel()
		return srv.Run(gctx)
	})

	if cfg.Admin.Enabled {
		adm := admin.New(b, admin.Options{
			Addr:        cfg.Admin.Addr,
			ServiceName: cfg.Telemetry.ServiceName,
			Metrics:     telemetry.MetricsHandler(),
			Logger:      logger,
		})
		g.Go(func() error { return adm.Run(gctx) })
	}

	if cfg.Watch.Enabled {
		// Config changes never spawn tsserver on their own.
		w := watch.New(clientCfg.ProjectRoot, watch.NotifierFunc(b.NotifyRunning), watch.Options{
			Debounce: cfg.Watch.Debounce.Std(),
			Patterns: cfg.Watch.Patterns,
			Logger:   logger,
		})
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				// A project tree we cannot watch is not fatal.
				logger.Warn("Project watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	err = g.Wait()
	if err != nil && ctx.Err() != nil {
		// Interrupted; errors from the teardown are expected.
		return nil
	}
	logger.Info("tsbridge stopped")
	return err
}
