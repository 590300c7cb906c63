// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package admin serves an optional HTTP surface for operators: broker
// health, Prometheus metrics, and a websocket stream of tsserver events.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/tsbridge/services/tsbridge/broker"
	"github.com/AleutianAI/tsbridge/services/tsbridge/tsserver"
)

// Source is what the admin surface reports on.
type Source interface {
	Health() broker.Health
	Subscribe(handler tsserver.EventHandler, names ...string) string
	Unsubscribe(id string) bool
}

// Options configures the admin server.
type Options struct {
	// Addr is the listen address, e.g. 127.0.0.1:7878.
	Addr string

	// ServiceName labels request spans.
	ServiceName string

	// Metrics serves /metrics. Nil disables the route.
	Metrics http.Handler

	// Logger receives request and connection logs.
	Logger *slog.Logger
}

// Server is the admin HTTP server.
type Server struct {
	src    Source
	opts   Options
	logger *slog.Logger
	router *gin.Engine
}

// New builds the router. Nothing listens until Run.
func New(src Source, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "tsbridge"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(requestLogger(opts.Logger))

	s := &Server{src: src, opts: opts, logger: opts.Logger, router: router}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/events", s.handleEvents)
	if s.opts.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("Admin server listening", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleHealth reports broker state. It answers 200 while tsserver is
// running or not yet needed, and 503 otherwise.
func (s *Server) handleHealth(c *gin.Context) {
	h := s.src.Health()
	status := http.StatusOK
	switch h.State {
	case tsserver.StateRunning.String(), tsserver.StateNotStarted.String():
	default:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("Admin request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}
