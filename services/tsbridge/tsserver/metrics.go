// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tsserver

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for tsserver operations.
var (
	tracer = otel.Tracer("tsbridge.tsserver")
	meter  = otel.Meter("tsbridge.tsserver")
)

// Metrics for tsserver operations.
var (
	requestLatency metric.Float64Histogram
	requestTotal   metric.Int64Counter
	retryTotal     metric.Int64Counter
	processSpawns  metric.Int64Counter
	processCrashes metric.Int64Counter
	framingErrors  metric.Int64Counter
	eventsTotal    metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		requestLatency, err = meter.Float64Histogram(
			"tsserver_request_duration_seconds",
			metric.WithDescription("Duration of tsserver requests including retries"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		requestTotal, err = meter.Int64Counter(
			"tsserver_request_total",
			metric.WithDescription("Total number of tsserver requests by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		retryTotal, err = meter.Int64Counter(
			"tsserver_retry_total",
			metric.WithDescription("Total number of requests re-issued after a recoverable failure"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		processSpawns, err = meter.Int64Counter(
			"tsserver_process_spawns_total",
			metric.WithDescription("Total number of tsserver process starts"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		processCrashes, err = meter.Int64Counter(
			"tsserver_process_crashes_total",
			metric.WithDescription("Total number of unexpected tsserver exits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		framingErrors, err = meter.Int64Counter(
			"tsserver_framing_errors_total",
			metric.WithDescription("Total number of malformed frames dropped"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		eventsTotal, err = meter.Int64Counter(
			"tsserver_events_total",
			metric.WithDescription("Total number of events received from tsserver"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// startRequestSpan creates a span for one logical request.
func startRequestSpan(ctx context.Context, command string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Client.Send",
		trace.WithAttributes(
			attribute.String("tsserver.command", command),
		),
	)
}

// outcome classifies err for metric labels.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, ErrRequestCancelled):
		return "cancelled"
	case errors.Is(err, ErrRequestFailed):
		return "failed"
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	default:
		return "error"
	}
}

// recordRequest records latency and outcome for one logical request.
func recordRequest(ctx context.Context, command string, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome(err)),
	)
	requestLatency.Record(ctx, duration.Seconds(), attrs)
	requestTotal.Add(ctx, 1, attrs)
}

func recordRetry(command string) {
	if initMetrics() != nil {
		return
	}
	retryTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("command", command)))
}

func recordSpawn(success bool) {
	if initMetrics() != nil {
		return
	}
	processSpawns.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("success", success)))
}

func recordCrash() {
	if initMetrics() != nil {
		return
	}
	processCrashes.Add(context.Background(), 1)
}

func recordFramingError() {
	if initMetrics() != nil {
		return
	}
	framingErrors.Add(context.Background(), 1)
}

func recordEvent(name string) {
	if initMetrics() != nil {
		return
	}
	eventsTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("event", name)))
}
