// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools turns agent tool calls into tsserver requests and reshapes
// the answers into compact, 1-based results.
//
// Every file-scoped tool opens the file in tsserver before its requests and
// closes it afterwards, so the open set never outlives a call.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/tsbridge/services/tsbridge/telemetry"
	"github.com/AleutianAI/tsbridge/services/tsbridge/tsserver"
)

// Session is the slice of the broker the tools need.
type Session interface {
	Send(ctx context.Context, command string, args any) (json.RawMessage, error)
	Notify(ctx context.Context, command string, args any) error
	OpenFile(ctx context.Context, path string) error
	CloseFile(ctx context.Context, path string) error
	ProjectRoot() string
}

// Toolset implements every tool against one Session.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrency limits are those of the Session.
type Toolset struct {
	session Session
	files   *openFiles
	logger  *slog.Logger
}

// New creates a Toolset. A nil logger means slog.Default().
func New(session Session, logger *slog.Logger) *Toolset {
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolset{session: session, files: newOpenFiles(session), logger: logger}
}

// call is the per-invocation context shared by the helpers.
type call struct {
	ctx    context.Context
	span   trace.Span
	logger *slog.Logger
}

// run wraps fn with a span, metrics and a call id.
func (t *Toolset) run(ctx context.Context, tool string, fn func(c *call) (int, error)) error {
	if ctx == nil {
		return tsserver.ErrNilContext
	}

	id := uuid.NewString()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "tools."+tool,
		trace.WithAttributes(
			attribute.String("tool.name", tool),
			attribute.String("tool.call_id", id),
		),
	)
	defer span.End()

	c := &call{
		ctx:    ctx,
		span:   span,
		logger: telemetry.LoggerWithTrace(ctx, t.logger).With(slog.String("tool", tool), slog.String("call_id", id)),
	}

	start := time.Now()
	n, err := fn(c)
	elapsed := time.Since(start)
	recordCall(ctx, tool, elapsed, err == nil)

	if err != nil {
		telemetry.RecordError(span, err)
		c.logger.Warn("Tool call failed",
			slog.String("error", err.Error()),
			slog.Duration("duration", elapsed),
		)
		return err
	}

	span.SetAttributes(attribute.Int("tool.results", n))
	telemetry.SetSpanOK(span)
	c.logger.Debug("Tool call completed",
		slog.Int("results", n),
		slog.Duration("duration", elapsed),
	)
	return nil
}

// resolve validates file and returns its canonical path.
func (t *Toolset) resolve(file string) (string, error) {
	if strings.TrimSpace(file) == "" {
		return "", fmt.Errorf("%w: file is required", ErrInvalidInput)
	}
	path, err := tsserver.Canonicalize(t.session.ProjectRoot(), file)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, file)
		}
		return "", fmt.Errorf("stat %s: %w", file, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrInvalidInput, file)
	}
	return path, nil
}

// withFile opens file in tsserver for the duration of fn. Concurrent calls
// on the same file share one open, closed when the last of them returns.
func (t *Toolset) withFile(c *call, file string, fn func(path string) (int, error)) (int, error) {
	path, err := t.resolve(file)
	if err != nil {
		return 0, err
	}
	c.span.SetAttributes(attribute.String("tool.file", path))

	if err := t.files.acquire(c.ctx, path); err != nil {
		return 0, err
	}
	defer func() {
		// Close even when the call was cancelled, so the file does not stay open.
		if err := t.files.release(context.WithoutCancel(c.ctx), path); err != nil {
			c.logger.Debug("Failed to close file", slog.String("file", path), slog.String("error", err.Error()))
		}
	}()

	return fn(path)
}

// send issues command and decodes the body into out.
func (t *Toolset) send(c *call, command string, args any, out any) error {
	body, err := t.session.Send(c.ctx, command, args)
	if err != nil {
		return err
	}
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, command, err)
	}
	return nil
}

// display returns path relative to the project root when it is inside it.
func (t *Toolset) display(path string) string {
	root := t.session.ProjectRoot()
	if root == "" || path == "" {
		return path
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return filepath.ToSlash(rel)
}

func (t *Toolset) toSpan(file string, s textSpan) Span {
	return Span{
		File:      t.display(file),
		Line:      s.Start.Line,
		Column:    s.Start.Offset,
		EndLine:   s.End.Line,
		EndColumn: s.End.Offset,
	}
}

func checkPosition(line, column int) error {
	if line < 1 || column < 1 {
		return fmt.Errorf("%w: line=%d column=%d", ErrInvalidPosition, line, column)
	}
	return nil
}
