// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch asks tsserver to reload its projects when project
// configuration files change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrNilContext is returned by Run when given a nil context.
var ErrNilContext = errors.New("ctx must not be nil")

// Notifier sends a request tsserver does not answer.
type Notifier interface {
	Notify(ctx context.Context, command string, args any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, command string, args any) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, command string, args any) error {
	return f(ctx, command, args)
}

// Options configures a ProjectWatcher.
type Options struct {
	// Debounce is how long the watcher waits after the last matching change
	// before asking for a reload.
	// Default: 500ms
	Debounce time.Duration

	// Patterns are base-name globs of files that trigger a reload.
	// Default: tsconfig*.json, jsconfig.json, package.json
	Patterns []string

	// IgnoreDirs are directory names never descended into.
	// Default: .git, node_modules
	IgnoreDirs []string

	// Logger receives watcher diagnostics.
	Logger *slog.Logger
}

// DefaultOptions returns the defaults described on Options.
func DefaultOptions() Options {
	return Options{
		Debounce:   500 * time.Millisecond,
		Patterns:   []string{"tsconfig*.json", "jsconfig.json", "package.json"},
		IgnoreDirs: []string{".git", "node_modules"},
	}
}

// ProjectWatcher watches a project tree for configuration changes.
//
// # Description
//
// Every directory under the root is watched except IgnoreDirs. Events on
// files whose base name matches one of Patterns are collected; once
// Debounce passes without another such event, "reloadProjects" is sent
// once for the whole batch. A save that touches tsconfig.json and
// package.json together therefore costs a single reload.
//
// # Thread Safety
//
// Run must be called once. Reloads returns a snapshot and is safe from any
// goroutine.
type ProjectWatcher struct {
	root     string
	notifier Notifier
	opts     Options
	logger   *slog.Logger

	reloads chan []string
}

// New creates a watcher for root. Nothing is watched until Run.
func New(root string, notifier Notifier, opts Options) *ProjectWatcher {
	defaults := DefaultOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if len(opts.Patterns) == 0 {
		opts.Patterns = defaults.Patterns
	}
	if opts.IgnoreDirs == nil {
		opts.IgnoreDirs = defaults.IgnoreDirs
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ProjectWatcher{
		root:     root,
		notifier: notifier,
		opts:     opts,
		logger:   opts.Logger,
		reloads:  make(chan []string, 16),
	}
}

// Reloads receives the changed files of every batch that triggered a
// reload. Batches are dropped when nobody reads.
func (w *ProjectWatcher) Reloads() <-chan []string {
	return w.reloads
}

// Run watches until ctx is done.
//
// # Outputs
//
//   - error: Non-nil if watching could not be set up. A cancelled ctx
//     returns nil.
func (w *ProjectWatcher) Run(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := w.addRecursive(watcher, w.root); err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.logger.Info("Watching project configuration",
		slog.String("root", w.root),
		slog.Any("patterns", w.opts.Patterns),
	)

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !w.ignored(event.Name) {
					if err := w.addRecursive(watcher, event.Name); err != nil {
						w.logger.Debug("Failed to watch new directory",
							slog.String("path", event.Name),
							slog.String("error", err.Error()),
						)
					}
					continue
				}
			}

			if !w.matches(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}

			if timer == nil {
				timer = time.NewTimer(w.opts.Debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("File watcher error", slog.String("error", err.Error()))

		case <-timerC:
			timer, timerC = nil, nil
			w.flush(ctx, pending)
			pending = make(map[string]struct{})
		}
	}
}

// flush sends one reload for the batch.
func (w *ProjectWatcher) flush(ctx context.Context, pending map[string]struct{}) {
	if len(pending) == 0 {
		return
	}
	files := make([]string, 0, len(pending))
	for f := range pending {
		files = append(files, f)
	}
	sort.Strings(files)

	if err := w.notifier.Notify(ctx, "reloadProjects", nil); err != nil {
		w.logger.Warn("Failed to request project reload",
			slog.Any("files", files),
			slog.String("error", err.Error()),
		)
		return
	}
	w.logger.Info("Requested project reload", slog.Any("files", files))

	select {
	case w.reloads <- files:
	default:
	}
}

func (w *ProjectWatcher) addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped; only a bad root fails.
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.ignored(path) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (w *ProjectWatcher) ignored(dir string) bool {
	base := filepath.Base(dir)
	for _, name := range w.opts.IgnoreDirs {
		if base == name {
			return true
		}
	}
	return false
}

func (w *ProjectWatcher) matches(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.opts.Patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}
