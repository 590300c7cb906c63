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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// SendFunc issues one tsserver request and waits for its response.
type SendFunc func(ctx context.Context, command string, args any) (json.RawMessage, error)

// openArgs are the arguments of the "open" command.
type openArgs struct {
	File            string `json:"file"`
	ProjectRootPath string `json:"projectRootPath,omitempty"`
}

// closeArgs are the arguments of the "close" command.
type closeArgs struct {
	File string `json:"file"`
}

// SessionTracker mirrors the set of files tsserver holds open.
//
// Description:
//
//	Open issues the "open" command only for paths not already open, and
//	Close issues "close" only for paths that are. Membership changes only
//	after tsserver acknowledges the command, so the set never claims a file
//	the server does not have. Calls for the same path are serialized; calls
//	for different paths run concurrently.
//
// Thread Safety:
//
//	Safe for concurrent use.
type SessionTracker struct {
	send        SendFunc
	projectRoot string

	mu   sync.Mutex
	open map[string]struct{}

	// pathLocks holds a *sync.Mutex per canonical path.
	pathLocks sync.Map
}

// NewSessionTracker creates a tracker that issues commands through send.
// Relative paths are resolved against projectRoot.
func NewSessionTracker(send SendFunc, projectRoot string) *SessionTracker {
	return &SessionTracker{
		send:        send,
		projectRoot: projectRoot,
		open:        make(map[string]struct{}),
	}
}

// Canonicalize returns the absolute, symlink-resolved form of path.
//
// Relative paths are joined to root first. Symlinks are resolved only when
// the file exists, so paths for files not yet on disk stay usable.
func Canonicalize(root, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty file path")
	}
	if !filepath.IsAbs(path) && root != "" {
		path = filepath.Join(root, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	if _, statErr := os.Lstat(abs); statErr == nil {
		if resolved, evalErr := filepath.EvalSymlinks(abs); evalErr == nil {
			return resolved, nil
		}
	}
	return filepath.Clean(abs), nil
}

// Open marks path open in tsserver unless it already is.
//
// Outputs:
//
//	string - The canonical path
//	error - Non-nil if canonicalization or the open command failed
func (t *SessionTracker) Open(ctx context.Context, path string) (string, error) {
	canonical, err := Canonicalize(t.projectRoot, path)
	if err != nil {
		return "", err
	}

	unlock := t.lockPath(canonical)
	defer unlock()

	if t.IsOpen(canonical) {
		return canonical, nil
	}

	args := openArgs{File: canonical, ProjectRootPath: t.projectRoot}
	if _, err := t.send(ctx, "open", args); err != nil {
		return canonical, fmt.Errorf("open %s: %w", canonical, err)
	}

	t.mu.Lock()
	t.open[canonical] = struct{}{}
	t.mu.Unlock()
	return canonical, nil
}

// Close marks path closed in tsserver if it is open.
func (t *SessionTracker) Close(ctx context.Context, path string) error {
	canonical, err := Canonicalize(t.projectRoot, path)
	if err != nil {
		return err
	}

	unlock := t.lockPath(canonical)
	defer unlock()

	if !t.IsOpen(canonical) {
		return nil
	}

	if _, err := t.send(ctx, "close", closeArgs{File: canonical}); err != nil {
		return fmt.Errorf("close %s: %w", canonical, err)
	}

	t.mu.Lock()
	delete(t.open, canonical)
	t.mu.Unlock()
	return nil
}

// IsOpen reports whether the canonical path is in the open set.
func (t *SessionTracker) IsOpen(canonical string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[canonical]
	return ok
}

// Files returns the open set, sorted.
func (t *SessionTracker) Files() []string {
	t.mu.Lock()
	files := make([]string, 0, len(t.open))
	for f := range t.open {
		files = append(files, f)
	}
	t.mu.Unlock()
	sort.Strings(files)
	return files
}

// Len returns the size of the open set.
func (t *SessionTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// reset forgets every file. Called when the process is gone and its session
// state with it.
func (t *SessionTracker) reset() {
	t.mu.Lock()
	t.open = make(map[string]struct{})
	t.mu.Unlock()
}

func (t *SessionTracker) lockPath(canonical string) func() {
	lockI, _ := t.pathLocks.LoadOrStore(canonical, &sync.Mutex{})
	lock := lockI.(*sync.Mutex)
	lock.Lock()
	return lock.Unlock
}
