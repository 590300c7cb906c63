// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) Notify(_ context.Context, command string, _ any) error {
	if command == "reloadProjects" {
		n.calls.Add(1)
	}
	return nil
}

// startWatcher runs a watcher on a fresh directory until the test ends.
func startWatcher(t *testing.T, opts Options) (string, *ProjectWatcher, *countingNotifier) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules", "dep"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "packages", "app"), 0o755))

	n := &countingNotifier{}
	w := New(root, n, opts)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
	})

	// Give the watcher time to register the tree.
	time.Sleep(100 * time.Millisecond)
	return root, w, n
}

func write(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
}

func TestProjectWatcher_BatchesMatchingChanges(t *testing.T) {
	opts := DefaultOptions()
	opts.Debounce = 100 * time.Millisecond
	root, w, n := startWatcher(t, opts)

	write(t, filepath.Join(root, "tsconfig.json"))
	write(t, filepath.Join(root, "package.json"))
	write(t, filepath.Join(root, "tsconfig.build.json"))

	select {
	case files := <-w.Reloads():
		assert.Contains(t, files, filepath.Join(root, "tsconfig.json"))
		assert.Contains(t, files, filepath.Join(root, "package.json"))
		assert.Contains(t, files, filepath.Join(root, "tsconfig.build.json"))
	case <-time.After(5 * time.Second):
		t.Fatal("no reload requested")
	}
	assert.Equal(t, int32(1), n.calls.Load())
}

func TestProjectWatcher_IgnoresOtherFiles(t *testing.T) {
	opts := DefaultOptions()
	opts.Debounce = 50 * time.Millisecond
	root, w, n := startWatcher(t, opts)

	write(t, filepath.Join(root, "index.ts"))
	write(t, filepath.Join(root, "node_modules", "dep", "package.json"))

	select {
	case files := <-w.Reloads():
		t.Fatalf("unexpected reload for %v", files)
	case <-time.After(300 * time.Millisecond):
	}
	assert.Zero(t, n.calls.Load())
}

func TestProjectWatcher_NestedAndNewDirectories(t *testing.T) {
	opts := DefaultOptions()
	opts.Debounce = 50 * time.Millisecond
	root, w, _ := startWatcher(t, opts)

	write(t, filepath.Join(root, "packages", "app", "tsconfig.json"))
	select {
	case <-w.Reloads():
	case <-time.After(5 * time.Second):
		t.Fatal("no reload for nested tsconfig")
	}

	dir := filepath.Join(root, "packages", "lib")
	require.NoError(t, os.Mkdir(dir, 0o755))
	time.Sleep(100 * time.Millisecond)

	write(t, filepath.Join(dir, "jsconfig.json"))
	select {
	case files := <-w.Reloads():
		assert.Equal(t, []string{filepath.Join(dir, "jsconfig.json")}, files)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload for new directory")
	}
}

func TestProjectWatcher_BadRoot(t *testing.T) {
	w := New(filepath.Join(t.TempDir(), "missing"), &countingNotifier{}, DefaultOptions())
	assert.Error(t, w.Run(context.Background()))

	//nolint:staticcheck // nil context on purpose
	assert.ErrorIs(t, w.Run(nil), ErrNilContext)
}

func TestMatches(t *testing.T) {
	w := New("/p", &countingNotifier{}, DefaultOptions())

	tests := []struct {
		path string
		want bool
	}{
		{"/p/tsconfig.json", true},
		{"/p/tsconfig.base.json", true},
		{"/p/a/jsconfig.json", true},
		{"/p/package.json", true},
		{"/p/package-lock.json", false},
		{"/p/src/index.ts", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, w.matches(tt.path))
		})
	}
}

func TestNotifierFunc(t *testing.T) {
	var got string
	n := NotifierFunc(func(_ context.Context, command string, _ any) error {
		got = command
		return nil
	})

	require.NoError(t, n.Notify(context.Background(), "reloadProjects", nil))
	assert.Equal(t, "reloadProjects", got)
}
