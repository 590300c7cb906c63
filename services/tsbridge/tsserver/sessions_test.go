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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSender records every command it is asked to send.
type recordingSender struct {
	mu       sync.Mutex
	commands []string
	files    []string
	fail     error
	delay    time.Duration
}

func (r *recordingSender) send(_ context.Context, command string, args any) (json.RawMessage, error) {
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	switch a := args.(type) {
	case openArgs:
		r.files = append(r.files, a.File)
	case closeArgs:
		r.files = append(r.files, a.File)
	}
	if r.fail != nil {
		return nil, r.fail
	}
	return nil, nil
}

func (r *recordingSender) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.commands...)
}

func TestSessionTracker_Dedup(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	t.Run("open twice issues one open", func(t *testing.T) {
		rs := &recordingSender{}
		tr := NewSessionTracker(rs.send, root)

		_, err := tr.Open(ctx, "a.ts")
		require.NoError(t, err)
		_, err = tr.Open(ctx, filepath.Join(root, "a.ts"))
		require.NoError(t, err)

		assert.Equal(t, []string{"open"}, rs.calls())
		assert.Equal(t, 1, tr.Len())
	})

	t.Run("close without open issues nothing", func(t *testing.T) {
		rs := &recordingSender{}
		tr := NewSessionTracker(rs.send, root)

		require.NoError(t, tr.Close(ctx, "a.ts"))
		assert.Empty(t, rs.calls())
	})

	t.Run("open close close", func(t *testing.T) {
		rs := &recordingSender{}
		tr := NewSessionTracker(rs.send, root)

		_, err := tr.Open(ctx, "a.ts")
		require.NoError(t, err)
		require.NoError(t, tr.Close(ctx, "a.ts"))
		require.NoError(t, tr.Close(ctx, "a.ts"))

		assert.Equal(t, []string{"open", "close"}, rs.calls())
		assert.Zero(t, tr.Len())
	})

	t.Run("failed open leaves set unchanged", func(t *testing.T) {
		rs := &recordingSender{fail: ErrRequestTimeout}
		tr := NewSessionTracker(rs.send, root)

		_, err := tr.Open(ctx, "a.ts")
		assert.True(t, errors.Is(err, ErrRequestTimeout))
		assert.Zero(t, tr.Len())
	})

	t.Run("failed close keeps membership", func(t *testing.T) {
		rs := &recordingSender{}
		tr := NewSessionTracker(rs.send, root)
		canonical, err := tr.Open(ctx, "a.ts")
		require.NoError(t, err)

		rs.fail = ErrRequestTimeout
		assert.Error(t, tr.Close(ctx, "a.ts"))
		assert.True(t, tr.IsOpen(canonical))
	})

	t.Run("concurrent opens of one path issue one open", func(t *testing.T) {
		rs := &recordingSender{delay: 10 * time.Millisecond}
		tr := NewSessionTracker(rs.send, root)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = tr.Open(ctx, "same.ts")
			}()
		}
		wg.Wait()

		assert.Equal(t, []string{"open"}, rs.calls())
	})

	t.Run("reset forgets everything", func(t *testing.T) {
		rs := &recordingSender{}
		tr := NewSessionTracker(rs.send, root)
		_, _ = tr.Open(ctx, "a.ts")
		_, _ = tr.Open(ctx, "b.ts")

		tr.reset()

		assert.Zero(t, tr.Len())
		assert.Empty(t, tr.Files())
	})
}

func TestSessionTracker_OpenSendsProjectRoot(t *testing.T) {
	root := t.TempDir()
	var got openArgs
	tr := NewSessionTracker(func(_ context.Context, _ string, args any) (json.RawMessage, error) {
		got = args.(openArgs)
		return nil, nil
	}, root)

	canonical, err := tr.Open(context.Background(), "src/a.ts")
	require.NoError(t, err)

	assert.Equal(t, canonical, got.File)
	assert.Equal(t, root, got.ProjectRootPath)
	assert.True(t, filepath.IsAbs(got.File))
}

func TestCanonicalize(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.ts")
	require.NoError(t, os.WriteFile(target, []byte("export {}\n"), 0o644))
	resolvedTarget, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)

	t.Run("relative joins root", func(t *testing.T) {
		got, err := Canonicalize(root, "real.ts")
		require.NoError(t, err)
		assert.Equal(t, resolvedTarget, got)
	})

	t.Run("dot segments are cleaned", func(t *testing.T) {
		got, err := Canonicalize(root, "./sub/../missing.ts")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(root, "missing.ts"), got)
	})

	t.Run("symlink resolves to target", func(t *testing.T) {
		link := filepath.Join(root, "link.ts")
		if err := os.Symlink(target, link); err != nil {
			t.Skipf("symlinks unsupported: %v", err)
		}
		got, err := Canonicalize(root, link)
		require.NoError(t, err)
		assert.Equal(t, resolvedTarget, got)
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Canonicalize(root, "")
		assert.Error(t, err)
	})
}
