// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package tools

import (
	"context"
	"sync"
)

// openFiles counts the tool calls using each file so tsserver only sees
// "close" after the last of them finishes.
//
// Every acquire still calls OpenFile; the session skips files it already
// has open, and a respawned tsserver gets the file reopened.
type openFiles struct {
	session Session

	mu    sync.Mutex
	refs  map[string]int
	locks map[string]*sync.Mutex
}

func newOpenFiles(session Session) *openFiles {
	return &openFiles{
		session: session,
		refs:    make(map[string]int),
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock serializes acquire and release for one path.
func (f *openFiles) lock(path string) func() {
	f.mu.Lock()
	l, ok := f.locks[path]
	if !ok {
		l = &sync.Mutex{}
		f.locks[path] = l
	}
	f.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (f *openFiles) acquire(ctx context.Context, path string) error {
	unlock := f.lock(path)
	defer unlock()

	if err := f.session.OpenFile(ctx, path); err != nil {
		return err
	}
	f.mu.Lock()
	f.refs[path]++
	f.mu.Unlock()
	return nil
}

func (f *openFiles) release(ctx context.Context, path string) error {
	unlock := f.lock(path)
	defer unlock()

	f.mu.Lock()
	f.refs[path]--
	last := f.refs[path] <= 0
	if last {
		delete(f.refs, path)
	}
	f.mu.Unlock()

	if !last {
		return nil
	}
	return f.session.CloseFile(ctx, path)
}

// count reports how many calls hold path.
func (f *openFiles) count(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[path]
}
