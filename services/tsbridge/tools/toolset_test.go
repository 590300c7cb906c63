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
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tsbridge/services/tsbridge/tsserver"
)

// fakeSession answers commands from a table and records every call.
type fakeSession struct {
	root string

	mu        sync.Mutex
	responses map[string]string
	failures  map[string]error
	sent      []sentRequest
	notified  []string
	opened    []string
	closed    []string
}

type sentRequest struct {
	Command string
	Args    map[string]any
}

func newFakeSession(t *testing.T) *fakeSession {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return &fakeSession{
		root:      root,
		responses: map[string]string{},
		failures:  map[string]error{},
	}
}

// file creates a source file under the root and returns its path.
func (f *fakeSession) file(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(f.root, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("export const x = 1;\n"), 0o644))
	return path
}

func (f *fakeSession) Send(_ context.Context, command string, args any) (json.RawMessage, error) {
	data, _ := json.Marshal(args)
	var decoded map[string]any
	_ = json.Unmarshal(data, &decoded)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentRequest{Command: command, Args: decoded})
	if err := f.failures[command]; err != nil {
		return nil, err
	}
	body, ok := f.responses[command]
	if !ok {
		return nil, nil
	}
	return json.RawMessage(body), nil
}

func (f *fakeSession) Notify(_ context.Context, command string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[command]; err != nil {
		return err
	}
	f.notified = append(f.notified, command)
	return nil
}

func (f *fakeSession) OpenFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, path)
	return nil
}

func (f *fakeSession) CloseFile(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, path)
	return nil
}

func (f *fakeSession) ProjectRoot() string { return f.root }

func (f *fakeSession) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.Command
	}
	return out
}

// =============================================================================
// DEFINITION / REFERENCES / HOVER
// =============================================================================

func TestDefinition(t *testing.T) {
	s := newFakeSession(t)
	path := s.file(t, "src/a.ts")
	s.responses["definition"] = `[{"file":"` + filepath.Join(s.root, "src/b.ts") + `","start":{"line":3,"offset":14},"end":{"line":3,"offset":17}},
		{"file":"/usr/lib/node_modules/typescript/lib/lib.d.ts","start":{"line":1,"offset":1},"end":{"line":1,"offset":5}}]`

	ts := New(s, nil)
	out, err := ts.Definition(context.Background(), PositionInput{File: "src/a.ts", Line: 10, Column: 5})
	require.NoError(t, err)

	require.Len(t, out.Definitions, 2)
	assert.Equal(t, Span{File: "src/b.ts", Line: 3, Column: 14, EndLine: 3, EndColumn: 17}, out.Definitions[0])
	assert.Equal(t, "/usr/lib/node_modules/typescript/lib/lib.d.ts", out.Definitions[1].File)

	require.Len(t, s.sent, 1)
	assert.Equal(t, map[string]any{"file": path, "line": float64(10), "offset": float64(5)}, s.sent[0].Args)
	assert.Equal(t, []string{path}, s.opened)
	assert.Equal(t, []string{path}, s.closed)
}

func TestDefinition_NothingFound(t *testing.T) {
	s := newFakeSession(t)
	s.file(t, "a.ts")

	out, err := New(s, nil).Definition(context.Background(), PositionInput{File: "a.ts", Line: 1, Column: 1})
	require.NoError(t, err)
	assert.NotNil(t, out.Definitions)
	assert.Empty(t, out.Definitions)
}

func TestPositionValidation(t *testing.T) {
	s := newFakeSession(t)
	s.file(t, "a.ts")
	ts := New(s, nil)

	tests := []struct {
		name string
		in   PositionInput
	}{
		{"zero line", PositionInput{File: "a.ts", Line: 0, Column: 1}},
		{"zero column", PositionInput{File: "a.ts", Line: 1, Column: 0}},
		{"negative", PositionInput{File: "a.ts", Line: -1, Column: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.Hover(context.Background(), tt.in)
			assert.ErrorIs(t, err, ErrInvalidPosition)
		})
	}
	assert.Empty(t, s.opened)
}

func TestFileValidation(t *testing.T) {
	s := newFakeSession(t)
	require.NoError(t, os.Mkdir(filepath.Join(s.root, "dir"), 0o755))
	ts := New(s, nil)
	ctx := context.Background()

	_, err := ts.Outline(ctx, FileInput{File: ""})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = ts.Outline(ctx, FileInput{File: "missing.ts"})
	assert.ErrorIs(t, err, ErrFileNotFound)

	_, err = ts.Outline(ctx, FileInput{File: "dir"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	//nolint:staticcheck // nil context on purpose
	_, err = ts.Outline(nil, FileInput{File: "a.ts"})
	assert.ErrorIs(t, err, tsserver.ErrNilContext)

	assert.Empty(t, s.opened)
}

func TestReferences(t *testing.T) {
	s := newFakeSession(t)
	path := s.file(t, "a.ts")
	s.responses["references"] = `{"symbolName":"x","refs":[
		{"file":"` + path + `","start":{"line":1,"offset":14},"end":{"line":1,"offset":15},"lineText":"export const x = 1;","isDefinition":true,"isWriteAccess":true},
		{"file":"` + path + `","start":{"line":4,"offset":9},"end":{"line":4,"offset":10},"lineText":"  return x;   ","isDefinition":false,"isWriteAccess":false}]}`

	out, err := New(s, nil).References(context.Background(), PositionInput{File: path, Line: 1, Column: 14})
	require.NoError(t, err)

	assert.Equal(t, "x", out.Symbol)
	require.Len(t, out.References, 2)
	assert.Equal(t, Reference{File: "a.ts", Line: 1, Column: 14, Text: "export const x = 1;", IsDefinition: true, IsWrite: true}, out.References[0])
	assert.Equal(t, "return x;", out.References[1].Text)
}

func TestHover(t *testing.T) {
	t.Run("string documentation", func(t *testing.T) {
		s := newFakeSession(t)
		s.file(t, "a.ts")
		s.responses["quickinfo"] = `{"kind":"const","displayString":"const x: 1","documentation":"The answer.",
			"tags":[{"name":"deprecated","text":"use y"}]}`

		out, err := New(s, nil).Hover(context.Background(), PositionInput{File: "a.ts", Line: 1, Column: 14})
		require.NoError(t, err)
		assert.Equal(t, HoverOutput{
			Kind:          "const",
			Signature:     "const x: 1",
			Documentation: "The answer.",
			Tags:          []Tag{{Name: "deprecated", Text: "use y"}},
		}, out)
	})

	t.Run("display part documentation", func(t *testing.T) {
		s := newFakeSession(t)
		s.file(t, "a.ts")
		s.responses["quickinfo"] = `{"kind":"function","displayString":"function f(): void",
			"documentation":[{"text":"Does ","kind":"text"},{"text":"things.","kind":"text"}],
			"tags":[{"name":"param","text":[{"text":"a","kind":"parameterName"},{"text":" - first","kind":"text"}]}]}`

		out, err := New(s, nil).Hover(context.Background(), PositionInput{File: "a.ts", Line: 1, Column: 1})
		require.NoError(t, err)
		assert.Equal(t, "Does things.", out.Documentation)
		assert.Equal(t, []Tag{{Name: "param", Text: "a - first"}}, out.Tags)
	})

	t.Run("malformed body", func(t *testing.T) {
		s := newFakeSession(t)
		s.file(t, "a.ts")
		s.responses["quickinfo"] = `[1,2,3]`

		_, err := New(s, nil).Hover(context.Background(), PositionInput{File: "a.ts", Line: 1, Column: 1})
		assert.ErrorIs(t, err, ErrInvalidResponse)
		assert.Len(t, s.closed, 1, "file is closed after a failed call")
	})
}

// =============================================================================
// DIAGNOSTICS
// =============================================================================

func TestDiagnostics(t *testing.T) {
	s := newFakeSession(t)
	s.file(t, "a.ts")
	s.responses["syntacticDiagnosticsSync"] = `[{"start":{"line":2,"offset":1},"end":{"line":2,"offset":4},"text":"';' expected.","code":1005,"category":"error"}]`
	s.responses["semanticDiagnosticsSync"] = `[{"start":{"line":5,"offset":7},"end":{"line":5,"offset":8},"text":"Type 'string' is not assignable to type 'number'.","code":2322,"category":"error"}]`
	s.responses["suggestionDiagnosticsSync"] = `[{"start":{"line":1,"offset":1},"end":{"line":1,"offset":7},"text":"'x' is declared but never used.","code":6133,"category":"suggestion","source":"ts-plugin"}]`

	out, err := New(s, nil).Diagnostics(context.Background(), FileInput{File: "a.ts"})
	require.NoError(t, err)

	assert.Equal(t, "a.ts", out.File)
	require.Len(t, out.Diagnostics, 3)
	assert.Equal(t, Diagnostic{
		Category: "error", Code: 1005, Message: "';' expected.",
		Line: 2, Column: 1, EndLine: 2, EndColumn: 4, Source: "syntactic",
	}, out.Diagnostics[0])
	assert.Equal(t, "semantic", out.Diagnostics[1].Source)
	assert.Equal(t, "ts-plugin", out.Diagnostics[2].Source)
	assert.Equal(t, []string{"syntacticDiagnosticsSync", "semanticDiagnosticsSync", "suggestionDiagnosticsSync"}, s.commands())
}

func TestDiagnostics_LaterPassFailureSkipped(t *testing.T) {
	s := newFakeSession(t)
	s.file(t, "a.ts")
	s.responses["syntacticDiagnosticsSync"] = `[]`
	s.failures["semanticDiagnosticsSync"] = &tsserver.RequestFailedError{Command: "semanticDiagnosticsSync", Message: "No Project."}

	out, err := New(s, nil).Diagnostics(context.Background(), FileInput{File: "a.ts"})
	require.NoError(t, err)
	assert.Empty(t, out.Diagnostics)
}

func TestDiagnostics_SyntacticFailureFails(t *testing.T) {
	s := newFakeSession(t)
	s.file(t, "a.ts")
	s.failures["syntacticDiagnosticsSync"] = &tsserver.RequestFailedError{Command: "syntacticDiagnosticsSync", Message: "No Project."}

	_, err := New(s, nil).Diagnostics(context.Background(), FileInput{File: "a.ts"})
	assert.ErrorIs(t, err, tsserver.ErrRequestFailed)
	assert.Len(t, s.closed, 1)
}

// =============================================================================
// RENAME
// =============================================================================

func TestRename(t *testing.T) {
	t.Run("locations sorted", func(t *testing.T) {
		s := newFakeSession(t)
		a := s.file(t, "a.ts")
		b := s.file(t, "b.ts")
		s.responses["rename"] = `{"info":{"canRename":true,"displayName":"x"},"locs":[
			{"file":"` + b + `","locs":[{"start":{"line":7,"offset":3},"end":{"line":7,"offset":4}}]},
			{"file":"` + a + `","locs":[{"start":{"line":9,"offset":1},"end":{"line":9,"offset":2}},{"start":{"line":1,"offset":14},"end":{"line":1,"offset":15}}]}]}`

		out, err := New(s, nil).Rename(context.Background(), RenameInput{File: "a.ts", Line: 1, Column: 14, NewName: "y"})
		require.NoError(t, err)

		assert.True(t, out.CanRename)
		assert.Equal(t, "x", out.DisplayName)
		assert.Equal(t, "y", out.NewName)
		assert.Equal(t, []Span{
			{File: "a.ts", Line: 1, Column: 14, EndLine: 1, EndColumn: 15},
			{File: "a.ts", Line: 9, Column: 1, EndLine: 9, EndColumn: 2},
			{File: "b.ts", Line: 7, Column: 3, EndLine: 7, EndColumn: 4},
		}, out.Locations)
	})

	t.Run("not renameable", func(t *testing.T) {
		s := newFakeSession(t)
		s.file(t, "a.ts")
		s.responses["rename"] = `{"info":{"canRename":false,"localizedErrorMessage":"You cannot rename this element."}}`

		out, err := New(s, nil).Rename(context.Background(), RenameInput{File: "a.ts", Line: 1, Column: 1})
		require.NoError(t, err)
		assert.False(t, out.CanRename)
		assert.Equal(t, "You cannot rename this element.", out.Reason)
		assert.Empty(t, out.Locations)
	})
}

// =============================================================================
// WORKSPACE SYMBOLS / OUTLINE / COMPLETIONS / RELOAD
// =============================================================================

func TestWorkspaceSymbols(t *testing.T) {
	s := newFakeSession(t)
	path := s.file(t, "lib/util.ts")
	s.responses["navto"] = `[
		{"name":"parseConfig","kind":"function","matchKind":"prefix","file":"` + path + `","start":{"line":4,"offset":17},"containerName":""},
		{"name":"parseArgs","kind":"function","matchKind":"prefix","file":"` + path + `","start":{"line":9,"offset":17},"containerName":"cli"},
		{"name":"parseEnv","kind":"function","matchKind":"prefix","file":"` + path + `","start":{"line":20,"offset":1}}]`
	ts := New(s, nil)

	t.Run("without file", func(t *testing.T) {
		out, err := ts.WorkspaceSymbols(context.Background(), WorkspaceSymbolsInput{Query: "parse", MaxResults: 2})
		require.NoError(t, err)

		require.Len(t, out.Symbols, 2)
		assert.Equal(t, Symbol{Name: "parseConfig", Kind: "function", File: "lib/util.ts", Line: 4, Column: 17, MatchKind: "prefix"}, out.Symbols[0])
		assert.Equal(t, "cli", out.Symbols[1].Container)

		last := s.sent[len(s.sent)-1]
		assert.Equal(t, map[string]any{"searchValue": "parse", "maxResultCount": float64(2)}, last.Args)
		assert.Empty(t, s.opened)
	})

	t.Run("scoped to file", func(t *testing.T) {
		_, err := ts.WorkspaceSymbols(context.Background(), WorkspaceSymbolsInput{Query: "parse", File: "lib/util.ts"})
		require.NoError(t, err)
		assert.Equal(t, []string{path}, s.opened)

		last := s.sent[len(s.sent)-1]
		assert.Equal(t, path, last.Args["file"])
		assert.Equal(t, float64(defaultMaxSymbols), last.Args["maxResultCount"])
	})

	t.Run("empty query", func(t *testing.T) {
		_, err := ts.WorkspaceSymbols(context.Background(), WorkspaceSymbolsInput{Query: "  "})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}

func TestOutline(t *testing.T) {
	s := newFakeSession(t)
	s.file(t, "a.ts")
	s.responses["navtree"] = `{"text":"\"a\"","kind":"module","spans":[{"start":{"line":1,"offset":1},"end":{"line":30,"offset":1}}],"childItems":[
		{"text":"Greeter","kind":"class","spans":[{"start":{"line":2,"offset":1},"end":{"line":10,"offset":2}}],"childItems":[
			{"text":"greet","kind":"method","spans":[{"start":{"line":4,"offset":3},"end":{"line":6,"offset":4}}]}]},
		{"text":"main","kind":"function","spans":[{"start":{"line":12,"offset":1},"end":{"line":14,"offset":2}}]}]}`

	out, err := New(s, nil).Outline(context.Background(), FileInput{File: "a.ts"})
	require.NoError(t, err)

	assert.Equal(t, []OutlineItem{
		{Name: "Greeter", Kind: "class", Line: 2, EndLine: 10, Depth: 0},
		{Name: "greet", Kind: "method", Line: 4, EndLine: 6, Depth: 1},
		{Name: "main", Kind: "function", Line: 12, EndLine: 14, Depth: 0},
	}, out.Items)
}

func TestCompletions(t *testing.T) {
	s := newFakeSession(t)
	s.file(t, "a.ts")
	s.responses["completionInfo"] = `{"entries":[
		{"name":"toString","kind":"method","sortText":"11"},
		{"name":"toFixed","kind":"method","sortText":"11"},
		{"name":"valueOf","kind":"method","sortText":"11"},
		{"name":"toPrecision","kind":"method","sortText":"10"}]}`
	ts := New(s, nil)

	t.Run("ordered by sort text then name", func(t *testing.T) {
		out, err := ts.Completions(context.Background(), CompletionsInput{File: "a.ts", Line: 3, Column: 5})
		require.NoError(t, err)

		names := make([]string, len(out.Entries))
		for i, e := range out.Entries {
			names[i] = e.Name
		}
		assert.Equal(t, []string{"toPrecision", "toFixed", "toString", "valueOf"}, names)
		assert.False(t, out.Truncated)
	})

	t.Run("prefix and limit", func(t *testing.T) {
		out, err := ts.Completions(context.Background(), CompletionsInput{File: "a.ts", Line: 3, Column: 5, Prefix: "To", Limit: 2})
		require.NoError(t, err)

		require.Len(t, out.Entries, 2)
		assert.Equal(t, "toPrecision", out.Entries[0].Name)
		assert.Equal(t, "toFixed", out.Entries[1].Name)
		assert.True(t, out.Truncated)

		last := s.sent[len(s.sent)-1]
		assert.Equal(t, "To", last.Args["prefix"])
	})
}

func TestReloadProjects(t *testing.T) {
	s := newFakeSession(t)

	out, err := New(s, nil).ReloadProjects(context.Background(), ReloadInput{})
	require.NoError(t, err)
	assert.True(t, out.Requested)
	assert.Equal(t, []string{"reloadProjects"}, s.notified)
	assert.Empty(t, s.sent)
}

func TestDisplayPath(t *testing.T) {
	s := newFakeSession(t)
	ts := New(s, nil)

	assert.Equal(t, "src/a.ts", ts.display(filepath.Join(s.root, "src", "a.ts")))
	assert.Equal(t, "/elsewhere/a.ts", ts.display("/elsewhere/a.ts"))
	assert.Equal(t, "", ts.display(""))
}
