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
	"fmt"
	"sort"
	"strings"
)

const (
	defaultMaxSymbols     = 100
	defaultCompletionSize = 50
)

// =============================================================================
// DEFINITION
// =============================================================================

// Definition returns where the symbol at a position is defined.
//
// Description:
//
//	Sends "definition" and returns each definition site as a 1-based span.
//	A position on whitespace yields an empty list, not an error.
//
// Errors:
//
//	ErrInvalidPosition - Line or column below 1
//	ErrFileNotFound - The file does not exist
//	tsserver errors from the request itself
func (t *Toolset) Definition(ctx context.Context, in PositionInput) (DefinitionOutput, error) {
	out := DefinitionOutput{Definitions: []Span{}}
	err := t.run(ctx, "ts_definition", func(c *call) (int, error) {
		if err := checkPosition(in.Line, in.Column); err != nil {
			return 0, err
		}
		return t.withFile(c, in.File, func(path string) (int, error) {
			var spans []fileSpan
			args := fileLocationArgs{File: path, Line: in.Line, Offset: in.Column}
			if err := t.send(c, "definition", args, &spans); err != nil {
				return 0, err
			}
			for _, s := range spans {
				out.Definitions = append(out.Definitions, t.toSpan(s.File, textSpan{Start: s.Start, End: s.End}))
			}
			return len(out.Definitions), nil
		})
	})
	return out, err
}

// =============================================================================
// REFERENCES
// =============================================================================

// References returns every use of the symbol at a position, including its
// declaration.
func (t *Toolset) References(ctx context.Context, in PositionInput) (ReferencesOutput, error) {
	out := ReferencesOutput{References: []Reference{}}
	err := t.run(ctx, "ts_references", func(c *call) (int, error) {
		if err := checkPosition(in.Line, in.Column); err != nil {
			return 0, err
		}
		return t.withFile(c, in.File, func(path string) (int, error) {
			var body referencesBody
			args := fileLocationArgs{File: path, Line: in.Line, Offset: in.Column}
			if err := t.send(c, "references", args, &body); err != nil {
				return 0, err
			}
			out.Symbol = body.SymbolName
			for _, r := range body.Refs {
				out.References = append(out.References, Reference{
					File:         t.display(r.File),
					Line:         r.Start.Line,
					Column:       r.Start.Offset,
					Text:         strings.TrimSpace(r.LineText),
					IsDefinition: r.IsDefinition,
					IsWrite:      r.IsWriteAccess,
				})
			}
			return len(out.References), nil
		})
	})
	return out, err
}

// =============================================================================
// HOVER
// =============================================================================

// Hover returns the signature and documentation of the symbol at a position.
func (t *Toolset) Hover(ctx context.Context, in PositionInput) (HoverOutput, error) {
	var out HoverOutput
	err := t.run(ctx, "ts_hover", func(c *call) (int, error) {
		if err := checkPosition(in.Line, in.Column); err != nil {
			return 0, err
		}
		return t.withFile(c, in.File, func(path string) (int, error) {
			var body quickInfoBody
			args := fileLocationArgs{File: path, Line: in.Line, Offset: in.Column}
			if err := t.send(c, "quickinfo", args, &body); err != nil {
				return 0, err
			}
			out.Kind = body.Kind
			out.Signature = body.DisplayString
			out.Documentation = string(body.Documentation)
			for _, tag := range body.Tags {
				out.Tags = append(out.Tags, Tag{Name: tag.Name, Text: string(tag.Text)})
			}
			if out.Signature == "" {
				return 0, nil
			}
			return 1, nil
		})
	})
	return out, err
}

// =============================================================================
// WORKSPACE SYMBOLS
// =============================================================================

// WorkspaceSymbols searches symbols by name across the loaded projects.
//
// Description:
//
//	Sends "navto". When File is given it is opened first so its project is
//	loaded and searched; otherwise every loaded project is searched.
func (t *Toolset) WorkspaceSymbols(ctx context.Context, in WorkspaceSymbolsInput) (WorkspaceSymbolsOutput, error) {
	out := WorkspaceSymbolsOutput{Symbols: []Symbol{}}
	err := t.run(ctx, "ts_workspace_symbols", func(c *call) (int, error) {
		if strings.TrimSpace(in.Query) == "" {
			return 0, fmt.Errorf("%w: query is required", ErrInvalidInput)
		}
		limit := in.MaxResults
		if limit <= 0 {
			limit = defaultMaxSymbols
		}

		search := func(path string) (int, error) {
			var items []navtoItem
			args := navtoArgs{SearchValue: in.Query, File: path, MaxResultCount: limit}
			if err := t.send(c, "navto", args, &items); err != nil {
				return 0, err
			}
			for _, it := range items {
				if len(out.Symbols) == limit {
					break
				}
				out.Symbols = append(out.Symbols, Symbol{
					Name:      it.Name,
					Kind:      it.Kind,
					File:      t.display(it.File),
					Line:      it.Start.Line,
					Column:    it.Start.Offset,
					Container: it.ContainerName,
					MatchKind: it.MatchKind,
				})
			}
			return len(out.Symbols), nil
		}

		if in.File == "" {
			return search("")
		}
		return t.withFile(c, in.File, search)
	})
	return out, err
}

// =============================================================================
// OUTLINE
// =============================================================================

// Outline returns a file's declarations, flattened depth first.
//
// The synthetic root node tsserver returns for the file itself is omitted;
// its children are depth 0.
func (t *Toolset) Outline(ctx context.Context, in FileInput) (OutlineOutput, error) {
	out := OutlineOutput{Items: []OutlineItem{}}
	err := t.run(ctx, "ts_outline", func(c *call) (int, error) {
		return t.withFile(c, in.File, func(path string) (int, error) {
			out.File = t.display(path)

			var root navTree
			if err := t.send(c, "navtree", fileArgs{File: path}, &root); err != nil {
				return 0, err
			}
			for _, child := range root.ChildItems {
				out.Items = flatten(out.Items, child, 0)
			}
			return len(out.Items), nil
		})
	})
	return out, err
}

func flatten(items []OutlineItem, node navTree, depth int) []OutlineItem {
	item := OutlineItem{Name: node.Text, Kind: node.Kind, Depth: depth}
	if len(node.Spans) > 0 {
		item.Line = node.Spans[0].Start.Line
		item.EndLine = node.Spans[0].End.Line
	}
	items = append(items, item)
	for _, child := range node.ChildItems {
		items = flatten(items, child, depth+1)
	}
	return items
}

// =============================================================================
// COMPLETIONS
// =============================================================================

// Completions returns completion entries at a position, ordered by
// tsserver's sort text and then by name.
func (t *Toolset) Completions(ctx context.Context, in CompletionsInput) (CompletionsOutput, error) {
	out := CompletionsOutput{Entries: []Completion{}}
	err := t.run(ctx, "ts_completions", func(c *call) (int, error) {
		if err := checkPosition(in.Line, in.Column); err != nil {
			return 0, err
		}
		limit := in.Limit
		if limit <= 0 {
			limit = defaultCompletionSize
		}
		return t.withFile(c, in.File, func(path string) (int, error) {
			var body completionBody
			args := completionArgs{File: path, Line: in.Line, Offset: in.Column, Prefix: in.Prefix}
			if err := t.send(c, "completionInfo", args, &body); err != nil {
				return 0, err
			}
			for _, e := range body.Entries {
				if in.Prefix != "" && !strings.HasPrefix(strings.ToLower(e.Name), strings.ToLower(in.Prefix)) {
					continue
				}
				out.Entries = append(out.Entries, Completion{Name: e.Name, Kind: e.Kind, SortText: e.SortText})
			}
			sort.SliceStable(out.Entries, func(i, j int) bool {
				a, b := out.Entries[i], out.Entries[j]
				if a.SortText != b.SortText {
					return a.SortText < b.SortText
				}
				return a.Name < b.Name
			})
			if len(out.Entries) > limit {
				out.Entries = out.Entries[:limit]
				out.Truncated = true
			}
			return len(out.Entries), nil
		})
	})
	return out, err
}
