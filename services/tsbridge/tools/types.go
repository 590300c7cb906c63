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
	"encoding/json"
	"strings"
)

// =============================================================================
// TOOL INPUTS
// =============================================================================

// PositionInput addresses a character in a file.
type PositionInput struct {
	File   string `json:"file" jsonschema:"file path, absolute or relative to the project root"`
	Line   int    `json:"line" jsonschema:"1-based line number"`
	Column int    `json:"column" jsonschema:"1-based column number"`
}

// FileInput addresses a whole file.
type FileInput struct {
	File string `json:"file" jsonschema:"file path, absolute or relative to the project root"`
}

// RenameInput asks where a symbol would be renamed.
type RenameInput struct {
	File    string `json:"file" jsonschema:"file path, absolute or relative to the project root"`
	Line    int    `json:"line" jsonschema:"1-based line number"`
	Column  int    `json:"column" jsonschema:"1-based column number"`
	NewName string `json:"new_name,omitempty" jsonschema:"proposed new name, echoed back for convenience"`
}

// WorkspaceSymbolsInput searches symbols across the project.
type WorkspaceSymbolsInput struct {
	Query      string `json:"query" jsonschema:"symbol name or prefix to search for"`
	File       string `json:"file,omitempty" jsonschema:"optional file whose project is searched"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"maximum number of results, default 100"`
}

// CompletionsInput asks for completions at a position.
type CompletionsInput struct {
	File   string `json:"file" jsonschema:"file path, absolute or relative to the project root"`
	Line   int    `json:"line" jsonschema:"1-based line number"`
	Column int    `json:"column" jsonschema:"1-based column number"`
	Prefix string `json:"prefix,omitempty" jsonschema:"optional identifier prefix already typed"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of entries, default 50"`
}

// ReloadInput takes no arguments.
type ReloadInput struct{}

// =============================================================================
// TOOL OUTPUTS
// =============================================================================

// Span is a 1-based range in a file.
type Span struct {
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndLine   int    `json:"end_line"`
	EndColumn int    `json:"end_column"`
}

// DefinitionOutput lists definition sites.
type DefinitionOutput struct {
	Definitions []Span `json:"definitions"`
}

// Reference is one use of a symbol.
type Reference struct {
	File         string `json:"file"`
	Line         int    `json:"line"`
	Column       int    `json:"column"`
	Text         string `json:"text"`
	IsDefinition bool   `json:"is_definition"`
	IsWrite      bool   `json:"is_write"`
}

// ReferencesOutput lists every use of the symbol at a position.
type ReferencesOutput struct {
	Symbol     string      `json:"symbol"`
	References []Reference `json:"references"`
}

// Tag is a JSDoc tag such as @param or @deprecated.
type Tag struct {
	Name string `json:"name"`
	Text string `json:"text,omitempty"`
}

// HoverOutput describes the symbol at a position.
type HoverOutput struct {
	Kind          string `json:"kind"`
	Signature     string `json:"signature"`
	Documentation string `json:"documentation,omitempty"`
	Tags          []Tag  `json:"tags,omitempty"`
}

// Diagnostic is one compiler message.
type Diagnostic struct {
	Category  string `json:"category"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndLine   int    `json:"end_line"`
	EndColumn int    `json:"end_column"`
	Source    string `json:"source"`
}

// DiagnosticsOutput holds syntactic, semantic and suggestion diagnostics.
type DiagnosticsOutput struct {
	File        string       `json:"file"`
	Diagnostics []Diagnostic `json:"diagnostics"`
}

// RenameOutput lists every span a rename would touch.
type RenameOutput struct {
	CanRename   bool   `json:"can_rename"`
	Reason      string `json:"reason,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	NewName     string `json:"new_name,omitempty"`
	Locations   []Span `json:"locations"`
}

// Symbol is a workspace symbol match.
type Symbol struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	File      string `json:"file"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	Container string `json:"container,omitempty"`
	MatchKind string `json:"match_kind,omitempty"`
}

// WorkspaceSymbolsOutput lists symbol matches.
type WorkspaceSymbolsOutput struct {
	Symbols []Symbol `json:"symbols"`
}

// OutlineItem is one node of a file's navigation tree.
type OutlineItem struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Line    int    `json:"line"`
	EndLine int    `json:"end_line"`
	Depth   int    `json:"depth"`
}

// OutlineOutput is a file's navigation tree, flattened depth first.
type OutlineOutput struct {
	File  string        `json:"file"`
	Items []OutlineItem `json:"items"`
}

// Completion is one completion entry.
type Completion struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	SortText string `json:"sort_text"`
}

// CompletionsOutput lists completion entries, best first.
type CompletionsOutput struct {
	Entries   []Completion `json:"entries"`
	Truncated bool         `json:"truncated,omitempty"`
}

// ReloadOutput confirms a reload was requested.
type ReloadOutput struct {
	Requested bool `json:"requested"`
}

// =============================================================================
// TSSERVER WIRE SHAPES
// =============================================================================

// location is tsserver's 1-based line/offset pair.
type location struct {
	Line   int `json:"line"`
	Offset int `json:"offset"`
}

type textSpan struct {
	Start location `json:"start"`
	End   location `json:"end"`
}

type fileSpan struct {
	File  string   `json:"file"`
	Start location `json:"start"`
	End   location `json:"end"`
}

// fileLocationArgs are the arguments of position-based commands.
type fileLocationArgs struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Offset int    `json:"offset"`
}

type fileArgs struct {
	File string `json:"file"`
}

type referencesBody struct {
	Refs []struct {
		fileSpan
		LineText      string `json:"lineText"`
		IsDefinition  bool   `json:"isDefinition"`
		IsWriteAccess bool   `json:"isWriteAccess"`
	} `json:"refs"`
	SymbolName string `json:"symbolName"`
}

// displayText is documentation that tsserver sends either as a plain string
// or as an array of display parts, depending on its preferences.
type displayText string

func (d *displayText) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*d = displayText(s)
		return nil
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	*d = displayText(sb.String())
	return nil
}

type quickInfoBody struct {
	Kind          string      `json:"kind"`
	DisplayString string      `json:"displayString"`
	Documentation displayText `json:"documentation"`
	Tags          []struct {
		Name string      `json:"name"`
		Text displayText `json:"text"`
	} `json:"tags"`
}

type diagnosticBody struct {
	Start    location `json:"start"`
	End      location `json:"end"`
	Text     string   `json:"text"`
	Code     int      `json:"code"`
	Category string   `json:"category"`
	Source   string   `json:"source"`
}

type renameArgs struct {
	File           string `json:"file"`
	Line           int    `json:"line"`
	Offset         int    `json:"offset"`
	FindInComments bool   `json:"findInComments"`
	FindInStrings  bool   `json:"findInStrings"`
}

type renameBody struct {
	Info struct {
		CanRename             bool   `json:"canRename"`
		LocalizedErrorMessage string `json:"localizedErrorMessage"`
		DisplayName           string `json:"displayName"`
	} `json:"info"`
	Locs []struct {
		File string     `json:"file"`
		Locs []textSpan `json:"locs"`
	} `json:"locs"`
}

type navtoArgs struct {
	SearchValue    string `json:"searchValue"`
	File           string `json:"file,omitempty"`
	MaxResultCount int    `json:"maxResultCount,omitempty"`
}

type navtoItem struct {
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	MatchKind     string   `json:"matchKind"`
	File          string   `json:"file"`
	Start         location `json:"start"`
	ContainerName string   `json:"containerName"`
}

type navTree struct {
	Text       string     `json:"text"`
	Kind       string     `json:"kind"`
	Spans      []textSpan `json:"spans"`
	ChildItems []navTree  `json:"childItems"`
}

type completionArgs struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Offset int    `json:"offset"`
	Prefix string `json:"prefix,omitempty"`
}

type completionBody struct {
	Entries []struct {
		Name     string `json:"name"`
		Kind     string `json:"kind"`
		SortText string `json:"sortText"`
	} `json:"entries"`
}
