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
	"log/slog"
)

// diagnosticPasses are run in order. The source name is used when tsserver
// does not attribute a diagnostic itself.
var diagnosticPasses = []struct {
	command string
	source  string
}{
	{"syntacticDiagnosticsSync", "syntactic"},
	{"semanticDiagnosticsSync", "semantic"},
	{"suggestionDiagnosticsSync", "suggestion"},
}

// Diagnostics returns the syntactic, semantic and suggestion diagnostics of
// a file, in that order.
//
// Description:
//
//	A failing syntactic pass fails the call. Later passes that fail are
//	logged and skipped, since tsserver refuses semantic checks for files
//	outside any project while still answering the syntactic pass.
func (t *Toolset) Diagnostics(ctx context.Context, in FileInput) (DiagnosticsOutput, error) {
	out := DiagnosticsOutput{Diagnostics: []Diagnostic{}}
	err := t.run(ctx, "ts_diagnostics", func(c *call) (int, error) {
		return t.withFile(c, in.File, func(path string) (int, error) {
			out.File = t.display(path)

			for i, pass := range diagnosticPasses {
				var diags []diagnosticBody
				if err := t.send(c, pass.command, fileArgs{File: path}, &diags); err != nil {
					if i == 0 {
						return 0, err
					}
					c.logger.Warn("Diagnostics pass failed",
						slog.String("pass", pass.source),
						slog.String("error", err.Error()),
					)
					continue
				}
				for _, d := range diags {
					source := d.Source
					if source == "" {
						source = pass.source
					}
					out.Diagnostics = append(out.Diagnostics, Diagnostic{
						Category:  d.Category,
						Code:      d.Code,
						Message:   d.Text,
						Line:      d.Start.Line,
						Column:    d.Start.Offset,
						EndLine:   d.End.Line,
						EndColumn: d.End.Offset,
						Source:    source,
					})
				}
			}
			return len(out.Diagnostics), nil
		})
	})
	return out, err
}
