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
	"sort"
)

// Rename reports whether the symbol at a position can be renamed and every
// span the rename would rewrite. Nothing is edited.
func (t *Toolset) Rename(ctx context.Context, in RenameInput) (RenameOutput, error) {
	out := RenameOutput{Locations: []Span{}, NewName: in.NewName}
	err := t.run(ctx, "ts_rename", func(c *call) (int, error) {
		if err := checkPosition(in.Line, in.Column); err != nil {
			return 0, err
		}
		return t.withFile(c, in.File, func(path string) (int, error) {
			var body renameBody
			args := renameArgs{File: path, Line: in.Line, Offset: in.Column}
			if err := t.send(c, "rename", args, &body); err != nil {
				return 0, err
			}

			out.CanRename = body.Info.CanRename
			out.DisplayName = body.Info.DisplayName
			if !out.CanRename {
				out.Reason = body.Info.LocalizedErrorMessage
				return 0, nil
			}

			for _, group := range body.Locs {
				for _, s := range group.Locs {
					out.Locations = append(out.Locations, t.toSpan(group.File, s))
				}
			}
			sort.SliceStable(out.Locations, func(i, j int) bool {
				a, b := out.Locations[i], out.Locations[j]
				if a.File != b.File {
					return a.File < b.File
				}
				if a.Line != b.Line {
					return a.Line < b.Line
				}
				return a.Column < b.Column
			})
			return len(out.Locations), nil
		})
	})
	return out, err
}

// ReloadProjects asks tsserver to reload every project from disk. tsserver
// does not answer the command, so this returns once it is written.
func (t *Toolset) ReloadProjects(ctx context.Context, _ ReloadInput) (ReloadOutput, error) {
	var out ReloadOutput
	err := t.run(ctx, "ts_reload_projects", func(c *call) (int, error) {
		if err := t.session.Notify(c.ctx, "reloadProjects", nil); err != nil {
			return 0, err
		}
		out.Requested = true
		return 1, nil
	})
	return out, err
}
