// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mcpserver exposes the tsserver tools over the Model Context
// Protocol.
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AleutianAI/tsbridge/services/tsbridge/tools"
)

const instructions = `Tools backed by the TypeScript language service of one project.
Positions are 1-based line and column. File paths may be absolute or relative
to the project root; results use paths relative to the root where possible.`

// Options configures the server.
type Options struct {
	Name    string
	Version string
	Logger  *slog.Logger
}

// Server is an MCP server with every tsserver tool registered.
type Server struct {
	server *mcp.Server
	logger *slog.Logger
}

// New creates a server that answers tool calls with ts.
func New(ts *tools.Toolset, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "tsbridge"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		server: mcp.NewServer(&mcp.Implementation{
			Name:    opts.Name,
			Version: opts.Version,
		}, &mcp.ServerOptions{
			Instructions: instructions,
		}),
		logger: opts.Logger,
	}
	s.registerTools(ts)
	return s
}

// Run serves MCP over stdin and stdout until ctx is done or the client
// disconnects.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Serving MCP over stdio")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// Connect serves one session over transport. Used by tests with in-memory
// transports.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.server.Connect(ctx, transport, nil)
}

func (s *Server) registerTools(ts *tools.Toolset) {
	addTool(s, "ts_definition",
		"Find where the symbol at a position is defined.",
		ts.Definition)
	addTool(s, "ts_references",
		"Find every reference to the symbol at a position, including its declaration.",
		ts.References)
	addTool(s, "ts_hover",
		"Show the type signature and documentation of the symbol at a position.",
		ts.Hover)
	addTool(s, "ts_diagnostics",
		"List syntactic, semantic and suggestion diagnostics for a file.",
		ts.Diagnostics)
	addTool(s, "ts_rename",
		"List every location a rename of the symbol at a position would change. Does not edit files.",
		ts.Rename)
	addTool(s, "ts_workspace_symbols",
		"Search symbols by name across the project.",
		ts.WorkspaceSymbols)
	addTool(s, "ts_outline",
		"Show the declarations of a file as a flattened tree.",
		ts.Outline)
	addTool(s, "ts_completions",
		"List completions at a position.",
		ts.Completions)
	addTool(s, "ts_reload_projects",
		"Reload every project from disk after tsconfig or package changes.",
		ts.ReloadProjects)
}

// addTool registers fn under name. Errors from fn are returned to the
// client as tool errors, and a panic becomes one too.
func addTool[In, Out any](s *Server, name, description string, fn func(context.Context, In) (Out, error)) {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        name,
		Description: description,
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in In) (res *mcp.CallToolResult, out Out, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic in tool handler",
					slog.String("tool", name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("internal error in %s", name)
			}
		}()

		out, err = fn(ctx, in)
		return nil, out, err
	})
}
