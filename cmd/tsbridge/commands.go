// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/tsbridge/services/tsbridge/config"
)

// Set with -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

// flags holds overrides shared by the commands that load configuration.
type flags struct {
	configPath  string
	projectRoot string
	tsserver    string
	logLevel    string
	logFile     string
	adminAddr   string
	noWatch     bool
	eager       bool
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "tsbridge",
		Short: "Serve TypeScript language tools to agents over MCP",
		Long: `tsbridge runs tsserver for one project and exposes definition,
references, hover, diagnostics, rename and other language tools to agents
over the Model Context Protocol on stdin and stdout.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&f.configPath, "config", "", "config file (default is the user config dir)")
	root.PersistentFlags().StringVar(&f.projectRoot, "project-root", "", "project root tsserver runs in")
	root.PersistentFlags().StringVar(&f.tsserver, "tsserver", "", "tsserver executable")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	root.PersistentFlags().StringVar(&f.logFile, "log-file", "", "write rotated JSON logs to this file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve MCP on stdin and stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, f)
		},
	}
	serveCmd.Flags().StringVar(&f.adminAddr, "admin-addr", "", "enable the admin HTTP server on this address")
	serveCmd.Flags().BoolVar(&f.noWatch, "no-watch", false, "do not watch project configuration files")
	serveCmd.Flags().BoolVar(&f.eager, "eager", false, "start tsserver immediately instead of on first use")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	configCmd.AddCommand(
		&cobra.Command{
			Use:   "print",
			Short: "Print the effective configuration",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runConfigPrint(cmd, f)
			},
		},
		&cobra.Command{
			Use:   "init [path]",
			Short: "Write the default configuration",
			Args:  cobra.MaximumNArgs(1),
			RunE:  runConfigInit,
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the default configuration path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := config.DefaultPath()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
	)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tsbridge %s (commit %s, %s %s/%s)\n",
				version, commit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}

	root.AddCommand(serveCmd, configCmd, versionCmd)
	return root
}

// loadConfig loads the file and environment, then applies flags that were
// set explicitly.
func loadConfig(cmd *cobra.Command, f *flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}

	changed := func(name string) bool {
		fl := cmd.Flags().Lookup(name)
		return fl != nil && fl.Changed
	}
	if changed("project-root") {
		cfg.TSServer.ProjectRoot = f.projectRoot
	}
	if changed("tsserver") {
		cfg.TSServer.Command = f.tsserver
	}
	if changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if changed("admin-addr") {
		cfg.Admin.Enabled = f.adminAddr != ""
		cfg.Admin.Addr = f.adminAddr
	}
	if changed("no-watch") && f.noWatch {
		cfg.Watch.Enabled = false
	}

	if err := cfg.Normalize(); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
