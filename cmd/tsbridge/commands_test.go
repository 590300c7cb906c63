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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/tsbridge/services/tsbridge/config"
)

func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	for _, env := range []string{config.EnvTSServer, config.EnvProjectRoot, config.EnvLogLevel, config.EnvLogFile, config.EnvAdminAddr} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "tsbridge dev"))
}

func TestConfigInitThenPrint(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "tsbridge.yaml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	_, err = execute(t, "config", "init", path)
	assert.ErrorIs(t, err, config.ErrConfigExists)

	root := t.TempDir()
	out, err = execute(t, "config", "print",
		"--config", path,
		"--project-root", root,
		"--tsserver", "/opt/tsserver",
		"--log-level", "debug",
	)
	require.NoError(t, err)

	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	assert.Equal(t, root, cfg.TSServer.ProjectRoot)
	assert.Equal(t, "/opt/tsserver", cfg.TSServer.Command)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestConfigPrint_InvalidFlag(t *testing.T) {
	isolate(t)

	_, err := execute(t, "config", "print", "--log-level", "verbose")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestConfigPath(t *testing.T) {
	isolate(t)

	out, err := execute(t, "config", "path")
	require.NoError(t, err)
	want, err := config.DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, want+"\n", out)
}

func TestLoadConfig_ServeFlags(t *testing.T) {
	isolate(t)

	cmd := newRootCmd()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--admin-addr", "127.0.0.1:0", "--no-watch"}))

	f := &flags{adminAddr: "127.0.0.1:0", noWatch: true}
	cfg, err := loadConfig(serve, f)
	require.NoError(t, err)
	assert.True(t, cfg.Admin.Enabled)
	assert.Equal(t, "127.0.0.1:0", cfg.Admin.Addr)
	assert.False(t, cfg.Watch.Enabled)
}
