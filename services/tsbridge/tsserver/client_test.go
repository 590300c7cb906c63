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
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/tsbridge/services/tsbridge/tsserver/tsservertest"
)

func TestMain(m *testing.M) {
	tsservertest.MaybeRun()
	os.Exit(m.Run())
}

// fakeConfig returns a config that launches the fake tsserver.
func fakeConfig(t *testing.T, mode string) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Command, cfg.Args, cfg.Env = tsservertest.Launch(mode)
	cfg.ProjectRoot = t.TempDir()
	cfg.GracePeriod = time.Second
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func startFake(t *testing.T, cfg Config) *Client {
	t.Helper()
	c := NewClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestClient_StartSendStop(t *testing.T) {
	c := startFake(t, fakeConfig(t, tsservertest.ModeDefault))
	ctx := context.Background()

	assert.Equal(t, StateRunning, c.State())
	assert.NotZero(t, c.Stats().PID)

	body, err := c.Send(ctx, "echo", map[string]int{"line": 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"line":3}`, string(body))

	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, StateStopped, c.State())
	assert.NoError(t, c.Err())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}

	t.Run("stop is idempotent", func(t *testing.T) {
		assert.NoError(t, c.Stop(ctx))
	})

	t.Run("send after stop", func(t *testing.T) {
		_, err := c.Send(ctx, "echo", nil)
		assert.ErrorIs(t, err, ErrNotStarted)
	})
}

func TestClient_StartTwice(t *testing.T) {
	c := startFake(t, fakeConfig(t, tsservertest.ModeDefault))
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestClient_SendBeforeStart(t *testing.T) {
	c := NewClient(fakeConfig(t, tsservertest.ModeDefault))

	_, err := c.Send(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.Zero(t, c.Stats().Pending)
}

func TestClient_NotInstalled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Command = "tsbridge-no-such-tsserver"
	c := NewClient(cfg)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrNotInstalled)
	assert.Equal(t, StateStopped, c.State())
	assert.NoError(t, c.Stop(context.Background()))
}

func TestClient_NilContext(t *testing.T) {
	c := NewClient(fakeConfig(t, tsservertest.ModeDefault))
	//nolint:staticcheck // nil context on purpose
	assert.ErrorIs(t, c.Start(nil), ErrNilContext)
}

func TestClient_StopCancelsPending(t *testing.T) {
	cfg := fakeConfig(t, tsservertest.ModeDefault)
	cfg.FastTest = true
	c := startFake(t, cfg)

	const k = 5
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		go func() {
			_, err := c.Send(context.Background(), "slow", nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return c.Stats().Pending == k }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Stop(context.Background()))

	for i := 0; i < k; i++ {
		err := <-errs
		assert.ErrorIs(t, err, ErrRequestCancelled)
		assert.NotErrorIs(t, err, ErrProcessCrashed)
	}
	assert.Zero(t, c.Stats().Pending)
}

func TestClient_StopKillsUnresponsiveProcess(t *testing.T) {
	cfg := fakeConfig(t, tsservertest.ModeStubborn)
	cfg.FastTest = true
	cfg.GracePeriod = 100 * time.Millisecond
	c := startFake(t, cfg)

	start := time.Now()
	require.NoError(t, c.Stop(context.Background()))

	assert.GreaterOrEqual(t, time.Since(start), cfg.GracePeriod)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Equal(t, StateStopped, c.State())
	assert.NoError(t, c.Err())
}

func TestClient_Crash(t *testing.T) {
	c := startFake(t, fakeConfig(t, tsservertest.ModeDefault))
	ctx := context.Background()

	_, err := c.Send(ctx, "crash", nil)
	assert.ErrorIs(t, err, ErrRequestCancelled)
	assert.ErrorIs(t, err, ErrProcessCrashed)

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after crash")
	}
	assert.ErrorIs(t, c.Err(), ErrProcessCrashed)
	assert.Equal(t, StateStopped, c.State())
	assert.Empty(t, c.OpenFiles())

	_, err = c.Send(ctx, "echo", nil)
	assert.ErrorIs(t, err, ErrNotStarted)
}

// =============================================================================
// REQUESTS
// =============================================================================

func TestClient_RequestFailed(t *testing.T) {
	c := startFake(t, fakeConfig(t, tsservertest.ModeDefault))

	_, err := c.Send(context.Background(), "fail", nil)

	var failed *RequestFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "fail", failed.Command)
	assert.Equal(t, "No project.", failed.Message)
}

func TestClient_RetriesRecoverableFailure(t *testing.T) {
	cfg := fakeConfig(t, tsservertest.ModeDefault)
	var mu sync.Mutex
	var attempts []int
	cfg.Retry.OnRetry = func(_ string, attempt int, _ time.Duration, _ error) {
		mu.Lock()
		attempts = append(attempts, attempt)
		mu.Unlock()
	}
	c := startFake(t, cfg)

	body, err := c.Send(context.Background(), "flaky", nil)
	require.NoError(t, err)
	assert.Equal(t, `"recovered"`, string(body))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestClient_Timeout(t *testing.T) {
	cfg := fakeConfig(t, tsservertest.ModeDefault)
	cfg.Timeouts.PerCommand = map[string]time.Duration{"slow": 100 * time.Millisecond}
	c := startFake(t, cfg)

	start := time.Now()
	_, err := c.Send(context.Background(), "slow", nil)

	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, c.Stats().Pending)
}

func TestClient_ContextCancel(t *testing.T) {
	c := startFake(t, fakeConfig(t, tsservertest.ModeDefault))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, "slow", nil)

	assert.ErrorIs(t, err, ErrRequestCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.Stats().Pending)
}

// deafClient starts a fake that never reads stdin.
func deafClient(t *testing.T) *Client {
	t.Helper()
	cfg := fakeConfig(t, tsservertest.ModeDeaf)
	cfg.FastTest = true
	cfg.GracePeriod = 100 * time.Millisecond
	cfg.Timeouts.Request = 200 * time.Millisecond
	return startFake(t, cfg)
}

// bigArgs is larger than any pipe buffer.
var bigArgs = map[string]string{"text": strings.Repeat("x", 1<<20)}

func TestClient_TimeoutWhileStdinBlocked(t *testing.T) {
	c := deafClient(t)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "quickinfo", bigArgs)
		errs <- err
	}()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(3 * time.Second):
		t.Fatal("Send did not time out while its write was blocked")
	}
	assert.Zero(t, c.Stats().Pending)
}

func TestClient_ContextCancelWhileStdinBlocked(t *testing.T) {
	c := deafClient(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Send(ctx, "quickinfo", bigArgs)
	assert.ErrorIs(t, err, ErrRequestCancelled)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestClient_StopWhileStdinBlocked(t *testing.T) {
	c := deafClient(t)

	errs := make(chan error, 1)
	go func() {
		_, err := c.Send(context.Background(), "quickinfo", bigArgs)
		errs <- err
	}()
	require.Eventually(t, func() bool { return c.Stats().Pending == 1 }, 5*time.Second, 5*time.Millisecond)

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()

	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not force the process down")
	}
	assert.Equal(t, StateStopped, c.State())

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("blocked Send did not return after Stop")
	}
}

func TestClient_ConcurrentSends(t *testing.T) {
	c := startFake(t, fakeConfig(t, tsservertest.ModeDefault))

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body, err := c.Send(context.Background(), "echo", map[string]int{"i": i})
			if assert.NoError(t, err) {
				assert.JSONEq(t, fmt.Sprintf(`{"i":%d}`, i), string(body))
			}
		}(i)
	}
	wg.Wait()
}

// =============================================================================
// FILES AND EVENTS
// =============================================================================

type fakeCounts struct {
	Open           int `json:"open"`
	Close          int `json:"close"`
	ReloadProjects int `json:"reloadProjects"`
}

func counts(t *testing.T, c *Client) fakeCounts {
	t.Helper()
	body, err := c.Send(context.Background(), "counts", nil)
	require.NoError(t, err)
	var fc fakeCounts
	require.NoError(t, json.Unmarshal(body, &fc))
	return fc
}

func TestClient_OpenCloseDedup(t *testing.T) {
	c := startFake(t, fakeConfig(t, tsservertest.ModeDefault))
	ctx := context.Background()

	require.NoError(t, c.OpenFile(ctx, "src/a.ts"))
	require.NoError(t, c.OpenFile(ctx, "src/a.ts"))
	assert.Len(t, c.OpenFiles(), 1)

	require.NoError(t, c.CloseFile(ctx, "src/a.ts"))
	require.NoError(t, c.CloseFile(ctx, "src/a.ts"))
	require.NoError(t, c.CloseFile(ctx, "src/never-opened.ts"))

	assert.Equal(t, fakeCounts{Open: 1, Close: 1}, counts(t, c))
}

func TestClient_Notify(t *testing.T) {
	c := startFake(t, fakeConfig(t, tsservertest.ModeDefault))

	require.NoError(t, c.Notify("reloadProjects", nil))
	assert.Equal(t, 1, counts(t, c).ReloadProjects)

	t.Run("before start", func(t *testing.T) {
		assert.ErrorIs(t, NewClient(fakeConfig(t, tsservertest.ModeDefault)).Notify("reloadProjects", nil), ErrNotStarted)
	})
}

func TestClient_Events(t *testing.T) {
	bus := NewEventBus()
	cfg := fakeConfig(t, tsservertest.ModeDefault)
	c := NewClient(cfg, WithEventBus(bus))
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { _ = c.Stop(context.Background()) })

	got := make(chan Event, 1)
	id := c.Subscribe(func(e Event) { got <- e }, "projectLoadingFinish")
	assert.Equal(t, 1, bus.Len())

	_, err := c.Send(context.Background(), "emit", nil)
	require.NoError(t, err)

	// The event precedes the response on the stream, so it has been
	// delivered by the time Send returns.
	select {
	case e := <-got:
		assert.Equal(t, "projectLoadingFinish", e.Name)
		assert.JSONEq(t, `{"projectName":"/p/tsconfig.json"}`, string(e.Body))
	default:
		t.Fatal("event not delivered")
	}
	assert.Equal(t, uint64(1), c.Stats().Events)
	assert.True(t, c.Unsubscribe(id))
}
