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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// CLIENT STATE
// =============================================================================

// State is the lifecycle state of a Client.
type State int

const (
	// StateNotStarted is the initial state before Start is called.
	StateNotStarted State = iota

	// StateStarting means the process is spawned and the warm-up request
	// has not completed yet.
	StateStarting

	// StateRunning means the client accepts requests.
	StateRunning

	// StateStopping means Stop is in progress.
	StateStopping

	// StateStopped means the process has exited, by Stop or by crashing.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	names := []string{"not_started", "starting", "running", "stopping", "stopped"}
	if int(s) >= 0 && int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config configures a Client. All fields are injected by the caller.
type Config struct {
	// Command is the tsserver executable, resolved through PATH.
	Command string

	// Args are passed to Command.
	Args []string

	// ProjectRoot is the working directory of the process and the base for
	// relative file paths.
	ProjectRoot string

	// Env is appended to the inherited environment.
	Env []string

	// Timeouts are the per-command response budgets.
	Timeouts Timeouts

	// Retry governs re-issue of recoverable failures.
	Retry RetryPolicy

	// GracePeriod is how long Stop waits for a voluntary exit before killing
	// the process.
	GracePeriod time.Duration

	// FastTest skips the warm-up configure request.
	FastTest bool

	// HostInfo is reported to tsserver in the warm-up request.
	HostInfo string

	// Preferences are the user preferences sent in the warm-up request.
	Preferences map[string]any
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Command:     "tsserver",
		Args:        []string{"--disableAutomaticTypingAcquisition"},
		Timeouts:    DefaultTimeouts(),
		Retry:       DefaultRetryPolicy(),
		GracePeriod: 2 * time.Second,
		HostInfo:    "tsbridge",
	}
}

// configureArgs are the arguments of the warm-up "configure" command.
type configureArgs struct {
	HostInfo    string         `json:"hostInfo,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the logger used for process diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEventBus publishes events to bus instead of a private one, so
// subscriptions can outlive a single process.
func WithEventBus(bus *EventBus) Option {
	return func(c *Client) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// Stats is a point-in-time snapshot of a Client.
type Stats struct {
	State         State
	PID           int
	Pending       int
	OpenFiles     int
	Events        uint64
	FramingErrors uint64
	StartedAt     time.Time
}

// =============================================================================
// CLIENT
// =============================================================================

// Client drives one tsserver process.
//
// Description:
//
//	Client spawns tsserver, writes newline-terminated request frames to its
//	stdin, and reads Content-Length framed responses and events from its
//	stdout. Responses are correlated to callers by sequence number, events
//	are republished on the EventBus, and the set of open files is tracked
//	so open and close are never duplicated.
//
//	A Client is single use. Once stopped or crashed, create a new one; the
//	sequence counter and open-file set start over with it.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Client struct {
	cfg    Config
	logger *slog.Logger

	corr     *correlator
	framer   *Framer
	bus      *EventBus
	sessions *SessionTracker

	// mu guards the fields below it.
	mu        sync.Mutex
	state     State
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	exitErr   error
	startedAt time.Time

	// writeMu serializes frames on stdin.
	writeMu sync.Mutex

	exited   chan struct{}
	done     chan struct{}
	doneOnce sync.Once

	events      atomic.Uint64
	framingErrs atomic.Uint64
}

// NewClient creates a client that is not started.
func NewClient(cfg Config, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		logger: slog.Default().With(slog.String("component", "tsserver")),
		state:  StateNotStarted,
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = NewEventBus()
	}

	c.corr = newCorrelator(cfg.Timeouts, c.logger)
	c.framer = NewFramer(c.logger)
	c.framer.onError = func(*FramingError) {
		c.framingErrs.Add(1)
		recordFramingError()
	}
	c.sessions = NewSessionTracker(c.Send, cfg.ProjectRoot)
	return c
}

// Start spawns tsserver and performs the warm-up request.
//
// Description:
//
//	Resolves the executable, starts it with stdin, stdout and stderr piped,
//	and begins reading. Unless FastTest is set, a "configure" request is
//	issued and Start fails if it fails, stopping the process again.
//
// Inputs:
//
//	ctx - Bounds the warm-up request. The process itself outlives ctx.
//
// Outputs:
//
//	error - Non-nil if the process could not be started or warmed up
//
// Errors:
//
//	ErrAlreadyStarted - Start was already called
//	ErrNotInstalled - Command not found
func (c *Client) Start(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	if c.state != StateNotStarted {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.state = StateStarting
	c.mu.Unlock()

	path, err := exec.LookPath(c.cfg.Command)
	if err != nil {
		c.abortStart()
		c.logger.Warn("tsserver not installed", slog.String("command", c.cfg.Command))
		return fmt.Errorf("%w: %s", ErrNotInstalled, c.cfg.Command)
	}

	cmd := exec.Command(path, c.cfg.Args...)
	cmd.Dir = c.cfg.ProjectRoot
	if len(c.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), c.cfg.Env...)
	}
	configureProcess(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.abortStart()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.abortStart()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		c.abortStart()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		recordSpawn(false)
		c.abortStart()
		return fmt.Errorf("start %s: %w", path, err)
	}
	recordSpawn(true)

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.startedAt = time.Now()
	stopRequested := c.state != StateStarting
	c.mu.Unlock()

	c.logger.Info("Started tsserver",
		slog.String("command", path),
		slog.Int("pid", cmd.Process.Pid),
		slog.String("project_root", c.cfg.ProjectRoot),
	)

	// Wait must not run until both pipes are drained.
	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		c.readLoop(stdout)
	}()
	go func() {
		defer streams.Done()
		c.drainStderr(stderr)
	}()
	go func() {
		streams.Wait()
		c.handleExit(cmd.Wait())
	}()

	// Stop arrived before the process existed; it is waiting on the exit.
	if stopRequested {
		_ = killProcess(cmd.Process)
		return fmt.Errorf("%w: stopped during start", ErrRequestCancelled)
	}

	if !c.cfg.FastTest {
		args := configureArgs{HostInfo: c.cfg.HostInfo, Preferences: c.cfg.Preferences}
		if _, err := c.Send(ctx, "configure", args); err != nil {
			_ = c.Stop(context.Background())
			return fmt.Errorf("warm-up configure: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStarting {
		if c.exitErr != nil {
			return c.exitErr
		}
		return fmt.Errorf("%w: stopped during start", ErrRequestCancelled)
	}
	c.state = StateRunning
	return nil
}

// abortStart marks a start that never produced a process as stopped.
func (c *Client) abortStart() {
	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	close(c.exited)
	c.doneOnce.Do(func() { close(c.done) })
}

// Stop shuts tsserver down.
//
// Description:
//
//	Fails every pending request with ErrRequestCancelled, sends the "exit"
//	command, closes stdin and waits up to GracePeriod for the process to
//	exit. If it has not exited by then, or ctx is done first, the process
//	group is killed. Stop returns once the process is gone. Calling Stop on
//	a stopped client is a no-op.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent callers all wait for the exit.
func (c *Client) Stop(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	c.mu.Lock()
	switch c.state {
	case StateNotStarted:
		c.state = StateStopped
		c.mu.Unlock()
		close(c.exited)
		c.doneOnce.Do(func() { close(c.done) })
		return nil
	case StateStopped:
		c.mu.Unlock()
		return nil
	case StateStopping:
		c.mu.Unlock()
		<-c.exited
		return nil
	}
	c.state = StateStopping
	cmd := c.cmd
	stdin := c.stdin
	c.mu.Unlock()

	if n := c.corr.cancelAll(ErrRequestCancelled); n > 0 {
		c.logger.Info("Cancelled pending tsserver requests", slog.Int("count", n))
	}

	grace := time.NewTimer(c.cfg.GracePeriod)
	defer grace.Stop()

	if stdin != nil {
		go c.sendExit(stdin)
	}

	select {
	case <-c.exited:
		c.logger.Info("tsserver exited")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	if stdin != nil {
		// Unblocks any write stuck on a full pipe.
		_ = stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		c.logger.Warn("tsserver did not exit in time, killing",
			slog.Int("pid", cmd.Process.Pid),
			slog.Duration("grace_period", c.cfg.GracePeriod),
		)
		if err := killProcess(cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
			c.logger.Error("Failed to kill tsserver", slog.String("error", err.Error()))
		}
	}
	<-c.exited
	return nil
}

// sendExit asks tsserver to exit and closes stdin. When another frame is
// still being written the "exit" is skipped; tsserver also exits on EOF.
func (c *Client) sendExit(stdin io.WriteCloser) {
	frame, err := encodeRequest(Request{Seq: c.corr.allocate(), Type: "request", Command: "exit"})
	if err == nil && c.writeMu.TryLock() {
		_, _ = stdin.Write(frame)
		c.writeMu.Unlock()
	}
	_ = stdin.Close()
}

// handleExit runs once the process has been reaped.
func (c *Client) handleExit(waitErr error) {
	c.mu.Lock()
	prev := c.state
	c.state = StateStopped
	crashed := prev == StateStarting || prev == StateRunning
	var exitErr error
	if crashed {
		exitErr = &ExitError{Err: waitErr}
		c.exitErr = exitErr
	}
	c.mu.Unlock()

	close(c.exited)

	if crashed {
		recordCrash()
		n := c.corr.cancelAll(fmt.Errorf("%w: %w", ErrRequestCancelled, exitErr))
		c.logger.Error("tsserver exited unexpectedly",
			slog.String("error", exitErr.Error()),
			slog.Int("cancelled_requests", n),
		)
	} else {
		c.corr.cancelAll(ErrRequestCancelled)
	}

	c.sessions.reset()
	c.doneOnce.Do(func() { close(c.done) })
}

// readLoop feeds stdout into the framer and dispatches every message.
func (c *Client) readLoop(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, msg := range c.framer.Feed(buf[:n]) {
				c.dispatch(msg)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.logger.Debug("tsserver stdout read ended", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (c *Client) dispatch(msg Message) {
	switch msg.Kind {
	case MessageResponse:
		if !c.corr.resolve(msg.Response) {
			c.logger.Debug("Discarding unmatched tsserver response",
				slog.Int("request_seq", msg.Response.RequestSeq),
				slog.String("command", msg.Response.Command),
			)
		}
	case MessageEvent:
		c.events.Add(1)
		recordEvent(msg.Event.Name)
		c.bus.Publish(*msg.Event)
	}
}

// drainStderr logs tsserver's stderr line by line.
func (c *Client) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		c.logger.Debug("tsserver stderr", slog.String("line", scanner.Text()))
	}
	// Keep the pipe drained so the process never blocks on a full buffer.
	_, _ = io.Copy(io.Discard, r)
}

// =============================================================================
// REQUESTS
// =============================================================================

// write sends one frame if the client accepts writes.
func (c *Client) write(frame []byte) error {
	c.mu.Lock()
	state := c.state
	stdin := c.stdin
	c.mu.Unlock()

	if state != StateStarting && state != StateRunning {
		return ErrNotStarted
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := stdin.Write(frame); err != nil {
		return fmt.Errorf("write to tsserver: %w", err)
	}
	return nil
}

// sendOnce performs a single request/response exchange.
func (c *Client) sendOnce(ctx context.Context, command string, args any) (json.RawMessage, error) {
	p := c.corr.register(command)

	frame, err := encodeRequest(Request{Seq: p.seq, Type: "request", Command: command, Arguments: args})
	if err != nil {
		return c.abandon(p, err)
	}

	// A tsserver that stopped reading stdin blocks the write, not the caller.
	written := make(chan error, 1)
	go func() { written <- c.write(frame) }()

	for {
		select {
		case err := <-written:
			if err != nil {
				return c.abandon(p, err)
			}
			written = nil
		case r := <-p.done:
			return r.body, r.err
		case <-ctx.Done():
			c.corr.cancel(p.seq, fmt.Errorf("%w: %w", ErrRequestCancelled, ctx.Err()))
			r := <-p.done
			return r.body, r.err
		}
	}
}

// abandon drops p after a failed write. If a response, timeout or
// shutdown settled it first, that outcome wins.
func (c *Client) abandon(p *pendingRequest, err error) (json.RawMessage, error) {
	if _, ok := c.corr.take(p.seq); ok {
		return nil, err
	}
	r := <-p.done
	return r.body, r.err
}

// Send issues command and waits for its response body.
//
// Description:
//
//	Failures carrying the recoverable signature are retried according to
//	the client's RetryPolicy, each attempt with a fresh sequence number.
//	Every other failure is returned unchanged.
//
// Inputs:
//
//	ctx - Cancels the wait; the pending entry is dropped on cancellation
//	command - The tsserver command name
//	args - Marshaled as the "arguments" field; nil omits it
//
// Outputs:
//
//	json.RawMessage - The response body, possibly empty
//	error - *RequestFailedError, ErrRequestTimeout, ErrRequestCancelled or
//	ErrNotStarted, possibly wrapped
func (c *Client) Send(ctx context.Context, command string, args any) (json.RawMessage, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}

	ctx, span := startRequestSpan(ctx, command)
	defer span.End()
	start := time.Now()

	policy := c.cfg.Retry
	hook := policy.OnRetry
	policy.OnRetry = func(command string, attempt int, delay time.Duration, err error) {
		recordRetry(command)
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.String("delay", delay.String()),
		))
		c.logger.Warn("Retrying tsserver request",
			slog.String("command", command),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if hook != nil {
			hook(command, attempt, delay, err)
		}
	}

	body, err := policy.Do(ctx, command, func(ctx context.Context) (json.RawMessage, error) {
		return c.sendOnce(ctx, command, args)
	})

	recordRequest(ctx, command, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return body, err
}

// Notify writes a request frame without waiting for a response. It is for
// commands tsserver never answers, such as "reloadProjects".
func (c *Client) Notify(command string, args any) error {
	frame, err := encodeRequest(Request{Seq: c.corr.allocate(), Type: "request", Command: command, Arguments: args})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// =============================================================================
// FILES AND EVENTS
// =============================================================================

// OpenFile marks path open in tsserver unless it already is.
func (c *Client) OpenFile(ctx context.Context, path string) error {
	_, err := c.sessions.Open(ctx, path)
	return err
}

// CloseFile marks path closed in tsserver if it is open.
func (c *Client) CloseFile(ctx context.Context, path string) error {
	return c.sessions.Close(ctx, path)
}

// OpenFiles returns the canonical paths currently open, sorted.
func (c *Client) OpenFiles() []string {
	return c.sessions.Files()
}

// Subscribe registers handler for the named events, or all events when
// names is empty.
func (c *Client) Subscribe(handler EventHandler, names ...string) string {
	return c.bus.Subscribe(handler, names...)
}

// Unsubscribe removes a subscription.
func (c *Client) Unsubscribe(id string) bool {
	return c.bus.Unsubscribe(id)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the client reaches StateStopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the crash error once the process has exited unexpectedly,
// and nil otherwise. It matches ErrProcessCrashed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitErr
}

// ProjectRoot returns the configured project root.
func (c *Client) ProjectRoot() string {
	return c.cfg.ProjectRoot
}

// Stats returns a snapshot of the client.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	s := Stats{
		State:     c.state,
		StartedAt: c.startedAt,
	}
	if c.cmd != nil && c.cmd.Process != nil && c.state != StateStopped {
		s.PID = c.cmd.Process.Pid
	}
	c.mu.Unlock()

	s.Pending = c.corr.len()
	s.OpenFiles = c.sessions.Len()
	s.Events = c.events.Load()
	s.FramingErrors = c.framingErrs.Load()
	return s
}
