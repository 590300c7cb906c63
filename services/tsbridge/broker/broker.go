// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/tsbridge/services/tsbridge/tsserver"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// Options configures a Broker.
type Options struct {
	// MaxRestarts is how many crash restarts are allowed per RestartWindow.
	// The first spawn and spawns after an idle stop are not counted.
	MaxRestarts int

	// RestartWindow is the period over which MaxRestarts refills.
	RestartWindow time.Duration

	// StartupTimeout bounds Start of a new client, including warm-up.
	StartupTimeout time.Duration

	// IdleTimeout stops tsserver after this long without requests. Zero
	// disables idle stops.
	IdleTimeout time.Duration

	// Logger receives broker and client diagnostics.
	Logger *slog.Logger
}

// DefaultOptions returns five restarts per minute and no idle stop.
func DefaultOptions() Options {
	return Options{
		MaxRestarts:    5,
		RestartWindow:  time.Minute,
		StartupTimeout: 30 * time.Second,
	}
}

// Health is a point-in-time view of the broker for the admin surface.
type Health struct {
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Pending   int       `json:"pending"`
	OpenFiles int       `json:"open_files"`
	Events    uint64    `json:"events"`
	Spawns    int       `json:"spawns"`
	Crashes   int       `json:"crashes"`
	LastCrash string    `json:"last_crash,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
}

// =============================================================================
// BROKER
// =============================================================================

// Broker owns the current tsserver client and replaces it after a crash.
//
// Description:
//
//	The client is spawned lazily on first use. When it crashes, in-flight
//	requests fail and the next request spawns a fresh client, subject to a
//	rate-limited restart budget so a server that dies on startup is not
//	respawned in a tight loop. Event subscriptions live on a bus shared by
//	every client the broker creates.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Broker struct {
	cfg     tsserver.Config
	opts    Options
	bus     *tsserver.EventBus
	limiter *rate.Limiter
	logger  *slog.Logger

	mu        sync.RWMutex
	client    *tsserver.Client
	closed    bool
	crashed   bool
	spawns    int
	crashes   int
	lastCrash string
	lastUsed  time.Time

	startMu sync.Mutex

	stopped  chan struct{}
	stopOnce sync.Once
}

// New creates a broker. No process is started until first use.
func New(cfg tsserver.Config, opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRestarts <= 0 {
		opts.MaxRestarts = 1
	}
	if opts.RestartWindow <= 0 {
		opts.RestartWindow = time.Minute
	}
	return &Broker{
		cfg:     cfg,
		opts:    opts,
		bus:     tsserver.NewEventBus(),
		limiter: rate.NewLimiter(rate.Every(opts.RestartWindow/time.Duration(opts.MaxRestarts)), opts.MaxRestarts),
		logger:  opts.Logger,
		stopped: make(chan struct{}),
	}
}

// Client returns a running client, spawning one if needed.
//
// Description:
//
//	Returns the current client if it is running. Otherwise starts a new
//	one, using double-checked locking so concurrent callers share a single
//	spawn.
//
// Errors:
//
//	ErrBrokerClosed - Close was called
//	ErrRestartBudgetExhausted - Too many crash restarts in the window
//	tsserver.ErrNotInstalled - The executable is missing
func (b *Broker) Client(ctx context.Context) (*tsserver.Client, error) {
	if ctx == nil {
		return nil, tsserver.ErrNilContext
	}

	// Fast path: already running.
	if c, err := b.current(); c != nil || err != nil {
		return c, err
	}

	b.startMu.Lock()
	defer b.startMu.Unlock()

	// Double-check after acquiring the lock.
	if c, err := b.current(); c != nil || err != nil {
		return c, err
	}

	b.mu.Lock()
	if b.client != nil {
		// Stopped but not yet reaped by watch.
		b.reapLocked(b.client)
	}
	afterCrash := b.crashed
	b.mu.Unlock()

	if afterCrash && !b.limiter.Allow() {
		return nil, fmt.Errorf("%w: more than %d in %s", ErrRestartBudgetExhausted, b.opts.MaxRestarts, b.opts.RestartWindow)
	}

	c := tsserver.NewClient(b.cfg, tsserver.WithLogger(b.logger), tsserver.WithEventBus(b.bus))

	startCtx := ctx
	if b.opts.StartupTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, b.opts.StartupTimeout)
		defer cancel()
	}
	if err := c.Start(startCtx); err != nil {
		b.logger.Error("Failed to start tsserver", slog.String("error", err.Error()))
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = c.Stop(context.Background())
		return nil, ErrBrokerClosed
	}
	b.client = c
	b.crashed = false
	b.spawns++
	b.lastUsed = time.Now()
	spawns := b.spawns
	b.mu.Unlock()

	if spawns > 1 {
		b.logger.Info("tsserver respawned", slog.Int("spawns", spawns))
	}

	go b.watch(c)
	return c, nil
}

// current returns the running client, or nil if a spawn is needed.
func (b *Broker) current() (*tsserver.Client, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrBrokerClosed
	}
	if b.client != nil && b.client.State() == tsserver.StateRunning {
		return b.client, nil
	}
	return nil, nil
}

// watch clears c from the broker once it stops.
func (b *Broker) watch(c *tsserver.Client) {
	<-c.Done()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.reapLocked(c)
}

// reapLocked forgets c if it is still current, counting a crash if it
// died. Callers hold b.mu.
func (b *Broker) reapLocked(c *tsserver.Client) {
	if b.client != c {
		return
	}
	b.client = nil
	if err := c.Err(); err != nil {
		b.crashed = true
		b.crashes++
		b.lastCrash = err.Error()
		b.logger.Warn("tsserver crashed, will respawn on next request",
			slog.String("error", err.Error()),
			slog.Int("crashes", b.crashes),
		)
	}
}

func (b *Broker) touch() {
	b.mu.Lock()
	b.lastUsed = time.Now()
	b.mu.Unlock()
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// Send issues command on the current client.
func (b *Broker) Send(ctx context.Context, command string, args any) (json.RawMessage, error) {
	c, err := b.Client(ctx)
	if err != nil {
		return nil, err
	}
	b.touch()
	return c.Send(ctx, command, args)
}

// Notify writes command without waiting for a response.
func (b *Broker) Notify(ctx context.Context, command string, args any) error {
	c, err := b.Client(ctx)
	if err != nil {
		return err
	}
	b.touch()
	return c.Notify(command, args)
}

// NotifyRunning writes command to the running client and does nothing when
// none is running. A freshly spawned tsserver reads the project from disk
// anyway, so there is nothing to tell it.
func (b *Broker) NotifyRunning(ctx context.Context, command string, args any) error {
	if ctx == nil {
		return tsserver.ErrNilContext
	}
	c, err := b.current()
	if err != nil || c == nil {
		return err
	}
	return c.Notify(command, args)
}

// OpenFile opens path on the current client.
func (b *Broker) OpenFile(ctx context.Context, path string) error {
	c, err := b.Client(ctx)
	if err != nil {
		return err
	}
	b.touch()
	return c.OpenFile(ctx, path)
}

// CloseFile closes path on the current client. With no running client
// there is nothing open, so it is a no-op.
func (b *Broker) CloseFile(ctx context.Context, path string) error {
	c, err := b.current()
	if err != nil || c == nil {
		return err
	}
	return c.CloseFile(ctx, path)
}

// ProjectRoot returns the project root tsserver runs in.
func (b *Broker) ProjectRoot() string {
	return b.cfg.ProjectRoot
}

// Subscribe registers handler on the shared event bus.
func (b *Broker) Subscribe(handler tsserver.EventHandler, names ...string) string {
	return b.bus.Subscribe(handler, names...)
}

// Unsubscribe removes a subscription from the shared event bus.
func (b *Broker) Unsubscribe(id string) bool {
	return b.bus.Unsubscribe(id)
}

// Health reports the broker and current client state.
func (b *Broker) Health() Health {
	b.mu.RLock()
	c := b.client
	h := Health{
		Spawns:    b.spawns,
		Crashes:   b.crashes,
		LastCrash: b.lastCrash,
	}
	closed := b.closed
	b.mu.RUnlock()

	if c == nil {
		h.State = tsserver.StateNotStarted.String()
		if closed {
			h.State = tsserver.StateStopped.String()
		}
		return h
	}

	s := c.Stats()
	h.State = s.State.String()
	h.PID = s.PID
	h.Pending = s.Pending
	h.OpenFiles = s.OpenFiles
	h.Events = s.Events
	h.StartedAt = s.StartedAt
	return h
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// StartIdleMonitor stops tsserver after IdleTimeout without use. The next
// request spawns it again.
func (b *Broker) StartIdleMonitor() {
	if b.opts.IdleTimeout <= 0 {
		return
	}

	go func() {
		interval := b.opts.IdleTimeout / 2
		if interval < 10*time.Millisecond {
			interval = 10 * time.Millisecond
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-b.stopped:
				return
			case <-ticker.C:
				b.stopIdle()
			}
		}
	}()
}

// stopIdle stops the client if it is idle and has no work outstanding.
func (b *Broker) stopIdle() {
	b.startMu.Lock()
	defer b.startMu.Unlock()

	b.mu.Lock()
	c := b.client
	idle := time.Since(b.lastUsed)
	if c == nil || idle <= b.opts.IdleTimeout {
		b.mu.Unlock()
		return
	}
	stats := c.Stats()
	if stats.Pending > 0 || stats.OpenFiles > 0 {
		b.mu.Unlock()
		return
	}
	b.client = nil
	b.mu.Unlock()

	b.logger.Info("Stopping idle tsserver",
		slog.Duration("idle", idle),
		slog.Duration("idle_timeout", b.opts.IdleTimeout),
	)
	_ = c.Stop(context.Background())
}

// Close stops the current client and refuses further use.
func (b *Broker) Close(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stopped) })

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	c := b.client
	b.client = nil
	b.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Stop(ctx)
}
