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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// =============================================================================
// TIMEOUTS
// =============================================================================

// Timeouts holds the per-command response budgets.
type Timeouts struct {
	// Request is the budget for ordinary commands.
	Request time.Duration

	// Open is the budget for the "open" command, which may trigger a full
	// project load inside tsserver.
	Open time.Duration

	// PerCommand overrides both defaults for specific commands.
	PerCommand map[string]time.Duration
}

// DefaultTimeouts returns 30s for queries and 60s for file opens.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Request: 30 * time.Second,
		Open:    60 * time.Second,
	}
}

// For returns the budget for command.
func (t Timeouts) For(command string) time.Duration {
	if d, ok := t.PerCommand[command]; ok && d > 0 {
		return d
	}
	if command == "open" && t.Open > 0 {
		return t.Open
	}
	return t.Request
}

// =============================================================================
// CORRELATOR
// =============================================================================

// result is delivered exactly once to a pending request.
type result struct {
	body json.RawMessage
	err  error
}

// pendingRequest is one in-flight request awaiting its response.
type pendingRequest struct {
	seq      int
	command  string
	issuedAt time.Time
	timer    *time.Timer

	// done has capacity 1 and receives exactly one result.
	done chan result
}

// correlator matches responses to pending requests by sequence number.
//
// The mutex guards the sequence counter and the pending map as one critical
// section. Whoever removes an entry from the map delivers its result; a
// response, a timer, a context cancellation and Stop all race through
// take, and only the first one wins.
type correlator struct {
	mu       sync.Mutex
	nextSeq  int
	pending  map[int]*pendingRequest
	timeouts Timeouts
	logger   *slog.Logger
}

func newCorrelator(timeouts Timeouts, logger *slog.Logger) *correlator {
	if logger == nil {
		logger = slog.Default()
	}
	return &correlator{
		pending:  make(map[int]*pendingRequest),
		timeouts: timeouts,
		logger:   logger,
	}
}

// allocate returns the next sequence number without registering a pending
// entry. Used for fire-and-forget commands.
func (c *correlator) allocate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	return c.nextSeq
}

// register allocates a sequence number, records the pending entry and arms
// its timeout.
func (c *correlator) register(command string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSeq++
	p := &pendingRequest{
		seq:      c.nextSeq,
		command:  command,
		issuedAt: time.Now(),
		done:     make(chan result, 1),
	}
	c.pending[p.seq] = p

	budget := c.timeouts.For(command)
	if budget > 0 {
		seq := p.seq
		p.timer = time.AfterFunc(budget, func() { c.expire(seq, budget) })
	}
	return p
}

// take removes the entry for seq. The caller that gets ok == true owns
// delivery of the result.
func (c *correlator) take(seq int) (*pendingRequest, bool) {
	c.mu.Lock()
	p, ok := c.pending[seq]
	if ok {
		delete(c.pending, seq)
	}
	c.mu.Unlock()

	if ok && p.timer != nil {
		p.timer.Stop()
	}
	return p, ok
}

// resolve completes the request answered by resp. It returns false for
// late or unknown responses.
func (c *correlator) resolve(resp *Response) bool {
	p, ok := c.take(resp.RequestSeq)
	if !ok {
		return false
	}

	if resp.Success {
		p.done <- result{body: resp.Body}
		return true
	}

	msg := resp.Message
	if msg == "" {
		msg = "no error message"
	}
	p.done <- result{err: &RequestFailedError{
		Command: p.command,
		Seq:     p.seq,
		Message: msg,
	}}
	return true
}

// expire fails seq with ErrRequestTimeout if it is still pending.
func (c *correlator) expire(seq int, budget time.Duration) {
	p, ok := c.take(seq)
	if !ok {
		return
	}
	c.logger.Warn("tsserver request timed out",
		slog.String("command", p.command),
		slog.Int("seq", seq),
		slog.Duration("budget", budget),
	)
	p.done <- result{err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, p.command, budget)}
}

// cancel fails seq with err if it is still pending.
func (c *correlator) cancel(seq int, err error) bool {
	p, ok := c.take(seq)
	if !ok {
		return false
	}
	p.done <- result{err: err}
	return true
}

// cancelAll fails every pending request with err and returns how many were
// cancelled.
func (c *correlator) cancelAll(err error) int {
	c.mu.Lock()
	all := c.pending
	c.pending = make(map[int]*pendingRequest)
	c.mu.Unlock()

	for _, p := range all {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- result{err: err}
	}
	return len(all)
}

// len returns the number of pending requests.
func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
