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
	"regexp"
	"time"
)

// DefaultRecoverableSignature matches the internal assertion failures that
// tsserver reports when its file state is mutated underneath a request.
const DefaultRecoverableSignature = `Debug Failure`

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy re-issues requests that failed with a recoverable signature.
//
// Description:
//
//	Only a *RequestFailedError whose message matches Signature is retried.
//	Timeouts, cancellations and ordinary failures propagate immediately.
//	The delay before retry n (0-based) is min(BaseDelay * 2^n, MaxDelay).
//	Each retry goes out with a fresh sequence number.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type RetryPolicy struct {
	// MaxRetries bounds the number of re-issues. Zero disables retry.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps every delay.
	MaxDelay time.Duration

	// Signature selects retryable failure messages. Nil disables retry.
	Signature *regexp.Regexp

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(command string, attempt int, delay time.Duration, err error)
}

// DefaultRetryPolicy returns 3 retries, 100ms base and a 2s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Signature:  regexp.MustCompile(DefaultRecoverableSignature),
	}
}

// Delay returns the backoff before retry attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retryable reports whether err carries the recoverable signature.
func (p RetryPolicy) Retryable(err error) bool {
	if p.Signature == nil {
		return false
	}
	var failed *RequestFailedError
	if !errors.As(err, &failed) {
		return false
	}
	return p.Signature.MatchString(failed.Message)
}

// Do runs attempt until it succeeds, fails without the signature, or the
// retry ceiling is reached.
//
// Inputs:
//
//	ctx - Context for the backoff sleeps
//	command - Command name, for OnRetry
//	attempt - Issues one request and returns its outcome
//
// Outputs:
//
//	json.RawMessage - Body of the first successful attempt
//	error - The last failure, unchanged, or ErrRequestCancelled if ctx ended
//	        during a backoff
func (p RetryPolicy) Do(ctx context.Context, command string, attempt func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	for n := 0; ; n++ {
		body, err := attempt(ctx)
		if err == nil {
			return body, nil
		}
		if n >= p.MaxRetries || !p.Retryable(err) {
			return nil, err
		}

		delay := p.Delay(n)
		if p.OnRetry != nil {
			p.OnRetry(command, n+1, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w (last error: %v)", ErrRequestCancelled, ctx.Err(), err)
		case <-timer.C:
		}
	}
}
