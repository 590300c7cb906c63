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
	"errors"
	"fmt"
)

// Sentinel errors for tsserver operations.
var (
	// ErrAlreadyStarted indicates Start was called on a client that has left
	// the not-started state.
	ErrAlreadyStarted = errors.New("tsserver already started")

	// ErrNotStarted indicates an operation was attempted while the process is
	// not accepting requests.
	ErrNotStarted = errors.New("tsserver not started")

	// ErrRequestFailed is matched by every *RequestFailedError.
	ErrRequestFailed = errors.New("tsserver request failed")

	// ErrRequestTimeout indicates no response arrived within the command's budget.
	ErrRequestTimeout = errors.New("tsserver request timeout")

	// ErrRequestCancelled indicates the request was abandoned before a response
	// arrived, either by Stop, a crash, or the caller's context.
	ErrRequestCancelled = errors.New("tsserver request cancelled")

	// ErrProcessCrashed indicates the tsserver process exited without Stop.
	ErrProcessCrashed = errors.New("tsserver process crashed")

	// ErrNilContext is returned when a nil context is passed to a blocking call.
	ErrNilContext = errors.New("ctx must not be nil")

	// ErrNotInstalled indicates the tsserver executable could not be found.
	ErrNotInstalled = errors.New("tsserver executable not found")
)

// RequestFailedError is returned when tsserver answers a request with
// success:false.
type RequestFailedError struct {
	// Command is the tsserver command that failed.
	Command string

	// Seq is the sequence number of the failed attempt.
	Seq int

	// Message is the diagnostic text reported by tsserver.
	Message string
}

// Error implements the error interface.
func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("tsserver %s (seq %d) failed: %s", e.Command, e.Seq, e.Message)
}

// Is reports whether target is ErrRequestFailed.
func (e *RequestFailedError) Is(target error) bool {
	return target == ErrRequestFailed
}

// FramingError describes a correctly length-delimited frame whose payload
// could not be decoded. It is logged and the frame is skipped.
type FramingError struct {
	// Payload is the raw frame content, truncated for logging.
	Payload string

	// Err is the underlying decode error.
	Err error
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	return fmt.Sprintf("malformed tsserver frame %q: %v", e.Payload, e.Err)
}

// Unwrap returns the decode error.
func (e *FramingError) Unwrap() error {
	return e.Err
}

// ExitError carries the exit status of a crashed process.
type ExitError struct {
	// Err is the error returned by the process wait.
	Err error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err == nil {
		return ErrProcessCrashed.Error() + ": exited with status 0"
	}
	return fmt.Sprintf("%s: %v", ErrProcessCrashed, e.Err)
}

// Is reports whether target is ErrProcessCrashed.
func (e *ExitError) Is(target error) bool {
	return target == ErrProcessCrashed
}

// Unwrap returns the wait error.
func (e *ExitError) Unwrap() error {
	return e.Err
}
