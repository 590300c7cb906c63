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
	"log/slog"
	"regexp"
	"strconv"
)

// headerPattern matches a complete length header at the start of the buffer.
var headerPattern = regexp.MustCompile(`^Content-Length: (\d+)\r?\n\r?\n`)

// maxLoggedPayload bounds the payload excerpt attached to framing errors.
const maxLoggedPayload = 256

// Framer extracts length-prefixed messages from an arbitrarily chunked stream.
//
// Description:
//
//	Chunks may split a header or a body at any byte, or carry several
//	complete frames. Feed keeps the unconsumed tail and yields every
//	message that became complete. A frame whose payload is not valid JSON
//	is logged and skipped; the stream continues after it.
//
// Thread Safety:
//
//	Not safe for concurrent use. The client's read goroutine is the only
//	caller.
type Framer struct {
	buf    []byte
	logger *slog.Logger

	// onError receives framing errors; used by metrics.
	onError func(*FramingError)
}

// NewFramer creates an empty framer. A nil logger uses slog.Default().
func NewFramer(logger *slog.Logger) *Framer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Framer{logger: logger}
}

// Feed appends chunk to the buffer and returns all complete messages.
//
// Inputs:
//
//	chunk - Bytes read from the process output. May be empty.
//
// Outputs:
//
//	[]Message - Zero or more messages, in stream order.
func (f *Framer) Feed(chunk []byte) []Message {
	f.buf = append(f.buf, chunk...)

	var out []Message
	for {
		loc := headerPattern.FindSubmatchIndex(f.buf)
		if loc == nil {
			break
		}

		n, err := strconv.Atoi(string(f.buf[loc[2]:loc[3]]))
		if err != nil {
			// Only reachable on overflow; the digits can never become valid.
			f.logger.Warn("Discarding unparseable tsserver frame header",
				slog.String("header", string(f.buf[:loc[1]])),
			)
			f.consume(loc[1])
			continue
		}

		headerLen := loc[1]
		if len(f.buf) < headerLen+n {
			break
		}

		payload := f.buf[headerLen : headerLen+n]
		msg, decodeErr := decodeMessage(payload)
		if decodeErr != nil {
			f.reportError(payload, decodeErr)
		} else {
			out = append(out, msg)
		}
		f.consume(headerLen + n)
	}
	return out
}

// Buffered returns the number of bytes held waiting for more data.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// consume drops n bytes from the front of the buffer.
func (f *Framer) consume(n int) {
	rest := len(f.buf) - n
	if rest == 0 {
		f.buf = f.buf[:0]
		return
	}
	// Compact so a long-lived stream does not pin old backing arrays.
	copy(f.buf, f.buf[n:])
	f.buf = f.buf[:rest]
}

func (f *Framer) reportError(payload []byte, err error) {
	excerpt := string(payload)
	if len(excerpt) > maxLoggedPayload {
		excerpt = excerpt[:maxLoggedPayload]
	}
	fe := &FramingError{Payload: excerpt, Err: err}
	f.logger.Warn("Dropping malformed tsserver message",
		slog.String("error", fe.Error()),
	)
	if f.onError != nil {
		f.onError(fe)
	}
}
