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
)

// =============================================================================
// OUTBOUND
// =============================================================================

// Request is the outbound request frame.
//
// tsserver reads one JSON object per line on stdin; requests carry no
// length header.
type Request struct {
	// Seq is the client-assigned sequence number echoed back as request_seq.
	Seq int `json:"seq"`

	// Type is always "request".
	Type string `json:"type"`

	// Command is the tsserver command name (e.g., "definition").
	Command string `json:"command"`

	// Arguments is the command payload. Omitted when nil.
	Arguments any `json:"arguments,omitempty"`
}

// encodeRequest marshals a request into a newline-terminated frame.
func encodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", req.Command, err)
	}
	return append(data, '\n'), nil
}

// =============================================================================
// INBOUND
// =============================================================================

// MessageKind discriminates the Message variant.
type MessageKind int

const (
	// MessageResponse is a reply correlated to a request by request_seq.
	MessageResponse MessageKind = iota

	// MessageEvent is an unsolicited push message.
	MessageEvent
)

// String returns the wire name of the kind.
func (k MessageKind) String() string {
	switch k {
	case MessageResponse:
		return "response"
	case MessageEvent:
		return "event"
	default:
		return "unknown"
	}
}

// Response is a decoded response frame.
type Response struct {
	// Seq is the server's own sequence number for the frame.
	Seq int

	// RequestSeq is the sequence number of the request being answered.
	RequestSeq int

	// Command echoes the request command.
	Command string

	// Success is false when the server rejected the request.
	Success bool

	// Message is the diagnostic text on failure.
	Message string

	// Body is the raw success payload, possibly empty.
	Body json.RawMessage
}

// Event is a decoded event frame.
type Event struct {
	// Seq is the server's sequence number for the frame.
	Seq int `json:"seq"`

	// Name is the event name (e.g., "projectLoadingFinish").
	Name string `json:"name"`

	// Body is the raw event payload, possibly empty.
	Body json.RawMessage `json:"body,omitempty"`
}

// Message is a single inbound frame: exactly one of Response or Event is set,
// according to Kind.
type Message struct {
	Kind     MessageKind
	Response *Response
	Event    *Event
}

// envelope is the union of all fields consumed from inbound frames.
type envelope struct {
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	RequestSeq int             `json:"request_seq"`
	Command    string          `json:"command"`
	Success    bool            `json:"success"`
	Message    string          `json:"message"`
	Event      string          `json:"event"`
	Body       json.RawMessage `json:"body"`
}

// decodeMessage parses one framed payload.
func decodeMessage(payload []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, err
	}

	switch env.Type {
	case "response":
		return Message{
			Kind: MessageResponse,
			Response: &Response{
				Seq:        env.Seq,
				RequestSeq: env.RequestSeq,
				Command:    env.Command,
				Success:    env.Success,
				Message:    env.Message,
				Body:       env.Body,
			},
		}, nil
	case "event":
		return Message{
			Kind: MessageEvent,
			Event: &Event{
				Seq:  env.Seq,
				Name: env.Event,
				Body: env.Body,
			},
		}, nil
	default:
		return Message{}, fmt.Errorf("unknown message type %q", env.Type)
	}
}
