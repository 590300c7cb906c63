// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/tsbridge/services/tsbridge/tsserver"
)

// eventBuffer is how many events a slow websocket client may fall behind
// before events are dropped for it.
const eventBuffer = 256

const writeTimeout = 5 * time.Second

// EventMessage is one tsserver event as sent to websocket clients.
type EventMessage struct {
	Name       string          `json:"name"`
	Body       json.RawMessage `json:"body,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleEvents streams tsserver events to a websocket client.
//
// An optional ?names=a,b query limits the stream to those event names.
// Events are delivered on the tsserver read goroutine, so the handler only
// enqueues; a client that falls more than eventBuffer behind loses events
// rather than stalling tsserver.
func (s *Server) handleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade events websocket", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	var names []string
	if q := c.Query("names"); q != "" {
		for _, n := range strings.Split(q, ",") {
			if n = strings.TrimSpace(n); n != "" {
				names = append(names, n)
			}
		}
	}

	queue := make(chan EventMessage, eventBuffer)
	var dropped atomic.Int64
	id := s.src.Subscribe(func(evt tsserver.Event) {
		msg := EventMessage{Name: evt.Name, Body: evt.Body, ReceivedAt: time.Now().UTC()}
		select {
		case queue <- msg:
		default:
			dropped.Add(1)
		}
	}, names...)
	defer s.src.Unsubscribe(id)

	s.logger.Info("Events client connected",
		slog.String("subscription", id),
		slog.String("remote", c.Request.RemoteAddr),
	)

	// The client never sends anything we act on; reading detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			s.logger.Info("Events client disconnected",
				slog.String("subscription", id),
				slog.Int64("dropped", dropped.Load()),
			)
			return
		case <-c.Request.Context().Done():
			return
		case msg := <-queue:
			_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(msg); err != nil {
				s.logger.Debug("Failed to write event", slog.String("error", err.Error()))
				return
			}
		}
	}
}
