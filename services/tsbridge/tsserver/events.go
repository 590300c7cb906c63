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
	"sync"

	"github.com/google/uuid"
)

// EventHandler receives tsserver events. It runs on the client's read
// goroutine and must not block.
type EventHandler func(evt Event)

// subscription is one registered handler.
type subscription struct {
	id      string
	handler EventHandler

	// names limits delivery to these event names (empty = all).
	names map[string]struct{}
}

// EventBus republishes unsolicited tsserver events to subscribers.
//
// There is no buffering: an event reaches the handlers subscribed when it
// arrives, and is dropped if there are none.
//
// Thread Safety: EventBus is safe for concurrent use.
type EventBus struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

// NewEventBus creates an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[string]*subscription)}
}

// Subscribe registers handler for the named events, or for all events when
// names is empty. It returns an id for Unsubscribe.
func (b *EventBus) Subscribe(handler EventHandler, names ...string) string {
	sub := &subscription{
		id:      uuid.NewString(),
		handler: handler,
	}
	if len(names) > 0 {
		sub.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			sub.names[n] = struct{}{}
		}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub.id
}

// Unsubscribe removes a subscription and reports whether it existed.
func (b *EventBus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	return true
}

// Publish delivers evt to every matching subscriber and returns the number
// of handlers invoked. Handler panics are recovered and logged.
func (b *EventBus) Publish(evt Event) int {
	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.names != nil {
			if _, ok := sub.names[evt.Name]; !ok {
				continue
			}
		}
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.invoke(sub, evt)
	}
	return len(targets)
}

// Len returns the number of subscriptions.
func (b *EventBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *EventBus) invoke(sub *subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("tsserver event handler panicked",
				slog.String("event", evt.Name),
				slog.String("subscription", sub.id),
				slog.Any("panic", r),
			)
		}
	}()
	sub.handler(evt)
}
