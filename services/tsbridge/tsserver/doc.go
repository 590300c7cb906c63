// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tsserver is a client for the TypeScript language server process.
//
// tsserver speaks a JSON protocol over its standard streams. Requests are
// written to stdin as single JSON lines; responses and events come back on
// stdout, each preceded by a Content-Length header.
//
// # Architecture
//
//	┌──────────┐  Send   ┌────────────┐  frame  ┌─────────────┐
//	│  caller  │ ──────► │ correlator │ ──────► │ tsserver    │
//	│          │ ◄────── │  (by seq)  │         │ stdin/stdout│
//	└──────────┘  body   └────────────┘         └──────┬──────┘
//	                           ▲                        │
//	                           │ response      ┌────────▼────┐
//	                           └────────────── │   Framer    │
//	                                 event ──► │             │ ──► EventBus
//	                                           └─────────────┘
//
// # Components
//
//   - Framer: extracts complete messages from an arbitrarily chunked stream
//   - correlator: assigns sequence numbers and settles pending requests
//   - RetryPolicy: re-issues requests that failed with a transient assertion
//   - Client: process lifecycle, the public request API
//   - SessionTracker: deduplicates open/close against the open-file set
//   - EventBus: republishes events to subscribers
//
// Every pending request is settled exactly once. A response, its timeout,
// the caller's context, Stop and a crash all race to remove the entry from
// the pending map, and only the one that removes it delivers a result.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
//
// # Example
//
//	c := tsserver.NewClient(cfg)
//	if err := c.Start(ctx); err != nil {
//		return err
//	}
//	defer c.Stop(context.Background())
//
//	if err := c.OpenFile(ctx, "src/index.ts"); err != nil {
//		return err
//	}
//	body, err := c.Send(ctx, "quickinfo", args)
package tsserver
