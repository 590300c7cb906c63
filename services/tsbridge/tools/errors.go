// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import "errors"

var (
	// ErrInvalidPosition indicates a line or column below 1.
	ErrInvalidPosition = errors.New("line and column are 1-based and must be positive")

	// ErrInvalidInput indicates a missing or malformed tool argument.
	ErrInvalidInput = errors.New("invalid tool input")

	// ErrFileNotFound indicates the requested file does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrInvalidResponse indicates tsserver answered with a body of an
	// unexpected shape.
	ErrInvalidResponse = errors.New("invalid tsserver response")
)
