// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidConfig indicates the configuration could not be parsed or
	// failed validation.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConfigExists indicates WriteDefault found a file already in place.
	ErrConfigExists = errors.New("config file already exists")
)

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields validator.ValidationErrors
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		if f.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: failed %s=%s", f.Namespace(), f.Tag(), f.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: failed %s", f.Namespace(), f.Tag()))
		}
	}
	return fmt.Sprintf("%s: %s", ErrInvalidConfig, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}
