// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"fmt"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/pkg/errors"
)

var (
	// ErrMissingKey is the same sentinel used by the state dicts, so a missing key can be tested with
	// errors.Is regardless of the store that reported it.
	ErrMissingKey = statedict.ErrMissingKey

	// ErrAmbiguousRule is returned with Options.StrictMatching when more than one rule claims a key.
	ErrAmbiguousRule = errors.New("more than one conversion rule matches the key")

	// ErrExistsViolation is returned when a key constrained to exist only on one side shows up on the other.
	ErrExistsViolation = errors.New("key exists on the wrong side of the conversion")

	// ErrNoConverter is returned by the Registry when no converter handles the requested formats.
	ErrNoConverter = errors.New("no converter registered")
)

// SchemaMismatchError is returned when a source key matches no rule and unmatched keys are not dropped.
type SchemaMismatchError struct {
	Converter string
	Key       string
}

// Error implements error.
func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s: key %q matched no conversion rule (use drop unmatched keys to skip it)", e.Converter, e.Key)
}

// ConfigConversionError is returned when a config value can't be converted, e.g. a value asserted by a rule
// differs from the expected one.
type ConfigConversionError struct {
	Key      string
	Expected any
	Actual   any
	Reason   string
}

// Error implements error.
func (e *ConfigConversionError) Error() string {
	if e.Reason != "" {
		if e.Key == "" {
			return "config conversion: " + e.Reason
		}
		return fmt.Sprintf("config conversion of %q: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config conversion of %q: expected %v, got %v", e.Key, e.Expected, e.Actual)
}

// ConfigErrorf returns a ConfigConversionError for key, with a formatted reason.
func ConfigErrorf(key, format string, args ...any) error {
	return errors.WithStack(&ConfigConversionError{Key: key, Reason: fmt.Sprintf(format, args...)})
}

// ConversionError wraps a failure of a rule action, with the keys involved.
type ConversionError struct {
	Converter      string
	OldKey, NewKey string
	Err            error
}

// Error implements error.
func (e *ConversionError) Error() string {
	return fmt.Sprintf("%s: converting %q to %q: %v", e.Converter, e.OldKey, e.NewKey, e.Err)
}

// Unwrap returns the underlying error, so errors.Is and errors.As see through it.
func (e *ConversionError) Unwrap() error { return e.Err }
