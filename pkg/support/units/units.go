// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package units parses byte sizes given either as integers or as strings like "10GB" or "10GiB".
package units

import (
	"math"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

var sizeRegexp = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*(B|KB|MB|GB|TB|KiB|MiB|GiB|TiB)?\s*$`)

// ParseSize converts v to a number of bytes.
//
// Integers are taken as byte counts. Strings must be digits (optionally with a fractional part) followed by an
// optional unit: "B", SI units "KB", "MB", "GB", "TB" (powers of 1000) or IEC units "KiB", "MiB", "GiB",
// "TiB" (powers of 1024). Units are case-insensitive.
func ParseSize(v any) (int64, error) {
	var size int64
	switch value := v.(type) {
	case int:
		size = int64(value)
	case int8:
		size = int64(value)
	case int16:
		size = int64(value)
	case int32:
		size = int64(value)
	case int64:
		size = value
	case uint:
		return fromUnsigned(uint64(value))
	case uint8:
		return fromUnsigned(uint64(value))
	case uint16:
		return fromUnsigned(uint64(value))
	case uint32:
		return fromUnsigned(uint64(value))
	case uint64:
		return fromUnsigned(value)
	case string:
		return parseSizeString(value)
	default:
		return 0, errors.Errorf("size must be an integer or a string like \"10GB\", got %T", v)
	}
	if size < 0 {
		return 0, errors.Errorf("size must be non-negative, got %d", size)
	}
	return size, nil
}

func fromUnsigned(size uint64) (int64, error) {
	if size > math.MaxInt64 {
		return 0, errors.Errorf("size %d overflows int64", size)
	}
	return int64(size), nil
}

func parseSizeString(s string) (int64, error) {
	if !sizeRegexp.MatchString(s) {
		return 0, errors.Errorf("malformed size %q: expected <digits><unit> with unit one of B, KB, MB, GB, TB, "+
			"KiB, MiB, GiB or TiB, e.g. \"10GB\" or \"10GiB\"", s)
	}
	size, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "malformed size %q", s)
	}
	return fromUnsigned(size)
}
