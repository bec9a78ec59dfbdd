// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"fmt"
	"slices"
	"strings"
)

// Side of a converter: each converter translates between a Left and a Right format.
// By convention Left is the Hugging Face side when one of them is.
type Side uint8

const (
	// NoSide is used by Rule.Exists for keys that exist on both sides.
	NoSide Side = iota
	Left
	Right
)

// String implements fmt.Stringer.
func (s Side) String() string {
	switch s {
	case NoSide:
		return "none"
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("Side(%d)", int(s))
}

// Other returns the opposite side. The opposite of NoSide is NoSide.
func (s Side) Other() Side {
	switch s {
	case Left:
		return Right
	case Right:
		return Left
	}
	return NoSide
}

// Direction of a conversion.
type Direction uint8

const (
	// Forward converts from the Left format to the Right format.
	Forward Direction = iota
	// Backward converts from the Right format to the Left format.
	Backward
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "backward"
}

// Source returns the side being converted from.
func (d Direction) Source() Side {
	if d == Forward {
		return Left
	}
	return Right
}

// Target returns the side being converted to.
func (d Direction) Target() Side { return d.Source().Other() }

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction { return 1 - d }

// Pair holds one value per Side.
type Pair[T any] struct {
	Left, Right T
}

// Get returns the value for the given side. It panics for NoSide.
func (p Pair[T]) Get(side Side) T {
	switch side {
	case Left:
		return p.Left
	case Right:
		return p.Right
	}
	panic(fmt.Sprintf("convert.Pair.Get(%s): invalid side", side))
}

// Set the value for the given side. It panics for NoSide.
func (p *Pair[T]) Set(side Side, value T) {
	switch side {
	case Left:
		p.Left = value
	case Right:
		p.Right = value
	default:
		panic(fmt.Sprintf("convert.Pair.Set(%s): invalid side", side))
	}
}

// FormatVersions lists the format ids accepted by one side of a converter, e.g. "hf" or
// "cs-2.0", "cs-2.1", "cs-2.2", "cs-2.3".
type FormatVersions []string

// Formats creates a FormatVersions.
func Formats(versions ...string) FormatVersions { return versions }

// Supports returns whether format is one of the versions.
func (f FormatVersions) Supports(format string) bool { return slices.Contains(f, format) }

// String implements fmt.Stringer.
func (f FormatVersions) String() string { return strings.Join(f, ", ") }
