// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package nest flattens arbitrarily nested maps and slices into an ordered list of leaves plus a Spec, and
// rebuilds the nested structure back from them.
//
// Containers are maps with string keys and slices (or arrays), at any depth. Anything else -- tensors, numbers,
// strings, nil -- is a leaf. Byte slices are leaves too.
//
// Map entries are visited in sorted key order, so flattening is deterministic.
package nest

import (
	"fmt"
	"reflect"
	"slices"
	"strconv"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Type of Spec node.
type Type uint8

const (
	InvalidNest Type = iota
	ValueNest
	SliceNest
	MapNest
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case InvalidNest:
		return "InvalidNest"
	case ValueNest:
		return "ValueNest"
	case SliceNest:
		return "SliceNest"
	case MapNest:
		return "MapNest"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// Spec describes the structure of a nested value, without its leaves.
// It can be serialized (json or cbor) and used later to Unflatten the leaves.
type Spec struct {
	Type     Type     `json:"type" cbor:"1,keyasint"`
	Keys     []string `json:"keys,omitempty" cbor:"2,keyasint,omitempty"`
	Children []*Spec  `json:"children,omitempty" cbor:"3,keyasint,omitempty"`
}

// NumLeaves returns the number of leaves described by the spec.
func (s *Spec) NumLeaves() int {
	switch s.Type {
	case ValueNest:
		return 1
	case SliceNest, MapNest:
		return lo.SumBy(s.Children, (*Spec).NumLeaves)
	}
	return 0
}

// Paths returns the path (one element per nesting level) of each leaf, in flattening order.
// Slice positions are given by their decimal index.
func (s *Spec) Paths() [][]string {
	var paths [][]string
	s.walk(nil, func(path []string) {
		paths = append(paths, slices.Clone(path))
	})
	return paths
}

func (s *Spec) walk(prefix []string, fn func(path []string)) {
	switch s.Type {
	case ValueNest:
		fn(prefix)
	case SliceNest:
		for ii, child := range s.Children {
			child.walk(append(prefix, strconv.Itoa(ii)), fn)
		}
	case MapNest:
		for ii, child := range s.Children {
			child.walk(append(prefix, s.Keys[ii]), fn)
		}
	}
}

// IsContainer returns whether value is flattened further: maps with string keys and non-byte slices or arrays.
func IsContainer(value any) bool {
	if value == nil {
		return false
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Map:
		return v.Type().Key().Kind() == reflect.String
	case reflect.Slice, reflect.Array:
		return v.Type().Elem().Kind() != reflect.Uint8
	}
	return false
}

// Flatten returns the leaves of value in a deterministic order, and the Spec needed to Unflatten them.
func Flatten(value any) (leaves []any, spec *Spec) {
	spec = flatten(value, &leaves)
	return
}

func flatten(value any, leaves *[]any) *Spec {
	if !IsContainer(value) {
		*leaves = append(*leaves, value)
		return &Spec{Type: ValueNest}
	}
	v := reflect.ValueOf(value)
	if v.Kind() == reflect.Map {
		keys := make([]string, 0, v.Len())
		for _, key := range v.MapKeys() {
			keys = append(keys, key.String())
		}
		slices.Sort(keys)
		spec := &Spec{Type: MapNest, Keys: keys, Children: make([]*Spec, 0, len(keys))}
		for _, key := range keys {
			elem := v.MapIndex(reflect.ValueOf(key).Convert(v.Type().Key()))
			spec.Children = append(spec.Children, flatten(elem.Interface(), leaves))
		}
		return spec
	}
	spec := &Spec{Type: SliceNest, Children: make([]*Spec, 0, v.Len())}
	for ii := range v.Len() {
		spec.Children = append(spec.Children, flatten(v.Index(ii).Interface(), leaves))
	}
	return spec
}

// Unflatten rebuilds the nested structure described by spec, using map[string]any and []any containers.
func Unflatten(spec *Spec, leaves []any) (any, error) {
	if want := spec.NumLeaves(); want != len(leaves) {
		return nil, errors.Errorf("nest.Unflatten: spec has %d leaves, got %d", want, len(leaves))
	}
	idx := 0
	return unflatten(spec, leaves, &idx)
}

func unflatten(spec *Spec, leaves []any, idx *int) (any, error) {
	switch spec.Type {
	case ValueNest:
		leaf := leaves[*idx]
		*idx++
		return leaf, nil
	case SliceNest:
		values := make([]any, 0, len(spec.Children))
		for _, child := range spec.Children {
			value, err := unflatten(child, leaves, idx)
			if err != nil {
				return nil, err
			}
			values = append(values, value)
		}
		return values, nil
	case MapNest:
		if len(spec.Keys) != len(spec.Children) {
			return nil, errors.Errorf("nest.Unflatten: map spec with %d keys and %d children", len(spec.Keys), len(spec.Children))
		}
		values := make(map[string]any, len(spec.Keys))
		for ii, child := range spec.Children {
			value, err := unflatten(child, leaves, idx)
			if err != nil {
				return nil, err
			}
			values[spec.Keys[ii]] = value
		}
		return values, nil
	}
	return nil, errors.Errorf("nest.Unflatten: invalid spec node of type %s", spec.Type)
}

// EnumerateWithPath calls fn for each leaf of value, in flattening order, with the path to the leaf.
// If fn returns an error, it exits immediately and returns the corresponding error.
func EnumerateWithPath(value any, fn func(path []string, leaf any) error) error {
	leaves, spec := Flatten(value)
	for ii, path := range spec.Paths() {
		if err := fn(path, leaves[ii]); err != nil {
			return err
		}
	}
	return nil
}
