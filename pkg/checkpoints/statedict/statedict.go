// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

// Package statedict implements in-memory state dictionaries: mappings from dotted tensor names to tensors.
//
// All stores in this module (in-memory, streaming shards, hierarchical archives) share the same method set:
//
//	Keys() []string
//	Has(key string) bool
//	Get(key string) (*tensors.Tensor, error)
//	Set(key string, value *tensors.Tensor) error
//
// so converters can read from and write to any of them.
package statedict

import (
	"fmt"
	"slices"

	"github.com/ankitj-cerebras/modelzoo/pkg/core/tensors"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// ErrMissingKey is returned (wrapped with the key) when getting a key that is not in a state dict.
var ErrMissingKey = errors.New("key not found in state dict")

// MissingKey returns ErrMissingKey wrapped with the key.
func MissingKey(key string) error {
	return errors.Wrapf(ErrMissingKey, "%q", key)
}

// Reader is the read-only part of a state dict.
type Reader interface {
	Keys() []string
	Has(key string) bool
	Get(key string) (*tensors.Tensor, error)
}

// Map is an in-memory state dict that remembers insertion order.
type Map struct {
	order  []string
	values map[string]*tensors.Tensor
}

// NewMap creates an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*tensors.Tensor)}
}

// Keys in insertion order. Overwriting a key keeps its original position.
func (m *Map) Keys() []string { return slices.Clone(m.order) }

// Len returns the number of tensors.
func (m *Map) Len() int { return len(m.order) }

// Has returns whether key is in the map.
func (m *Map) Has(key string) bool {
	_, found := m.values[key]
	return found
}

// Get returns the tensor for key, or an error matching ErrMissingKey.
func (m *Map) Get(key string) (*tensors.Tensor, error) {
	t, found := m.values[key]
	if !found {
		return nil, MissingKey(key)
	}
	return t, nil
}

// Set stores the tensor under key.
func (m *Map) Set(key string, value *tensors.Tensor) error {
	if value == nil {
		return errors.Errorf("cannot set nil tensor for %q", key)
	}
	if _, found := m.values[key]; !found {
		m.order = append(m.order, key)
	}
	m.values[key] = value
	return nil
}

// Delete removes key from the map, if present.
func (m *Map) Delete(key string) {
	if _, found := m.values[key]; !found {
		return
	}
	delete(m.values, key)
	m.order = slices.DeleteFunc(m.order, func(k string) bool { return k == key })
}

// ByteSize returns the sum of the accounted byte size of all tensors.
func (m *Map) ByteSize() (total int64) {
	for _, t := range m.values {
		total += t.ByteSize()
	}
	return
}

// String implements fmt.Stringer.
func (m *Map) String() string {
	return fmt.Sprintf("statedict.Map(%d tensors, %s)", m.Len(), humanize.Bytes(uint64(m.ByteSize())))
}

// Overlay is a read-only view of a base state dict with a few tensors added or replaced on top.
//
// It is used by converters that need to normalize the source checkpoint before conversion (e.g. backfilling tied
// weights) without modifying the source store.
type Overlay struct {
	Base  Reader
	extra *Map
}

// NewOverlay creates an Overlay on top of base.
func NewOverlay(base Reader) *Overlay {
	return &Overlay{Base: base, extra: NewMap()}
}

// Keys returns the base keys followed by the keys only present in the overlay.
func (o *Overlay) Keys() []string {
	keys := o.Base.Keys()
	for _, key := range o.extra.Keys() {
		if !o.Base.Has(key) {
			keys = append(keys, key)
		}
	}
	return keys
}

// Has returns whether key is in the overlay or in the base.
func (o *Overlay) Has(key string) bool { return o.extra.Has(key) || o.Base.Has(key) }

// Get returns the overlay's tensor for key if present, or the base one otherwise.
func (o *Overlay) Get(key string) (*tensors.Tensor, error) {
	if o.extra.Has(key) {
		return o.extra.Get(key)
	}
	return o.Base.Get(key)
}

// Set stores a tensor in the overlay only.
func (o *Overlay) Set(key string, value *tensors.Tensor) error { return o.extra.Set(key, value) }
