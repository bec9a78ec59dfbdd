// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Registry of checkpoint converters, by model family.
type Registry struct {
	sync.RWMutex
	families map[string][]*CheckpointConverter
}

// DefaultRegistry is populated by the model packages when they are imported.
// See package github.com/ankitj-cerebras/modelzoo/pkg/convert/models.
var DefaultRegistry = &Registry{}

// Register adds a converter to the registry. It panics if the converter has no name or family, or if its rules
// are invalid, since registration happens at init time.
func (r *Registry) Register(conv *CheckpointConverter) {
	if conv.Name == "" || conv.Family == "" {
		panic("convert.Registry.Register: converter name and family must be set")
	}
	if err := conv.Rules.Validate(); err != nil {
		panic(errors.WithMessagef(err, "convert.Registry.Register(%q)", conv.Name))
	}
	if conv.Config != nil {
		if err := conv.Config.Rules.Validate(); err != nil {
			panic(errors.WithMessagef(err, "convert.Registry.Register(%q): config converter", conv.Name))
		}
	}
	r.Lock()
	defer r.Unlock()
	if r.families == nil {
		r.families = make(map[string][]*CheckpointConverter)
	}
	r.families[conv.Family] = append(r.families[conv.Family], conv)
}

// Lookup returns the converter of family that converts from format src to format tgt, and the direction to use.
func (r *Registry) Lookup(family, src, tgt string) (*CheckpointConverter, Direction, error) {
	r.RLock()
	defer r.RUnlock()
	converters, found := r.families[family]
	if !found {
		return nil, Forward, errors.Wrapf(ErrNoConverter, "unknown model family %q (known families: %v)",
			family, r.familiesLocked())
	}
	for _, conv := range converters {
		if direction, ok := conv.Supports(src, tgt); ok {
			return conv, direction, nil
		}
	}
	return nil, Forward, errors.Wrapf(ErrNoConverter, "model family %q has no converter from %q to %q",
		family, src, tgt)
}

// Families returns the registered model families, sorted.
func (r *Registry) Families() []string {
	r.RLock()
	defer r.RUnlock()
	return r.familiesLocked()
}

func (r *Registry) familiesLocked() []string {
	families := lo.Keys(r.families)
	slices.Sort(families)
	return families
}

// List returns the converters registered for family, in registration order.
func (r *Registry) List(family string) []*CheckpointConverter {
	r.RLock()
	defer r.RUnlock()
	return slices.Clone(r.families[family])
}
