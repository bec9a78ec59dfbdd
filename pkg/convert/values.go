// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"math"
	"reflect"
	"slices"

	"github.com/ankitj-cerebras/modelzoo/pkg/checkpoints/statedict"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Config is a model configuration: the decoded JSON of a Hugging Face config, or the YAML params of a Cerebras
// model (with its sections, "model", "optimizer", ...).
//
// Numbers may come as any Go numeric type depending on the decoder (JSON gives float64, YAML gives int), so
// converters should read them with Config.Int and Config.Float.
type Config map[string]any

// Keys returns the keys of the config in sorted order.
func (c Config) Keys() []string {
	keys := lo.Keys(c)
	slices.Sort(keys)
	return keys
}

// Has returns whether key is set, even if to nil.
func (c Config) Has(key string) bool {
	_, found := c[key]
	return found
}

// Get returns the value of key.
func (c Config) Get(key string) (any, error) {
	value, found := c[key]
	if !found {
		return nil, statedict.MissingKey(key)
	}
	return value, nil
}

// Set the value of key.
func (c Config) Set(key string, value any) error {
	c[key] = value
	return nil
}

// Lookup returns the value of key, or defaultValue if it is not set or nil.
func (c Config) Lookup(key string, defaultValue any) any {
	if value, found := c[key]; found && value != nil {
		return value
	}
	return defaultValue
}

// Int returns the value of key as an int. It fails if the key is missing or is not an integral number.
func (c Config) Int(key string) (int, error) {
	value, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	i, ok := ToInt(value)
	if !ok {
		return 0, ConfigErrorf(key, "expected an integer, got %v (%T)", value, value)
	}
	return i, nil
}

// Float returns the value of key as a float64. It fails if the key is missing or is not a number.
func (c Config) Float(key string) (float64, error) {
	value, err := c.Get(key)
	if err != nil {
		return 0, err
	}
	f, ok := ToFloat(value)
	if !ok {
		return 0, ConfigErrorf(key, "expected a number, got %v (%T)", value, value)
	}
	return f, nil
}

// Bool returns the value of key as a bool, or defaultValue if it is not set.
func (c Config) Bool(key string, defaultValue bool) (bool, error) {
	value, found := c[key]
	if !found || value == nil {
		return defaultValue, nil
	}
	b, ok := value.(bool)
	if !ok {
		return false, ConfigErrorf(key, "expected a bool, got %v (%T)", value, value)
	}
	return b, nil
}

// String returns the value of key as a string, or defaultValue if it is not set.
func (c Config) String(key, defaultValue string) (string, error) {
	value, found := c[key]
	if !found || value == nil {
		return defaultValue, nil
	}
	s, ok := value.(string)
	if !ok {
		return "", ConfigErrorf(key, "expected a string, got %v (%T)", value, value)
	}
	return s, nil
}

// Section returns the sub-config under key (e.g. "model" of a Cerebras config), or an empty Config if it is not
// set or not a mapping. The returned Config shares its contents with c.
func (c Config) Section(key string) Config {
	switch section := c[key].(type) {
	case Config:
		return section
	case map[string]any:
		return section
	}
	return Config{}
}

// Clone makes a deep copy of the config: nested mappings and lists are copied too.
func (c Config) Clone() Config {
	return cloneValue(map[string]any(c)).(map[string]any)
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case Config:
		return Config(cloneValue(map[string]any(v)).(map[string]any))
	case map[string]any:
		clone := make(map[string]any, len(v))
		for key, elem := range v {
			clone[key] = cloneValue(elem)
		}
		return clone
	case []any:
		clone := make([]any, len(v))
		for ii, elem := range v {
			clone[ii] = cloneValue(elem)
		}
		return clone
	}
	return value
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(value any) (float64, bool) {
	if value == nil {
		return 0, false
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(v.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(v.Uint()), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	}
	return 0, false
}

// ToInt converts any Go numeric value with an integral value to int.
func ToInt(value any) (int, bool) {
	f, ok := ToFloat(value)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

// ValuesEqual compares config values: numbers are compared by value regardless of their Go type,
// mappings and lists are compared element-wise, everything else with reflect.DeepEqual.
func ValuesEqual(a, b any) bool {
	if fa, ok := ToFloat(a); ok {
		fb, ok := ToFloat(b)
		return ok && fa == fb
	}
	ma, aIsMap := asMap(a)
	mb, bIsMap := asMap(b)
	if aIsMap || bIsMap {
		if !aIsMap || !bIsMap || len(ma) != len(mb) {
			return false
		}
		for key, va := range ma {
			vb, found := mb[key]
			if !found || !ValuesEqual(va, vb) {
				return false
			}
		}
		return true
	}
	la, aIsList := a.([]any)
	lb, bIsList := b.([]any)
	if aIsList && bIsList {
		return slices.EqualFunc(la, lb, ValuesEqual)
	}
	return reflect.DeepEqual(a, b)
}

// AsConfig returns value as a Config, if it is a mapping (a nested section of a decoded config).
func AsConfig(value any) (Config, bool) {
	m, ok := asMap(value)
	return m, ok
}

func asMap(value any) (map[string]any, bool) {
	switch v := value.(type) {
	case Config:
		return v, true
	case map[string]any:
		return v, true
	}
	return nil, false
}

// mustBeConfig converts a decoded value to a Config.
func mustBeConfig(value any, what string) (Config, error) {
	m, ok := asMap(value)
	if !ok {
		return nil, errors.Errorf("%s must be a mapping, got %T", what, value)
	}
	return m, nil
}
