// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"context"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source is the read side of a store being converted.
type Source[V any] interface {
	Keys() []string
	Has(key string) bool
	Get(key string) (V, error)
}

// Store is a keyed store of values: state dicts (V = *tensors.Tensor) or configs (V = any).
type Store[V any] interface {
	Source[V]
	Set(key string, value V) error
}

// Options of a conversion.
type Options struct {
	// DropUnmatchedKeys logs and skips source keys that match no rule. Otherwise they fail the conversion
	// with a SchemaMismatchError.
	DropUnmatchedKeys bool

	// StrictMatching fails with ErrAmbiguousRule if more than one rule matches a key. By default the first rule
	// in declaration order wins. Rules constrained to exist only in the target format are not counted, since
	// they only guard against misplaced keys.
	StrictMatching bool

	// Seed for the random initialization of synthesized tensors.
	Seed uint64

	// Progress, if set, is called after each source key is converted.
	Progress func(done, total int)
}

// Configs holds the configs of both sides of a conversion, in their full (sectioned) form.
type Configs = Pair[Config]

// pass runs a rule set over all keys of a source store, writing into a target store.
type pass[V any] struct {
	name      string
	rules     *RuleSet[V]
	from      Source[V]
	to        Store[V]
	direction Direction
	configs   Configs
	opts      *Options

	keyPrefix    string
	keyPrefixSet bool
}

func (p *pass[V]) run(ctx context.Context) error {
	compiled, err := p.rules.compile()
	if err != nil {
		return errors.WithMessagef(err, "%s", p.name)
	}
	keys := p.from.Keys()
	for ii, oldKey := range keys {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "%s: interrupted at key %q", p.name, oldKey)
		}
		cr, newKey, err := p.find(compiled, oldKey)
		if err != nil {
			return err
		}
		if cr == nil {
			if !p.opts.DropUnmatchedKeys {
				return errors.WithStack(&SchemaMismatchError{Converter: p.name, Key: oldKey})
			}
			klog.Warningf("%s: key %q matched no conversion rule, dropping it", p.name, oldKey)
		} else {
			if !p.keyPrefixSet {
				p.keyPrefix, p.keyPrefixSet = cr.prefix.Get(p.direction.Target()), true
			}
			if err := p.apply(cr, oldKey, newKey); err != nil {
				return err
			}
		}
		if p.opts.Progress != nil {
			p.opts.Progress(ii+1, len(keys))
		}
	}
	return nil
}

// find returns the first rule matching key, and the converted key.
func (p *pass[V]) find(compiled []*compiledRule[V], key string) (*compiledRule[V], string, error) {
	var (
		found  *compiledRule[V]
		newKey string
	)
	for _, cr := range compiled {
		converted, ok := cr.matchers[p.direction].match(key)
		if !ok {
			continue
		}
		if found == nil {
			found, newKey = cr, converted
			if !p.opts.StrictMatching {
				break
			}
			continue
		}
		if cr.rule != found.rule && (cr.rule.Exists == NoSide || cr.rule.Exists == p.direction.Source()) {
			return nil, "", errors.Wrapf(ErrAmbiguousRule, "%s: key %q is matched by %s and %s",
				p.name, key, PatternString(found.pattern), PatternString(cr.pattern))
		}
	}
	return found, newKey, nil
}

func (p *pass[V]) apply(cr *compiledRule[V], oldKey, newKey string) error {
	rule := cr.rule
	source := p.direction.Source()
	if rule.Exists != NoSide && rule.Exists != source {
		return errors.Wrapf(ErrExistsViolation, "%s: key %q should only exist in the %s format, but it was found "+
			"converting from the %s format", p.name, oldKey, rule.Exists, source)
	}
	call := &Call[V]{
		Converter: p.name,
		OldKey:    oldKey,
		NewKey:    newKey,
		Old:       p.from,
		New:       p.to,
		Direction: p.direction,
		Configs:   p.configs,
		Options:   p.opts,
	}
	var err error
	switch rule.Action.Kind {
	case ActionNone:
		return nil
	case ActionCopy:
		if rule.Exists != NoSide {
			// The key has no counterpart.
			return nil
		}
		err = call.Copy()
	case ActionAssert:
		err = assertAction(call, rule.Action)
	case ActionCustom:
		if rule.Action.Fn == nil {
			return errors.Errorf("%s: rule %s has a custom action with no function", p.name, PatternString(cr.pattern))
		}
		if exception := exceptions.TryCatch[error](func() { err = rule.Action.Fn(call) }); exception != nil {
			err = exception
		}
	default:
		return errors.Errorf("%s: rule %s has invalid action kind %s", p.name, PatternString(cr.pattern),
			rule.Action.Kind)
	}
	if err != nil {
		return errors.WithStack(&ConversionError{Converter: p.name, OldKey: oldKey, NewKey: newKey, Err: err})
	}
	return nil
}

func assertAction[V any](c *Call[V], action Action[V]) error {
	if c.FromSource(action.AssertSide) {
		value, err := c.Value()
		if err != nil {
			return err
		}
		if !ValuesEqual(value, action.Expected) {
			return errors.WithStack(&ConfigConversionError{Key: c.OldKey, Expected: action.Expected, Actual: value})
		}
		return nil
	}
	var expected V
	if action.Expected != nil {
		var ok bool
		expected, ok = action.Expected.(V)
		if !ok {
			return errors.Errorf("asserted value %v (%T) can't be stored as %T", action.Expected, action.Expected, expected)
		}
	}
	return c.New.Set(c.NewKey, expected)
}

// checkExists verifies that no key in the converted store would, converted back, be claimed by a rule constrained
// to exist only on the source side. As in the forward pass, the first matching rule claims the key.
func (p *pass[V]) checkExists() error {
	compiled, err := p.rules.compile()
	if err != nil {
		return err
	}
	source := p.direction.Source()
	if !slices.ContainsFunc(compiled, func(cr *compiledRule[V]) bool { return cr.rule.Exists == source }) {
		return nil
	}
	reverse := p.direction.Reverse()
	for _, key := range p.to.Keys() {
		for _, cr := range compiled {
			if _, ok := cr.matchers[reverse].match(key); !ok {
				continue
			}
			if cr.rule.Exists == source {
				return errors.Wrapf(ErrExistsViolation, "%s: converted key %q only exists in the %s format, "+
					"it should not have been produced", p.name, key, source)
			}
			break
		}
	}
	return nil
}
