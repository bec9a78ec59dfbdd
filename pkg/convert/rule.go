// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// ActionKind enumerates the kinds of Action.
type ActionKind uint8

const (
	// ActionNone matches the key and produces nothing.
	ActionNone ActionKind = iota
	// ActionCopy copies the old value to the new key.
	ActionCopy
	// ActionAssert checks (converting from AssertSide) or writes (converting to AssertSide) a constant.
	ActionAssert
	// ActionCustom calls Action.Fn.
	ActionCustom
)

// String implements fmt.Stringer.
func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionCopy:
		return "copy"
	case ActionAssert:
		return "assert"
	case ActionCustom:
		return "custom"
	}
	return "invalid"
}

// ActionFunc implements a custom rule action. It may read any key of c.Old and write zero or more keys of c.New.
type ActionFunc[V any] func(c *Call[V]) error

// Action of a Rule, see ActionKind.
type Action[V any] struct {
	Kind ActionKind
	Fn   ActionFunc[V]

	// AssertSide and Expected are used by ActionAssert.
	AssertSide Side
	Expected   any
}

// Copy action: the new key gets the old value.
func Copy[V any]() Action[V] { return Action[V]{Kind: ActionCopy} }

// Custom action calling fn.
func Custom[V any](fn ActionFunc[V]) Action[V] { return Action[V]{Kind: ActionCustom, Fn: fn} }

// AssertConstant is the config action for values that are fixed on one side: converting from side it checks that
// the value equals expected (numbers are compared by value) and fails with a ConfigConversionError otherwise;
// converting to side it writes expected.
func AssertConstant(side Side, expected any) Action[any] {
	return Action[any]{Kind: ActionAssert, AssertSide: side, Expected: expected}
}

// Rule pairs a key pattern with an action.
//
// If Exists is set (Left or Right) the key exists only on that side: matching it while converting from that side
// runs the action (if it is not a copy) but produces no counterpart; matching it while converting from the other
// side is an error, and so is a converted store ending up with such key.
type Rule[V any] struct {
	Pattern []Segment
	Action  Action[V]
	Exists  Side
}

// Call is passed to ActionFunc with the context of the key being converted.
type Call[V any] struct {
	Converter      string
	OldKey, NewKey string
	Old            Source[V]
	New            Store[V]
	Direction      Direction
	Configs        Configs
	Options        *Options
}

// Value returns the old value being converted.
func (c *Call[V]) Value() (V, error) { return c.Old.Get(c.OldKey) }

// Copy copies the old value to the new key.
func (c *Call[V]) Copy() error {
	value, err := c.Old.Get(c.OldKey)
	if err != nil {
		return err
	}
	return c.New.Set(c.NewKey, value)
}

// FromSource returns whether the conversion is from side.
func (c *Call[V]) FromSource(side Side) bool { return c.Direction.Source() == side }

// RuleSet is an ordered list of rules: for each key the first matching rule is used.
// It is compiled lazily on first use and must not be changed afterwards.
type RuleSet[V any] struct {
	Rules []Rule[V]

	once     sync.Once
	compiled []*compiledRule[V]
	err      error
}

// NewRuleSet creates a RuleSet with the given rules.
func NewRuleSet[V any](rules ...Rule[V]) *RuleSet[V] {
	return &RuleSet[V]{Rules: rules}
}

// CatchPrefixes returns a RuleSet that matches the rules of rs as they are, and then prefixed by each of the
// prefixes (typically Equiv segments), in order. It is used to accept keys saved by older versions of a format,
// e.g. CatchPrefixes(rs, Equiv("", "model.")).
//
// The side-specific text of the prefix that matched is available to hooks as Hook.KeyPrefix.
func CatchPrefixes[V any](rs *RuleSet[V], prefixes ...Segment) *RuleSet[V] {
	rules := []Rule[V]{{Pattern: []Segment{Nested(rs)}}}
	for _, prefix := range prefixes {
		rules = append(rules, Rule[V]{Pattern: []Segment{catchPrefix{prefix}, Nested(rs)}})
	}
	return NewRuleSet(rules...)
}

// catchPrefix marks a version-catching prefix, so its text can be reported as the key prefix.
type catchPrefix struct {
	Segment
}

type compiledRule[V any] struct {
	rule     *Rule[V] // The declared (leaf) rule: its action and existence constraint.
	pattern  []Segment
	prefix   Pair[string]
	matchers [2]*matcher // Indexed by Direction.
}

// flatRule is a rule after expanding Nested segments.
type flatRule[V any] struct {
	rule    *Rule[V]
	pattern []Segment
	prefix  Pair[string]
}

// compile flattens and compiles the rules, once.
func (rs *RuleSet[V]) compile() ([]*compiledRule[V], error) {
	rs.once.Do(func() {
		var flat []flatRule[V]
		flat, rs.err = rs.flatten(nil, nil, Pair[string]{}, 0)
		if rs.err != nil {
			return
		}
		rs.compiled = make([]*compiledRule[V], 0, len(flat))
		for _, fr := range flat {
			cr := &compiledRule[V]{rule: fr.rule, pattern: fr.pattern, prefix: fr.prefix}
			for _, direction := range []Direction{Forward, Backward} {
				cr.matchers[direction], rs.err = compile(fr.pattern, direction)
				if rs.err != nil {
					return
				}
			}
			rs.compiled = append(rs.compiled, cr)
		}
	})
	return rs.compiled, rs.err
}

const maxNesting = 32

func (rs *RuleSet[V]) flatten(prefix, suffix []Segment, keyPrefix Pair[string], depth int) ([]flatRule[V], error) {
	if depth > maxNesting {
		return nil, errors.New("convert: nested rule sets are too deep (recursive nesting?)")
	}
	var flat []flatRule[V]
	for ii := range rs.Rules {
		rule := &rs.Rules[ii]
		rulePrefix := keyPrefix
		var expanded []Segment
		nestedAt := -1
		for jj, segment := range rule.Pattern {
			if cp, ok := segment.(catchPrefix); ok {
				if eq, ok := cp.Segment.(equivalent); ok {
					rulePrefix.Left += eq.Left
					rulePrefix.Right += eq.Right
				}
				segment = cp.Segment
			}
			if _, isNested := segment.(nested[V]); isNested {
				nestedAt = jj
				break
			}
			expanded = append(expanded, segment)
		}
		if nestedAt < 0 {
			pattern := slices.Concat(prefix, expanded, suffix)
			flat = append(flat, flatRule[V]{rule: rule, pattern: pattern, prefix: rulePrefix})
			continue
		}
		if rule.Action.Kind != ActionNone {
			return nil, errors.Errorf("convert: rule %s has both a nested rule set and an action",
				PatternString(rule.Pattern))
		}
		inner := rule.Pattern[nestedAt].(nested[V]).rules
		innerPrefix := slices.Concat(prefix, expanded)
		innerSuffix := slices.Concat(rule.Pattern[nestedAt+1:], suffix)
		innerFlat, err := inner.flatten(innerPrefix, innerSuffix, rulePrefix, depth+1)
		if err != nil {
			return nil, err
		}
		if rule.Exists != NoSide {
			for kk := range innerFlat {
				if innerFlat[kk].rule.Exists == NoSide {
					constrained := *innerFlat[kk].rule
					constrained.Exists = rule.Exists
					innerFlat[kk].rule = &constrained
				}
			}
		}
		flat = append(flat, innerFlat...)
	}
	return flat, nil
}

// Validate compiles the rule set, returning the first invalid pattern found.
func (rs *RuleSet[V]) Validate() error {
	_, err := rs.compile()
	return err
}

// Len returns the number of rules after expanding nested rule sets.
func (rs *RuleSet[V]) Len() int {
	compiled, err := rs.compile()
	if err != nil {
		return 0
	}
	return len(compiled)
}

// Patterns returns the flattened patterns, in matching order.
func (rs *RuleSet[V]) Patterns() []string {
	compiled, _ := rs.compile()
	patterns := make([]string, 0, len(compiled))
	for _, cr := range compiled {
		patterns = append(patterns, PatternString(cr.pattern))
	}
	return patterns
}
