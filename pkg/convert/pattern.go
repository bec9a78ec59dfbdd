// Copyright 2023-2026 Cerebras Systems, Inc. SPDX-License-Identifier: Apache-2.0

package convert

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Segment is one piece of a rule's key pattern. See Lit, Re, Equiv and Nested.
type Segment interface {
	// text returns the regular expression matching this segment on the given side.
	text(side Side) string
}

type literal string

func (l literal) text(Side) string { return regexp.QuoteMeta(string(l)) }

// Lit is a segment matching exactly s on both sides.
func Lit(s string) Segment { return literal(s) }

type regex string

func (r regex) text(Side) string { return string(r) }

// Re is a segment matching the regular expression expr (RE2 syntax) on both sides.
// The matched text is copied as is to the new key.
func Re(expr string) Segment { return regex(expr) }

type equivalent Pair[string]

func (e equivalent) text(side Side) string { return regexp.QuoteMeta(Pair[string](e).Get(side)) }

// Equiv is a segment matching left on the Left side and right on the Right side: the new key gets the
// counterpart of the matched text. Either may be empty, e.g. Equiv("", "model.") adds or removes a prefix.
func Equiv(left, right string) Segment { return equivalent{Left: left, Right: right} }

// nested is a placeholder segment: it is expanded into the rules of the nested set when rules are flattened,
// so it never reaches the matcher.
type nested[V any] struct {
	rules *RuleSet[V]
}

func (n nested[V]) text(Side) string { panic("convert: nested segments must be flattened before compiling") }

// Nested is a segment standing for any of the rules of rs: the enclosing rule is replaced by one rule per rule
// in rs, with the segments before and after the Nested segment as prefix and suffix.
// The actions and existence constraints come from the nested rules.
func Nested[V any](rs *RuleSet[V]) Segment { return nested[V]{rules: rs} }

// matcher is the compiled form of a flat pattern for one direction.
type matcher struct {
	re       *regexp.Regexp
	segments []Segment
	groups   []int // Sub-match index for each segment, or -1 for literals.
	target   Side
}

func compile(segments []Segment, direction Direction) (*matcher, error) {
	source := direction.Source()
	m := &matcher{segments: segments, groups: make([]int, len(segments)), target: direction.Target()}
	var sb strings.Builder
	sb.WriteString("^(?:")
	for ii, segment := range segments {
		switch segment.(type) {
		case literal:
			sb.WriteString(segment.text(source))
		case regex, equivalent:
			_, _ = fmt.Fprintf(&sb, "(?P<s%d>%s)", ii, segment.text(source))
		default:
			return nil, errors.Errorf("invalid segment type %T in key pattern", segment)
		}
	}
	sb.WriteString(")$")
	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, errors.Wrapf(err, "invalid key pattern %s", PatternString(segments))
	}
	m.re = re
	for ii, segment := range segments {
		m.groups[ii] = -1
		if _, isLiteral := segment.(literal); !isLiteral {
			m.groups[ii] = re.SubexpIndex(fmt.Sprintf("s%d", ii))
		}
	}
	return m, nil
}

// match returns the rewritten key for the target side, if key matches.
func (m *matcher) match(key string) (string, bool) {
	indices := m.re.FindStringSubmatchIndex(key)
	if indices == nil {
		return "", false
	}
	var sb strings.Builder
	for ii, segment := range m.segments {
		switch s := segment.(type) {
		case literal:
			sb.WriteString(string(s))
		case regex:
			group := m.groups[ii]
			if start := indices[2*group]; start >= 0 {
				sb.WriteString(key[start:indices[2*group+1]])
			}
		case equivalent:
			sb.WriteString(Pair[string](s).Get(m.target))
		}
	}
	return sb.String(), true
}

// PatternString renders a key pattern for error messages and listings.
func PatternString(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		switch s := segment.(type) {
		case literal:
			parts = append(parts, fmt.Sprintf("%q", string(s)))
		case regex:
			parts = append(parts, fmt.Sprintf("/%s/", string(s)))
		case equivalent:
			parts = append(parts, fmt.Sprintf("{%q|%q}", s.Left, s.Right))
		default:
			parts = append(parts, "<nested>")
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
