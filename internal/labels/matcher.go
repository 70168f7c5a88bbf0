package labels

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/common/model"
)

// MatchType is the predicate kind a Matcher applies.
type MatchType int

const (
	MatchEqual MatchType = iota
	MatchNotEqual
	MatchRegexp
	MatchNotRegexp
)

func (t MatchType) String() string {
	switch t {
	case MatchEqual:
		return "="
	case MatchNotEqual:
		return "!="
	case MatchRegexp:
		return "=~"
	case MatchNotRegexp:
		return "!~"
	}
	return "<invalid>"
}

// Matcher is a single label predicate. Regex matchers are anchored at
// both ends, so `env=~"prod"` does not match "preprod".
type Matcher struct {
	Type  MatchType
	Name  model.LabelName
	Value string

	re *regexp.Regexp
}

// New compiles a Matcher. Regex values are validated here so a bad
// pattern is caught at configuration time, not per-alert.
func New(t MatchType, name model.LabelName, value string) (*Matcher, error) {
	m := &Matcher{Type: t, Name: name, Value: value}
	if t == MatchRegexp || t == MatchNotRegexp {
		re, err := regexp.Compile("^(?:" + value + ")$")
		if err != nil {
			return nil, fmt.Errorf("matcher %s%s%q: %w", name, t, value, err)
		}
		m.re = re
	}
	return m, nil
}

// MustNew is New for statically known matchers; it panics on error.
func MustNew(t MatchType, name model.LabelName, value string) *Matcher {
	m, err := New(t, name, value)
	if err != nil {
		panic(err)
	}
	return m
}

// Matches reports whether the predicate holds for v.
func (m *Matcher) Matches(v string) bool {
	switch m.Type {
	case MatchEqual:
		return v == m.Value
	case MatchNotEqual:
		return v != m.Value
	case MatchRegexp:
		return m.re.MatchString(v)
	case MatchNotRegexp:
		return !m.re.MatchString(v)
	}
	return false
}

func (m *Matcher) String() string {
	return fmt.Sprintf("%s%s%q", m.Name, m.Type, m.Value)
}

// Matchers is a conjunction: all predicates must hold.
type Matchers []*Matcher

// Match reports whether ls satisfies every matcher. A label absent from
// ls is treated as the empty string, so `env!=""` requires presence.
func (ms Matchers) Match(ls model.LabelSet) bool {
	for _, m := range ms {
		if !m.Matches(string(ls[m.Name])) {
			return false
		}
	}
	return true
}

func (ms Matchers) String() string {
	parts := make([]string, 0, len(ms))
	for _, m := range ms {
		parts = append(parts, m.String())
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// matcherPattern accepts one predicate of a filter string:
// name, operator, optionally quoted value.
var matcherPattern = regexp.MustCompile(`^\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*(=~|!~|!=|=)\s*(?:"([^"]*)"|([^,]*?))\s*$`)

// splitMatchers splits a filter on commas outside double quotes, so a
// quoted value like `env=~"prod-[0-9]{1,2}"` stays one predicate.
func splitMatchers(s string) []string {
	var parts []string
	start := 0
	quoted := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

// Parse parses a comma-separated filter like `service=api,severity=~"page|ticket"`.
// Values may be bare or double-quoted; quoted values may contain commas.
func Parse(s string) (Matchers, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ms Matchers
	for _, part := range splitMatchers(s) {
		sub := matcherPattern.FindStringSubmatch(part)
		if sub == nil {
			return nil, fmt.Errorf("invalid matcher %q", strings.TrimSpace(part))
		}
		var t MatchType
		switch sub[2] {
		case "=":
			t = MatchEqual
		case "!=":
			t = MatchNotEqual
		case "=~":
			t = MatchRegexp
		case "!~":
			t = MatchNotRegexp
		}
		val := sub[3]
		if val == "" {
			val = sub[4]
		}
		m, err := New(t, model.LabelName(sub[1]), val)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].Name < ms[j].Name })
	return ms, nil
}
