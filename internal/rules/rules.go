// Package rules implements a small ordered pattern rule engine used to
// classify page content and to extract verification artifacts from messages.
//
// Rules are evaluated in declaration order and the first matching rule wins,
// so the most specific rules must be declared first.
package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/slok/credforge/internal/model"
)

// Kind represents the matching strategy of a rule.
type Kind string

const (
	// KindLiteral matches when the pattern appears as a case insensitive
	// substring of the evaluated text.
	KindLiteral Kind = "literal"
	// KindRegex matches with a regular expression. If the expression has a
	// capture group, the first group is the extracted value.
	KindRegex Kind = "regex"
	// KindDomain matches email addresses or URLs belonging to a domain
	// (exact domain or any subdomain).
	KindDomain Kind = "domain"
)

// Rule is a single tagged pattern.
type Rule struct {
	Kind    Kind
	Pattern string

	re *regexp.Regexp
}

// Match is the result of a successful rule evaluation.
type Match struct {
	Rule Rule
	// Index is the position of the matched rule in the set.
	Index int
	// Value is the matched text: the regex match (first capture group when
	// present), the literal pattern, or the matched domain.
	Value string
}

// Set is an ordered, compiled collection of rules.
type Set struct {
	rules []Rule
}

// NewSet compiles an ordered rule set. Regex rules with invalid expressions
// make the whole set invalid.
func NewSet(rules ...Rule) (*Set, error) {
	compiled := make([]Rule, 0, len(rules))
	for i, r := range rules {
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %d has an empty pattern: %w", i, model.ErrNotValid)
		}

		switch r.Kind {
		case KindLiteral, KindDomain:
		case KindRegex:
			re, err := regexp.Compile("(?i)" + r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %d regex %q: %v: %w", i, r.Pattern, err, model.ErrNotValid)
			}
			r.re = re
		default:
			return nil, fmt.Errorf("rule %d has unknown kind %q: %w", i, r.Kind, model.ErrNotValid)
		}

		compiled = append(compiled, r)
	}

	return &Set{rules: compiled}, nil
}

// MustNewSet is like NewSet but panics on invalid rules. For package level
// default rule sets only.
func MustNewSet(rules ...Rule) *Set {
	s, err := NewSet(rules...)
	if err != nil {
		panic(err)
	}
	return s
}

// Empty returns true when the set has no rules.
func (s *Set) Empty() bool { return len(s.rules) == 0 }

// Eval evaluates the text against the set in order and returns the first
// match, or false when nothing matches. Evaluation is deterministic:
// identical text always yields the identical match.
func (s *Set) Eval(text string) (*Match, bool) {
	for i, r := range s.rules {
		switch r.Kind {
		case KindLiteral:
			if strings.Contains(strings.ToLower(text), strings.ToLower(r.Pattern)) {
				return &Match{Rule: r, Index: i, Value: r.Pattern}, true
			}
		case KindRegex:
			groups := r.re.FindStringSubmatch(text)
			if groups == nil {
				continue
			}
			value := groups[0]
			if len(groups) > 1 && groups[1] != "" {
				value = groups[1]
			}
			return &Match{Rule: r, Index: i, Value: value}, true
		case KindDomain:
			if matchesDomain(text, r.Pattern) {
				return &Match{Rule: r, Index: i, Value: r.Pattern}, true
			}
		}
	}

	return nil, false
}

// matchesDomain reports whether the text contains an address or host on the
// given domain (exact or subdomain).
func matchesDomain(text, domain string) bool {
	text = strings.ToLower(text)
	domain = strings.ToLower(domain)

	for _, token := range strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\n' || r == '\t' || r == '<' || r == '>' || r == '"' || r == ','
	}) {
		host := token
		if at := strings.LastIndex(token, "@"); at >= 0 {
			host = token[at+1:]
		}
		host = strings.TrimSuffix(host, ".")
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	return false
}

// ParseRule parses a rule from its string form: "kind:pattern". The kind
// prefix is optional, untagged patterns are literals.
func ParseRule(s string) (Rule, error) {
	kind, pattern, found := strings.Cut(s, ":")
	if found {
		switch Kind(kind) {
		case KindLiteral, KindRegex, KindDomain:
			return Rule{Kind: Kind(kind), Pattern: pattern}, nil
		}
	}

	if s == "" {
		return Rule{}, fmt.Errorf("empty rule: %w", model.ErrNotValid)
	}

	return Rule{Kind: KindLiteral, Pattern: s}, nil
}

// ParseSet parses and compiles an ordered set of string form rules.
func ParseSet(patterns []string) (*Set, error) {
	parsed := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		r, err := ParseRule(p)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, r)
	}
	return NewSet(parsed...)
}

// MustParseSet is like ParseSet but panics on invalid patterns. Meant for
// patterns already validated upstream.
func MustParseSet(patterns []string) *Set {
	s, err := ParseSet(patterns)
	if err != nil {
		panic(err)
	}
	return s
}
