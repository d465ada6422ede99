// Package tagging classifies listings by matching keyword patterns against
// their free-text description.
package tagging

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule maps a case-insensitive pattern to a tag label.
type Rule struct {
	Label   string `yaml:"label"`
	Pattern string `yaml:"pattern"`
}

// RuleSet is an ordered list of compiled rules. Label order in a
// classification result follows rule order.
type RuleSet struct {
	rules    []Rule
	compiled []*regexp.Regexp
}

var (
	ErrNoRules = errors.New("rule set is empty")
	// ErrUnsupportedSyntax marks pattern syntax that PostgreSQL and Go
	// would read differently.
	ErrUnsupportedSyntax = errors.New("unsupported pattern syntax")
)

// DefaultRules is the built-in real-estate rule set.
var DefaultRules = []Rule{
	{Label: "Pool", Pattern: `pool|piscina`},
	{Label: "Sea View", Pattern: `sea view|vistas? al mar|ocean view`},
	{Label: "Garage", Pattern: `garage|garaje|cochera|parking`},
	{Label: "Garden", Pattern: `garden|jard[ií]n`},
	{Label: "Renovation", Pattern: `to renovate|needs work|a reformar|para reformar|ruina`},
	{Label: "Well", Pattern: `\ywell\y|pozo`},
	{Label: "Solar", Pattern: `solar panel|placas solares|fotovoltaic`},
	{Label: "Off Grid", Pattern: `off[- ]grid|aislad[ao]`},
}

// NewRuleSet validates and compiles rules. Labels must be unique and
// non-empty. Patterns must compile and stay within the syntax shared by
// PostgreSQL's ~* and Go's regexp, see checkSyntax.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	if len(rules) == 0 {
		return nil, ErrNoRules
	}

	rs := &RuleSet{
		rules:    make([]Rule, 0, len(rules)),
		compiled: make([]*regexp.Regexp, 0, len(rules)),
	}
	seen := make(map[string]struct{}, len(rules))

	for i, r := range rules {
		label := strings.TrimSpace(r.Label)
		if label == "" {
			return nil, fmt.Errorf("rule %d: label is required", i+1)
		}
		if _, dup := seen[label]; dup {
			return nil, fmt.Errorf("rule %d: duplicate label %q", i+1, label)
		}
		if strings.TrimSpace(r.Pattern) == "" {
			return nil, fmt.Errorf("rule %d (%s): pattern is required", i+1, label)
		}

		if err := checkSyntax(r.Pattern); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i+1, label, err)
		}
		re, err := regexp.Compile("(?i)" + goPattern(r.Pattern))
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): invalid pattern: %w", i+1, label, err)
		}

		seen[label] = struct{}{}
		rs.rules = append(rs.rules, Rule{Label: label, Pattern: r.Pattern})
		rs.compiled = append(rs.compiled, re)
	}

	return rs, nil
}

// Default returns the compiled built-in rule set.
func Default() *RuleSet {
	rs, err := NewRuleSet(DefaultRules)
	if err != nil {
		panic(fmt.Sprintf("tagging: invalid default rules: %v", err))
	}
	return rs
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadFile reads a YAML rule file of the form:
//
//	rules:
//	  - label: Pool
//	    pattern: "pool|piscina"
func LoadFile(path string) (*RuleSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	rs, err := NewRuleSet(f.Rules)
	if err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rs, nil
}

// Load returns the rules from path, or the defaults when path is empty.
func Load(path string) (*RuleSet, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// Rules returns a copy of the rules in evaluation order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Len returns the number of rules.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// Classify returns the labels whose pattern matches description, in rule
// order. The result is never nil.
func (rs *RuleSet) Classify(description string) []string {
	labels := []string{}
	if description == "" {
		return labels
	}
	for i, re := range rs.compiled {
		if re.MatchString(description) {
			labels = append(labels, rs.rules[i].Label)
		}
	}
	return labels
}

// sharedEscapes are the letter escapes both engines agree on. \y and \Y
// are PostgreSQL's word boundaries and are translated for Go.
const sharedEscapes = "dDsSwWtnyY"

// checkSyntax rejects constructs whose meaning differs between the two
// engines. In PostgreSQL \b is a backspace and \B a backslash, \m, \M and
// back references do not exist in Go, and (?P<name>...) or flag groups do
// not exist in PostgreSQL.
func checkSyntax(p string) error {
	for i := 0; i < len(p); i++ {
		switch p[i] {
		case '\\':
			if i+1 == len(p) {
				return fmt.Errorf("%w: trailing backslash", ErrUnsupportedSyntax)
			}
			c := p[i+1]
			i++
			if isAlnum(c) && !strings.ContainsRune(sharedEscapes, rune(c)) {
				if c == 'b' || c == 'B' {
					return fmt.Errorf("%w: \\%c, use \\y or \\Y for word boundaries", ErrUnsupportedSyntax, c)
				}
				return fmt.Errorf("%w: \\%c", ErrUnsupportedSyntax, c)
			}
		case '(':
			if strings.HasPrefix(p[i:], "(?") && !strings.HasPrefix(p[i:], "(?:") {
				return fmt.Errorf("%w: only (?:...) groups are allowed", ErrUnsupportedSyntax)
			}
		}
	}
	return nil
}

func isAlnum(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// goPattern translates PostgreSQL's \y and \Y to RE2's \b and \B. It only
// sees patterns that passed checkSyntax, so \b never occurs on input.
func goPattern(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		if p[i] == '\\' && i+1 < len(p) {
			switch p[i+1] {
			case 'y':
				b.WriteString(`\b`)
			case 'Y':
				b.WriteString(`\B`)
			default:
				b.WriteByte(p[i])
				b.WriteByte(p[i+1])
			}
			i++
			continue
		}
		b.WriteByte(p[i])
	}
	return b.String()
}
