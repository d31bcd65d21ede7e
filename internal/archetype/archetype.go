// Package archetype assigns a coarse risk archetype to a finding by matching
// keywords against its plugin name and family.
package archetype

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	UnauthenticatedPortBypass  = "Unauthenticated port bypass"
	DefaultCredentials         = "Default credentials"
	UnpatchedSoftwareExploits  = "Unpatched software exploits"
	MissingEncryptionProtocols = "Missing encryption protocols"
	WeakPasswords              = "Weak passwords (brute force)"
	Zeroize                    = "Zeroize"
	Other                      = "Other"
)

// Rule maps a label to the keywords that select it.
type Rule struct {
	Archetype string   `yaml:"archetype"`
	Keywords  []string `yaml:"keywords"`
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// Ruleset is an ordered list of rules evaluated top to bottom; the first rule
// with a matching keyword wins.
type Ruleset struct {
	rules   []Rule
	lowered [][]string
}

// New validates rules and returns a Ruleset preserving their order.
func New(rules []Rule) (*Ruleset, error) {
	if len(rules) == 0 {
		return nil, errors.New("archetype: no rules")
	}
	seen := make(map[string]struct{}, len(rules))
	rs := &Ruleset{}
	for i, r := range rules {
		label := strings.TrimSpace(r.Archetype)
		if label == "" {
			return nil, fmt.Errorf("archetype: rule %d has no label", i)
		}
		key := strings.ToLower(label)
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("archetype: duplicate label %q", label)
		}
		seen[key] = struct{}{}

		var kws, low []string
		for _, k := range r.Keywords {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			kws = append(kws, k)
			low = append(low, strings.ToLower(k))
		}
		if len(kws) == 0 {
			return nil, fmt.Errorf("archetype: rule %q has no keywords", label)
		}
		rs.rules = append(rs.rules, Rule{Archetype: label, Keywords: kws})
		rs.lowered = append(rs.lowered, low)
	}
	return rs, nil
}

func mustNew(rules []Rule) *Ruleset {
	rs, err := New(rules)
	if err != nil {
		panic(err)
	}
	return rs
}

var standardRules = []Rule{
	{Archetype: UnauthenticatedPortBypass, Keywords: []string{"Port Bypass", "Network"}},
	{Archetype: DefaultCredentials, Keywords: []string{"Default Credentials", "Authentication"}},
	{Archetype: UnpatchedSoftwareExploits, Keywords: []string{"Vulnerability", "Exploitable"}},
	{Archetype: MissingEncryptionProtocols, Keywords: []string{"Encryption", "SSL"}},
}

// Standard is the rule profile used by the analysis service.
func Standard() *Ruleset {
	return mustNew(standardRules)
}

// Extended adds the weak-password and zeroize archetypes after the standard rules.
func Extended() *Ruleset {
	rules := append([]Rule{}, standardRules...)
	rules = append(rules,
		Rule{Archetype: WeakPasswords, Keywords: []string{"Weak Password", "Brute Force"}},
		Rule{Archetype: Zeroize, Keywords: []string{"Zeroize"}},
	)
	return mustNew(rules)
}

// Profile returns a built-in ruleset by name.
func Profile(name string) (*Ruleset, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "standard":
		return Standard(), nil
	case "extended":
		return Extended(), nil
	default:
		return nil, fmt.Errorf("archetype: unknown profile %q", name)
	}
}

// Parse reads a YAML rules document.
func Parse(data []byte) (*Ruleset, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("archetype: parse rules: %w", err)
	}
	return New(f.Rules)
}

// Load reads a YAML rules file from disk.
func Load(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archetype: read rules: %w", err)
	}
	return Parse(data)
}

// Marshal renders the ruleset in the same YAML layout Parse accepts.
func (rs *Ruleset) Marshal() ([]byte, error) {
	return yaml.Marshal(rulesFile{Rules: rs.Rules()})
}

func (rs *Ruleset) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = Rule{Archetype: r.Archetype, Keywords: append([]string(nil), r.Keywords...)}
	}
	return out
}

// Classify returns the label of the first rule whose keyword occurs,
// case-insensitively, in pluginName or pluginFamily. Other is returned when
// nothing matches.
func (rs *Ruleset) Classify(pluginName, pluginFamily string) string {
	name := strings.ToLower(pluginName)
	family := strings.ToLower(pluginFamily)
	for i, kws := range rs.lowered {
		for _, k := range kws {
			if strings.Contains(name, k) || strings.Contains(family, k) {
				return rs.rules[i].Archetype
			}
		}
	}
	return Other
}

// Labels lists every label Classify can return, in rule order, ending with Other.
func (rs *Ruleset) Labels() []string {
	out := make([]string, 0, len(rs.rules)+1)
	hasOther := false
	for _, r := range rs.rules {
		out = append(out, r.Archetype)
		if strings.EqualFold(r.Archetype, Other) {
			hasOther = true
		}
	}
	if !hasOther {
		out = append(out, Other)
	}
	return out
}

// Canonical maps label onto the casing used by the ruleset. Labels the
// ruleset does not know are returned trimmed but otherwise unchanged.
func (rs *Ruleset) Canonical(label string) string {
	label = strings.TrimSpace(label)
	for _, l := range rs.Labels() {
		if strings.EqualFold(l, label) {
			return l
		}
	}
	return label
}
