package phi

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Rule masks one class of identifier wherever it appears in free text.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Type    string `yaml:"type" json:"type"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Mask    string `yaml:"mask" json:"mask"`
	Enabled bool   `yaml:"enabled" json:"enabled"`
}

type RulesConfig struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// LoadRules reads a rules file, falling back to defaults when no path is set.
func LoadRules(path string) (RulesConfig, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return DefaultRules(), err
	}

	var cfg RulesConfig
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return RulesConfig{}, err
	}
	if len(cfg.Rules) == 0 {
		return RulesConfig{}, errors.New("no scrub rules configured")
	}
	return cfg, nil
}

// DefaultRules covers the identifier shapes that must never reach the audit
// log: raw national IDs, contact details and date-of-birth strings.
func DefaultRules() RulesConfig {
	return RulesConfig{Rules: []Rule{
		{Name: "NationalID", Type: "national_id", Pattern: `\b\d{8,16}\b`, Mask: "[national-id]", Enabled: true},
		{Name: "SSN", Type: "ssn", Pattern: `\b\d{3}-\d{2}-\d{4}\b`, Mask: "***-**-****", Enabled: true},
		{Name: "DOB", Type: "dob", Pattern: `\b\d{1,2}/\d{1,2}/\d{4}\b`, Mask: "##/##/####", Enabled: true},
		{Name: "Email", Type: "email", Pattern: `\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Z|a-z]{2,}\b`, Mask: "***@***", Enabled: true},
		{Name: "Phone", Type: "phone", Pattern: `\b\d{3}-\d{3}-\d{4}\b|\b\(\d{3}\)\s?\d{3}-\d{4}\b`, Mask: "(***) ***-****", Enabled: true},
	}}
}

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

// Scrubber masks identifier patterns inside audit detail maps before they
// are persisted. Structured fields set by services (CIDs, health IDs, event
// kinds) pass through untouched; only matched spans are replaced.
type Scrubber struct {
	rules []compiledRule
}

func NewScrubber(cfg RulesConfig) (*Scrubber, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Scrubber{rules: compiled}, nil
}

// Scrub returns a masked copy; the input map is not modified.
func (s *Scrubber) Scrub(details map[string]interface{}) map[string]interface{} {
	if s == nil || details == nil {
		return details
	}
	out := make(map[string]interface{}, len(details))
	for key, value := range details {
		out[key] = s.scrubValue(value)
	}
	return out
}

func (s *Scrubber) scrubValue(value interface{}) interface{} {
	switch v := value.(type) {
	case string:
		masked := v
		for _, rule := range s.rules {
			masked = rule.re.ReplaceAllString(masked, rule.rule.Mask)
		}
		return masked
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, nested := range v {
			out[k] = s.scrubValue(nested)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, nested := range v {
			out[i] = s.scrubValue(nested)
		}
		return out
	default:
		return value
	}
}

// Detects reports whether any rule matches inside the given text.
func (s *Scrubber) Detects(text string) bool {
	for _, rule := range s.rules {
		if rule.re.MatchString(text) {
			return true
		}
	}
	return false
}
