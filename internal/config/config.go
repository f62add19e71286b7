package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultSuffix is used when the project configures no suffix at all.
const DefaultSuffix = "-compact"

// MatchRule decides which dependencies get substituted. Pattern is compared
// against the PEP 503 normalized dependency name; with Prefix set the rule
// matches any name starting with the pattern.
type MatchRule struct {
	Pattern string `toml:"pattern" yaml:"pattern"`
	Prefix  bool   `toml:"is-prefix" yaml:"is-prefix"`
}

// Config is the plugin configuration read from the [tool.compact] table of
// pyproject.toml.
type Config struct {
	Suffix string
	Rules  []MatchRule
}

// Error reports invalid or missing plugin configuration. The user has to fix
// the configuration; it is never retryable as-is.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "configuration error: " + e.Reason
}

type pyprojectDoc struct {
	Tool struct {
		Compact struct {
			Suffix *string     `toml:"suffix"`
			Match  []MatchRule `toml:"match-rules"`
		} `toml:"compact"`
	} `toml:"tool"`
}

// Load reads the [tool.compact] section from a pyproject.toml file. A missing
// suffix key falls back to DefaultSuffix; an explicitly empty one is a
// configuration error caught by Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var doc pyprojectDoc
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("parsing %s: %v", path, err)}
	}

	cfg := &Config{Rules: doc.Tool.Compact.Match}
	if doc.Tool.Compact.Suffix != nil {
		cfg.Suffix = *doc.Tool.Compact.Suffix
	} else {
		cfg.Suffix = DefaultSuffix
	}
	return cfg, nil
}

// LoadRulesFile reads match rules from a standalone YAML file, overriding the
// rules configured in pyproject.toml.
func LoadRulesFile(path string) ([]MatchRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}

	var rules []MatchRule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, &Error{Reason: fmt.Sprintf("parsing rules file %s: %v", path, err)}
	}
	return rules, nil
}

// Validate checks the configuration after all overrides have been applied.
func (c *Config) Validate() error {
	if c.Suffix == "" {
		return &Error{Reason: "suffix must not be empty (would produce a colliding distribution name)"}
	}
	for i, rule := range c.Rules {
		if rule.Pattern == "" {
			return &Error{Reason: fmt.Sprintf("match rule %d has an empty pattern", i+1)}
		}
	}
	return nil
}
