package synckit

import (
	"fmt"
	"strings"
)

// RuleConfig describes conflict resolution declaratively, as loaded from the
// daemon's configuration file.
type RuleConfig struct {
	// Default names the fallback strategy. Empty selects server_wins.
	Default string            `json:"default,omitempty" yaml:"default,omitempty"`
	Rules   []RuleConfigEntry `json:"rules,omitempty" yaml:"rules,omitempty"`
}

// RuleConfigEntry represents a single rule configuration.
type RuleConfigEntry struct {
	Name       string          `json:"name" yaml:"name"`
	Enabled    *bool           `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Conditions MatchConditions `json:"conditions" yaml:"conditions"`
	Strategy   string          `json:"strategy" yaml:"strategy"`
}

// MatchConditions defines when a rule applies. Entries of one list are
// alternatives; different lists must all match. An empty set matches every
// key.
type MatchConditions struct {
	Keys     []string          `json:"keys,omitempty" yaml:"keys,omitempty"`
	Prefixes []string          `json:"prefixes,omitempty" yaml:"prefixes,omitempty"`
	Globs    []string          `json:"globs,omitempty" yaml:"globs,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ResolverForStrategy maps a strategy name to a built-in resolver.
func ResolverForStrategy(strategy string) (ConflictResolver, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case "", string(StrategyServerWins), "server":
		return ServerWins, nil
	case string(StrategyClientWins), "client", "force":
		return ClientWins, nil
	case string(StrategyMerge), "additive_merge":
		return Merge, nil
	case string(StrategyManual), "manual_review":
		return Manual, nil
	case "last_write_wins", "lww":
		return LastWriteWins, nil
	default:
		return nil, fmt.Errorf("unknown resolution strategy: %s", strategy)
	}
}

// Validate checks names and strategies.
func (c RuleConfig) Validate() error {
	if _, err := ResolverForStrategy(c.Default); err != nil {
		return fmt.Errorf("default: %w", err)
	}
	names := make(map[string]bool, len(c.Rules))
	for i, rule := range c.Rules {
		if rule.Name == "" {
			return fmt.Errorf("rule %d: name is required", i)
		}
		if names[rule.Name] {
			return fmt.Errorf("duplicate rule name: %s", rule.Name)
		}
		names[rule.Name] = true
		if rule.Strategy == "" {
			return fmt.Errorf("rule %s: strategy is required", rule.Name)
		}
		if _, err := ResolverForStrategy(rule.Strategy); err != nil {
			return fmt.Errorf("rule %s: %w", rule.Name, err)
		}
	}
	return nil
}

// Build turns the configuration into rules and a fallback resolver.
// Disabled rules are skipped.
func (c RuleConfig) Build() ([]Rule, ConflictResolver, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	fallback, _ := ResolverForStrategy(c.Default)

	rules := make([]Rule, 0, len(c.Rules))
	for _, entry := range c.Rules {
		if entry.Enabled != nil && !*entry.Enabled {
			continue
		}
		resolver, _ := ResolverForStrategy(entry.Strategy)
		rules = append(rules, Rule{
			Name:     entry.Name,
			Matcher:  entry.Conditions.matcher(),
			Resolver: resolver,
		})
	}
	return rules, fallback, nil
}

func (m MatchConditions) matcher() Matcher {
	var all []Matcher
	if len(m.Keys) > 0 {
		all = append(all, anyOf(m.Keys, KeyIs))
	}
	if len(m.Prefixes) > 0 {
		all = append(all, anyOf(m.Prefixes, KeyPrefix))
	}
	if len(m.Globs) > 0 {
		all = append(all, anyOf(m.Globs, KeyGlob))
	}
	for k, v := range m.Metadata {
		all = append(all, MetadataEq(k, v))
	}

	if len(all) == 0 {
		return func(*PendingOperation) bool { return true }
	}
	out := all[0]
	for _, next := range all[1:] {
		out = And(out, next)
	}
	return out
}

func anyOf(values []string, build func(string) Matcher) Matcher {
	out := build(values[0])
	for _, v := range values[1:] {
		out = Or(out, build(v))
	}
	return out
}

// WithRuleConfig installs the rules and fallback described by cfg.
func WithRuleConfig(cfg RuleConfig) Option {
	return func(e *Engine) error {
		rules, fallback, err := cfg.Build()
		if err != nil {
			return err
		}
		e.rules = append(e.rules, rules...)
		e.fallback = fallback
		return nil
	}
}
