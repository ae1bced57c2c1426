package crawler

import (
	"errors"
	"fmt"
	"time"
)

// SourceConfig describes one external source and how to extract it.
type SourceConfig struct {
	ID             string        `mapstructure:"id" yaml:"id" json:"id"`
	Driver         string        `mapstructure:"driver" yaml:"driver" json:"driver"`
	Kinds          []RecordKind  `mapstructure:"kinds" yaml:"kinds" json:"kinds"`
	EntryURLs      []string      `mapstructure:"entry_urls" yaml:"entry_urls" json:"entry_urls"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency" json:"max_concurrency"`
	DelayMin       time.Duration `mapstructure:"delay_min" yaml:"delay_min" json:"delay_min"`
	DelayMax       time.Duration `mapstructure:"delay_max" yaml:"delay_max" json:"delay_max"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent" json:"user_agent,omitempty"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout,omitempty"`
	Render         bool          `mapstructure:"render" yaml:"render" json:"render,omitempty"`
	MaxPages       int           `mapstructure:"max_pages" yaml:"max_pages" json:"max_pages,omitempty"`
	// Next locates the following page: a CSS selector (html) or dotted path (json).
	Next  string        `mapstructure:"next" yaml:"next" json:"next,omitempty"`
	Rules []ExtractRule `mapstructure:"rules" yaml:"rules" json:"rules"`
}

// ExtractRule maps one repeated item on a page to a record of Kind.
//
// Item selects the repeated element (CSS selector or dotted path). Fields maps
// record field names to selectors relative to the item; html selectors accept
// an "@attr" suffix. Static fields are copied into every record verbatim.
type ExtractRule struct {
	Kind   RecordKind        `mapstructure:"kind" yaml:"kind" json:"kind"`
	Item   string            `mapstructure:"item" yaml:"item" json:"item"`
	Fields map[string]string `mapstructure:"fields" yaml:"fields" json:"fields"`
	Static map[string]string `mapstructure:"static" yaml:"static" json:"static,omitempty"`
}

// Validate checks the configuration a job needs before it can start.
func (s SourceConfig) Validate() error {
	if s.ID == "" {
		return errors.New("source id is required")
	}
	if s.Driver == "" {
		return fmt.Errorf("source %s: driver is required", s.ID)
	}
	if len(s.EntryURLs) == 0 {
		return fmt.Errorf("source %s: at least one entry_url is required", s.ID)
	}
	if s.DelayMax > 0 && s.DelayMax < s.DelayMin {
		return fmt.Errorf("source %s: delay_max must be >= delay_min", s.ID)
	}
	if len(s.Rules) == 0 {
		return fmt.Errorf("source %s: at least one rule is required", s.ID)
	}
	declared := make(map[RecordKind]struct{}, len(s.Kinds))
	for _, k := range s.Kinds {
		kind, err := ParseKind(string(k))
		if err != nil {
			return fmt.Errorf("source %s: %w", s.ID, err)
		}
		declared[kind] = struct{}{}
	}
	for i, rule := range s.Rules {
		kind, err := ParseKind(string(rule.Kind))
		if err != nil {
			return fmt.Errorf("source %s: rule %d has unknown kind %q", s.ID, i, rule.Kind)
		}
		if _, ok := declared[kind]; len(declared) > 0 && !ok {
			return fmt.Errorf("source %s: rule %d kind %q is not among the declared kinds", s.ID, i, kind)
		}
		if len(rule.Fields) == 0 && len(rule.Static) == 0 {
			return fmt.Errorf("source %s: rule %d maps no fields", s.ID, i)
		}
	}
	return nil
}

// Normalize returns a copy of s with every declared and rule kind in canonical
// form. Kinds that do not parse are kept as given for Validate to report.
func (s SourceConfig) Normalize() SourceConfig {
	if s.Kinds != nil {
		kinds := make([]RecordKind, len(s.Kinds))
		for i, k := range s.Kinds {
			kinds[i] = canonicalKind(k)
		}
		s.Kinds = kinds
	}
	if s.Rules != nil {
		rules := make([]ExtractRule, len(s.Rules))
		for i, r := range s.Rules {
			r.Kind = canonicalKind(r.Kind)
			rules[i] = r
		}
		s.Rules = rules
	}
	return s
}

func canonicalKind(k RecordKind) RecordKind {
	if parsed, err := ParseKind(string(k)); err == nil {
		return parsed
	}
	return k
}

// PrimaryKind is the heaviest kind the source declares, used to pick a timeout.
func (s SourceConfig) PrimaryKind() RecordKind {
	kinds := s.Kinds
	if len(kinds) == 0 {
		for _, r := range s.Rules {
			kinds = append(kinds, r.Kind)
		}
	}
	for _, k := range Kinds {
		for _, declared := range kinds {
			if declared == k {
				return k
			}
		}
	}
	return ""
}
