package siterules

import (
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/formfill/element"
)

// RuleLoadError reports one malformed rule in a ruleset. The rule is
// discarded; the rest of the set still loads.
type RuleLoadError struct {
	Hostname string
	Reason   string
}

func (e *RuleLoadError) Error() string {
	return fmt.Sprintf("siterules: rule %q: %s", e.Hostname, e.Reason)
}

// Ruleset is the on-disk / on-wire shape of a rule collection.
type Ruleset struct {
	Rules []*SiteRule `yaml:"rules" json:"rules"`
}

// LoadFile reads a YAML ruleset from disk and loads it into the engine.
func (e *Engine) LoadFile(filePath string) []error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return []error{fmt.Errorf("siterules: read ruleset: %w", err)}
	}
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return []error{fmt.Errorf("siterules: parse ruleset: %w", err)}
	}
	return e.Load(rs.Rules)
}

// Load replaces the engine's ruleset. Malformed rules are discarded and
// reported — one error per bad rule, once per load attempt — while valid
// rules still take effect. The pattern cache is cleared so stale matches
// from a previous set cannot survive.
func (e *Engine) Load(rules []*SiteRule) []error {
	exact := make(map[string]*SiteRule, len(rules))
	var patterns []*SiteRule
	var errs []error

	for _, r := range rules {
		if err := validateRule(r); err != nil {
			errs = append(errs, err)
			e.logger.Warn("siterules: discarding malformed rule",
				"hostname", ruleHost(r), "error", err)
			continue
		}
		host := strings.ToLower(strings.TrimSpace(r.Hostname))
		r.Hostname = host
		if strings.ContainsAny(host, "*?[") {
			patterns = append(patterns, r)
		} else {
			exact[host] = r
		}
	}

	e.mu.Lock()
	e.exact = exact
	e.patterns = patterns
	e.mu.Unlock()

	e.cache.Clear()
	e.ResetAllSessions()

	e.logger.Info("siterules: ruleset loaded",
		"exact", len(exact), "patterns", len(patterns), "discarded", len(errs))
	return errs
}

// Reload is Load under its explicit name: the only way a loaded set
// changes.
func (e *Engine) Reload(rules []*SiteRule) []error {
	return e.Load(rules)
}

func validateRule(r *SiteRule) error {
	if r == nil {
		return &RuleLoadError{Reason: "nil rule"}
	}
	host := strings.TrimSpace(r.Hostname)
	if host == "" {
		return &RuleLoadError{Reason: "empty hostname"}
	}
	if _, err := path.Match(host, "probe.example.com"); err != nil {
		return &RuleLoadError{Hostname: host, Reason: "bad hostname pattern: " + err.Error()}
	}
	if len(r.Selectors) == 0 && len(r.Exclusions) == 0 && len(r.Steps) == 0 {
		return &RuleLoadError{Hostname: host, Reason: "rule has no selectors, exclusions or steps"}
	}
	for t := range r.Selectors {
		if !t.Valid() || t == element.TypeNone {
			return &RuleLoadError{Hostname: host, Reason: fmt.Sprintf("unknown field type %q", t)}
		}
	}
	for i, st := range r.Steps {
		if st.Name == "" {
			return &RuleLoadError{Hostname: host, Reason: fmt.Sprintf("step %d has no name", i)}
		}
		for t := range st.Selectors {
			if !t.Valid() || t == element.TypeNone {
				return &RuleLoadError{Hostname: host,
					Reason: fmt.Sprintf("step %q: unknown field type %q", st.Name, t)}
			}
		}
	}
	return nil
}

func ruleHost(r *SiteRule) string {
	if r == nil {
		return ""
	}
	return r.Hostname
}
