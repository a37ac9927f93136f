// Package siterules implements hostname-indexed override rules for field
// classification and filling. A rule pins selectors per field type, per-type
// fill delays, exclusion selectors, and optionally an ordered multi-step
// form sequence.
//
// Rules are data: the host loads them from an external distribution
// mechanism and hands them over as a ruleset. Once loaded, the set is
// read-only; a new set arrives only through an explicit Reload.
package siterules

import (
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/fieldcache"
)

// SiteRule is an override rule for one hostname (exact or glob pattern).
// Immutable once loaded.
type SiteRule struct {
	// Hostname matches exactly, or as a glob pattern ("*.example.com").
	Hostname string `yaml:"hostname" json:"hostname"`
	// Selectors maps a field type to the CSS selector that identifies it.
	Selectors map[element.FieldType]string `yaml:"selectors" json:"selectors"`
	// Delays maps a field type to its fill delay.
	Delays map[element.FieldType]time.Duration `yaml:"delays" json:"delays,omitempty"`
	// Exclusions are selectors for elements that must never be filled.
	Exclusions []string `yaml:"exclusions" json:"exclusions,omitempty"`
	// Steps describes a multi-page form sequence, in order.
	Steps []Step `yaml:"steps" json:"steps,omitempty"`
	// Metadata is free-form rule annotation (author, version, notes).
	Metadata map[string]string `yaml:"metadata" json:"metadata,omitempty"`
}

// Step is one stage of a multi-page form flow.
type Step struct {
	Name string `yaml:"name" json:"name"`
	// Selectors override the rule's selectors while this step is active.
	Selectors map[element.FieldType]string `yaml:"selectors" json:"selectors,omitempty"`
	// Next is the selector of the control that advances the flow.
	Next string `yaml:"next" json:"next"`
	// LoadWait is how long the host should wait after triggering Next
	// before the following step's fields are expected.
	LoadWait time.Duration `yaml:"load_wait" json:"load_wait,omitempty"`
	// StallAfter bounds how long the engine waits for the host's
	// step-completed signal before declaring the sequence stalled.
	StallAfter time.Duration `yaml:"stall_after" json:"stall_after,omitempty"`
	// Skip lists selectors to ignore during this step.
	Skip []string `yaml:"skip" json:"skip,omitempty"`
}

// Engine matches hostnames against the loaded ruleset and tracks multi-step
// sessions. Pattern evaluation results are cached per hostname since they
// do not depend on later DOM structure.
type Engine struct {
	mu       sync.RWMutex
	exact    map[string]*SiteRule
	patterns []*SiteRule
	sessions map[string]*stepSession

	cache  *fieldcache.Cache[string, *SiteRule]
	logger *slog.Logger

	// OnStall receives step-stall reports. Fatal for the sequence: the
	// session is reset to idle before the callback runs.
	OnStall func(err *StepStallError)
}

// Config for creating an Engine.
type Config struct {
	// PatternCache holds hostname → matched rule (nil for no-match).
	// Required: pattern evaluation is assumed cached by the detector.
	PatternCache *fieldcache.Cache[string, *SiteRule]
	Logger       *slog.Logger
}

// NewEngine creates an empty Engine. Call Load before matching.
func NewEngine(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PatternCache == nil {
		cfg.PatternCache = fieldcache.New[string, *SiteRule](fieldcache.Config{})
	}
	return &Engine{
		exact:    make(map[string]*SiteRule),
		sessions: make(map[string]*stepSession),
		cache:    cfg.PatternCache,
		logger:   cfg.Logger,
	}
}

// CacheStats reports the pattern cache's size and limits.
func (e *Engine) CacheStats() fieldcache.Stats {
	return e.cache.Stats()
}

// Match returns the rule for hostname, or false when no rule applies.
// Exact hostname rules win over patterns; among patterns the most specific
// wins — longest literal prefix before the first wildcard breaks ties.
// Both positive and negative results are cached.
func (e *Engine) Match(hostname string) (*SiteRule, bool) {
	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return nil, false
	}

	if entry, ok := e.cache.Get(hostname); ok {
		return entry.Data, entry.Data != nil
	}

	rule := e.matchUncached(hostname)
	e.cache.Put(hostname, rule, "")
	return rule, rule != nil
}

func (e *Engine) matchUncached(hostname string) *SiteRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if r, ok := e.exact[hostname]; ok {
		return r
	}

	var best *SiteRule
	bestPrefix := -1
	for _, r := range e.patterns {
		ok, err := path.Match(r.Hostname, hostname)
		if err != nil || !ok {
			continue
		}
		if p := literalPrefixLen(r.Hostname); p > bestPrefix {
			best, bestPrefix = r, p
		}
	}
	return best
}

// literalPrefixLen returns the length of the pattern before its first
// wildcard character.
func literalPrefixLen(pattern string) int {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return i
	}
	return len(pattern)
}

// Excluded reports whether any of the rule's exclusion selectors plausibly
// targets the snapshot. Exclusions short-circuit classification to "none".
func (r *SiteRule) Excluded(snap *element.Snapshot) bool {
	for _, sel := range r.Exclusions {
		if SelectorTargets(sel, snap) {
			return true
		}
	}
	return false
}

// TypeFor returns the field type whose selector targets the snapshot,
// honouring the active step's selector overrides when step is non-nil.
func (r *SiteRule) TypeFor(snap *element.Snapshot, step *Step) (element.FieldType, bool) {
	if step != nil {
		for _, sel := range step.Skip {
			if SelectorTargets(sel, snap) {
				return element.TypeNone, false
			}
		}
		if t, ok := matchSelectors(step.Selectors, snap); ok {
			return t, true
		}
	}
	return matchSelectors(r.Selectors, snap)
}

func matchSelectors(selectors map[element.FieldType]string, snap *element.Snapshot) (element.FieldType, bool) {
	for t, sel := range selectors {
		if SelectorTargets(sel, snap) {
			return t, true
		}
	}
	return element.TypeNone, false
}

// SelectorTargets evaluates a simple CSS selector against a snapshot. The
// core holds serialised elements, not a live tree, so the supported grammar
// is the subset rules actually use: tag, #id, .class, [attr], [attr=value],
// and conjunctions of those (input#email, input[name=email]). Descendant
// combinators cannot be evaluated against a lone snapshot; for those only
// the final simple selector is checked.
func SelectorTargets(selector string, snap *element.Snapshot) bool {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return false
	}
	// Use the last segment of a descendant selector.
	if i := strings.LastIndexAny(selector, " >"); i >= 0 {
		selector = strings.TrimSpace(selector[i+1:])
	}

	for _, part := range splitSimpleSelector(selector) {
		switch {
		case strings.HasPrefix(part, "#"):
			if snap.ID != part[1:] {
				return false
			}
		case strings.HasPrefix(part, "."):
			if !hasClass(snap, part[1:]) {
				return false
			}
		case strings.HasPrefix(part, "["):
			if !attrMatches(part, snap) {
				return false
			}
		default:
			if !strings.EqualFold(part, snap.Tag) {
				return false
			}
		}
	}
	return true
}

// splitSimpleSelector splits "input#email.big[name=e]" into its simple
// components.
func splitSimpleSelector(sel string) []string {
	var parts []string
	var b strings.Builder
	inAttr := false
	for _, r := range sel {
		switch {
		case r == '[':
			if b.Len() > 0 {
				parts = append(parts, b.String())
				b.Reset()
			}
			inAttr = true
			b.WriteRune(r)
		case r == ']':
			b.WriteRune(r)
			parts = append(parts, b.String())
			b.Reset()
			inAttr = false
		case (r == '#' || r == '.') && !inAttr:
			if b.Len() > 0 {
				parts = append(parts, b.String())
				b.Reset()
			}
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func attrMatches(part string, snap *element.Snapshot) bool {
	body := strings.TrimSuffix(strings.TrimPrefix(part, "["), "]")
	name, value, hasValue := strings.Cut(body, "=")
	name = strings.ToLower(strings.TrimSpace(name))
	value = strings.Trim(strings.TrimSpace(value), `"'`)

	var got string
	switch name {
	case "name":
		got = snap.Name
	case "id":
		got = snap.ID
	case "type":
		got = snap.Type
	case "placeholder":
		got = snap.Placeholder
	case "autocomplete":
		got = snap.Autocomplete
	default:
		got = snap.Attr(name)
	}
	if !hasValue {
		return got != "" || hasAttr(snap, name)
	}
	return got == value
}

func hasAttr(snap *element.Snapshot, name string) bool {
	if snap.Attrs == nil {
		return false
	}
	_, ok := snap.Attrs[name]
	return ok
}

func hasClass(snap *element.Snapshot, class string) bool {
	for _, c := range strings.Fields(snap.Attr("class")) {
		if c == class {
			return true
		}
	}
	return false
}
