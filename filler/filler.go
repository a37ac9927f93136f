// Package filler turns classified fields plus a profile into an ordered
// fill plan. Planning is pure: the host executes the plan against the
// live page; the planner never mutates the profile and never touches a
// DOM.
package filler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/formfill/detector"
	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/profile"
	"github.com/hazyhaar/formfill/siterules"
)

// Item is one planned fill action, addressed by fingerprint.
type Item struct {
	Fingerprint string            `json:"fingerprint"`
	Type        element.FieldType `json:"type"`
	Value       string            `json:"value"`
	// Delay is how long the host should pause before filling this field.
	// Comes from the site rule; zero means fill immediately.
	Delay      time.Duration      `json:"delay,omitempty"`
	Confidence element.Confidence `json:"confidence"`
	Method     element.Method     `json:"method"`
}

// Skip records a field the plan left out and why.
type Skip struct {
	Fingerprint string            `json:"fingerprint"`
	Type        element.FieldType `json:"type,omitempty"`
	Reason      string            `json:"reason"` // not-fillable, no-value, low-confidence
}

// Plan is the ordered fill sequence for one batch of fields.
type Plan struct {
	Hostname string       `json:"hostname"`
	Kind     profile.Kind `json:"kind"`
	Items    []Item       `json:"items"`
	Skipped  []Skip       `json:"skipped,omitempty"`
}

// Config for creating a Planner.
type Config struct {
	// MinConfidence excludes low-certainty classifications from plans.
	// Default: low — everything above the none floor is planned.
	MinConfidence element.Confidence
	Logger        *slog.Logger
}

// Planner builds fill plans. Safe for concurrent use; all state lives in
// its collaborators.
type Planner struct {
	detector *detector.Detector
	rules    *siterules.Engine
	profiles *profile.Store
	cfg      Config
}

// New creates a Planner. Rules may be nil when no site-rules engine is
// configured; detector and profiles are required.
func New(det *detector.Detector, rules *siterules.Engine, profiles *profile.Store, cfg Config) *Planner {
	if cfg.MinConfidence == "" {
		cfg.MinConfidence = element.ConfidenceLow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Planner{detector: det, rules: rules, profiles: profiles, cfg: cfg}
}

// Plan classifies the snapshots and assembles the fill sequence for the
// given profile kind. Items come out in form order (FormIndex, then
// submission order within a tie).
func (p *Planner) Plan(ctx context.Context, snaps []*element.Snapshot, kind profile.Kind) (*Plan, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("filler: unknown profile kind %q", kind)
	}

	plan := &Plan{Kind: kind}
	if len(snaps) > 0 {
		plan.Hostname = snaps[0].Hostname
	}

	type ordered struct {
		item  Item
		index int
		seq   int
	}
	var items []ordered

	for seq, snap := range snaps {
		field, err := p.detector.Classify(ctx, snap)
		if err != nil {
			return nil, fmt.Errorf("filler: classify: %w", err)
		}
		if field.Type == element.TypeNone {
			plan.Skipped = append(plan.Skipped, Skip{
				Fingerprint: field.Fingerprint, Reason: "not-fillable",
			})
			continue
		}
		if !confidenceAtLeast(field.Confidence, p.cfg.MinConfidence) {
			plan.Skipped = append(plan.Skipped, Skip{
				Fingerprint: field.Fingerprint, Type: field.Type, Reason: "low-confidence",
			})
			continue
		}
		value, ok := p.profiles.Value(kind, field.Type)
		if !ok {
			plan.Skipped = append(plan.Skipped, Skip{
				Fingerprint: field.Fingerprint, Type: field.Type, Reason: "no-value",
			})
			continue
		}
		items = append(items, ordered{
			item: Item{
				Fingerprint: field.Fingerprint,
				Type:        field.Type,
				Value:       value,
				Delay:       p.delayFor(snap.Hostname, field.Type),
				Confidence:  field.Confidence,
				Method:      field.Method,
			},
			index: snap.FormIndex,
			seq:   seq,
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		if items[i].index != items[j].index {
			return items[i].index < items[j].index
		}
		return items[i].seq < items[j].seq
	})
	plan.Items = make([]Item, len(items))
	for i, o := range items {
		plan.Items[i] = o.item
	}

	p.cfg.Logger.Debug("filler: plan built",
		"hostname", plan.Hostname, "kind", kind,
		"items", len(plan.Items), "skipped", len(plan.Skipped))
	return plan, nil
}

func (p *Planner) delayFor(hostname string, t element.FieldType) time.Duration {
	if p.rules == nil {
		return 0
	}
	rule, ok := p.rules.Match(hostname)
	if !ok || rule.Delays == nil {
		return 0
	}
	return rule.Delays[t]
}

// confidenceAtLeast orders the buckets for plan admission. Learned counts
// as high: a recorded correction is the strongest signal available.
func confidenceAtLeast(c, min element.Confidence) bool {
	return confidenceRank(c) >= confidenceRank(min)
}

func confidenceRank(c element.Confidence) int {
	switch c {
	case element.ConfidenceLearned, element.ConfidenceHigh:
		return 3
	case element.ConfidenceMedium:
		return 2
	case element.ConfidenceLow:
		return 1
	default:
		return 0
	}
}
