// Package detector classifies form controls into semantic field types by
// combining fixed-precedence signal sources: site rules override
// everything, recorded corrections override heuristics, the autocomplete
// attribute overrides pattern scoring, and weighted identifier patterns
// are the fallback.
//
// Classification is deterministic and cached: the same snapshot always
// yields the same DetectedField, and a second Classify for a live cache
// entry never re-evaluates signals. Negative results are cached too — an
// element established as not-fillable should not be re-scored on every
// mutation the host reports.
package detector

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/fieldcache"
	"github.com/hazyhaar/formfill/siterules"
)

// Lookup resolves a learned correction for a field signature.
// Implemented by the learning store.
type Lookup interface {
	Lookup(signature string) (element.FieldType, bool)
}

// Config for creating a Detector. All collaborators are optional except
// the cache, which is created when absent.
type Config struct {
	// Rules is the site-rules engine consulted first. Nil disables rule
	// overrides.
	Rules *siterules.Engine
	// Learned resolves user corrections by signature. Nil disables the
	// learning override.
	Learned Lookup
	// Cache stores DetectedFields by fingerprint. Default: a fresh cache
	// with package defaults.
	Cache *fieldcache.Cache[string, *element.DetectedField]
	// ExtraPatterns extends the built-in identifier pattern tables.
	ExtraPatterns []PatternRule
	Logger        *slog.Logger
}

// Detector is the classifier. Safe for concurrent use.
type Detector struct {
	cfg   Config
	table []compiledPattern

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// inflightCall lets concurrent Classify calls for the same fingerprint
// share one evaluation instead of racing to compute and cache it.
type inflightCall struct {
	done  chan struct{}
	field *element.DetectedField
}

// New builds a Detector. Malformed extra patterns are returned as
// SignalEvaluationErrors and skipped; the detector is usable regardless.
func New(cfg Config) (*Detector, []error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cache == nil {
		cfg.Cache = fieldcache.New[string, *element.DetectedField](fieldcache.Config{})
	}
	table, errs := compilePatterns(cfg.ExtraPatterns)
	for _, err := range errs {
		cfg.Logger.Warn("detector: skipping pattern", "error", err)
	}
	return &Detector{
		cfg:      cfg,
		table:    table,
		inflight: make(map[string]*inflightCall),
	}, errs
}

// Cache returns the detector's field cache.
func (d *Detector) Cache() *fieldcache.Cache[string, *element.DetectedField] {
	return d.cfg.Cache
}

// Classify resolves the field type for a snapshot. Results come from the
// cache when fresh; otherwise one evaluation runs and concurrent callers
// for the same fingerprint wait for it rather than recomputing.
func (d *Detector) Classify(ctx context.Context, snap *element.Snapshot) (*element.DetectedField, error) {
	fp := snap.Fingerprint()

	if e, ok := d.cfg.Cache.Get(fp); ok {
		return e.Data, nil
	}

	d.mu.Lock()
	if call, ok := d.inflight[fp]; ok {
		d.mu.Unlock()
		select {
		case <-call.done:
			return call.field, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	d.inflight[fp] = call
	d.mu.Unlock()

	field := d.classify(snap, fp)
	// Entry context is the signature, so corrections can purge every
	// cached decision for structurally similar fields.
	d.cfg.Cache.Put(fp, field, snap.Signature())

	d.mu.Lock()
	delete(d.inflight, fp)
	d.mu.Unlock()

	call.field = field
	close(call.done)

	d.cfg.Logger.Debug("detector: classified",
		"hostname", snap.Hostname, "fingerprint", fp,
		"type", field.Type, "method", field.Method, "score", field.Score)
	return field, nil
}

// ForgetSignature drops every cached decision whose signature matches.
// Called after a correction is recorded so similar fields re-classify.
func (d *Detector) ForgetSignature(signature string) int {
	return d.cfg.Cache.InvalidateFunc(func(_ string, e *fieldcache.Entry[*element.DetectedField]) bool {
		return e.Context == signature
	})
}

func (d *Detector) classify(snap *element.Snapshot, fp string) *element.DetectedField {
	dc := snap.Context()

	if d.cfg.Rules != nil {
		if rule, ok := d.cfg.Rules.Match(snap.Hostname); ok {
			if rule.Excluded(snap) {
				return &element.DetectedField{
					Fingerprint: fp,
					Type:        element.TypeNone,
					Score:       1.0,
					Confidence:  element.ConfidenceHigh,
					Method:      element.MethodSiteRule,
					Context:     dc,
				}
			}
			var step *siterules.Step
			if info, ok := d.cfg.Rules.ResolveStep(rule, snap.PageSession); ok {
				step = &info.Step
			}
			if t, ok := rule.TypeFor(snap, step); ok {
				return &element.DetectedField{
					Fingerprint: fp,
					Type:        t,
					Score:       1.0,
					Confidence:  element.ConfidenceHigh,
					Method:      element.MethodSiteRule,
					Context:     dc,
				}
			}
		}
	}

	if d.cfg.Learned != nil {
		if t, ok := d.cfg.Learned.Lookup(snap.Signature()); ok {
			return &element.DetectedField{
				Fingerprint: fp,
				Type:        t,
				Score:       1.0,
				Confidence:  element.ConfidenceLearned,
				Method:      element.MethodLearned,
				Context:     dc,
			}
		}
	}

	if snap.Autocomplete != "" {
		if t, ok := autocompleteType(snap.Autocomplete); ok {
			return &element.DetectedField{
				Fingerprint: fp,
				Type:        t,
				Score:       0.9,
				Confidence:  element.BucketFor(0.9),
				Method:      element.MethodAutocomplete,
				Context:     dc,
			}
		}
	}

	if t, score, ok := bestCandidate(scoreSignals(d.table, snap)); ok {
		return &element.DetectedField{
			Fingerprint: fp,
			Type:        t,
			Score:       score,
			Confidence:  element.BucketFor(score),
			Method:      element.MethodPattern,
			Context:     dc,
		}
	}

	return &element.DetectedField{
		Fingerprint: fp,
		Type:        element.TypeNone,
		Confidence:  element.ConfidenceNone,
		Method:      element.MethodNone,
		Context:     dc,
	}
}
