package detector

import (
	"fmt"
	"regexp"

	"github.com/hazyhaar/formfill/element"
)

// Signal weights. Name and id are author-chosen identifiers and weigh
// most; labels are user-facing but free text; placeholders are often
// example values rather than field names.
const (
	weightName        = 0.6
	weightID          = 0.6
	weightLabel       = 0.4
	weightPlaceholder = 0.3
	weightInputType   = 0.5

	// minWinScore is the floor below which no candidate wins and the
	// element classifies as none.
	minWinScore = 0.2
)

// SignalEvaluationError reports a pattern that could not be compiled.
// Non-fatal: the offending pattern is skipped and the rest of the table
// stays in force.
type SignalEvaluationError struct {
	Type element.FieldType
	Expr string
	Err  error
}

func (e *SignalEvaluationError) Error() string {
	return fmt.Sprintf("detector: pattern for %s: %q: %v", e.Type, e.Expr, e.Err)
}

func (e *SignalEvaluationError) Unwrap() error { return e.Err }

// PatternRule is one uncompiled identifier pattern, used to extend the
// built-in tables through Config.ExtraPatterns.
type PatternRule struct {
	Type element.FieldType `yaml:"type" json:"type"`
	Expr string            `yaml:"expr" json:"expr"`
}

// builtinPatterns match against name, id, placeholder and label. One
// expression per field type keeps the table reviewable. Matching is
// substring-based: identifiers come as user_name, user-name and userName
// alike, and \b fires at none of those joints. Short tokens that would
// over-match as substrings (tel, pan, apt) are anchored to separators
// explicitly.
var builtinPatterns = []PatternRule{
	{element.TypeFirstName, `(?i)first[\s_-]?name|fname|given[\s_-]?name|forename`},
	{element.TypeLastName, `(?i)last[\s_-]?name|lname|family[\s_-]?name|surname`},
	{element.TypeFullName, `(?i)full[\s_-]?name|your[\s_-]?name|^name$`},
	{element.TypeEmail, `(?i)e[\s_-]?mail`},
	{element.TypePhone, `(?i)phone|mobile|(^|[^a-zA-Z])tel([^a-zA-Z]|$)`},
	{element.TypeOrganization, `(?i)company|organi[sz]ation|employer|business[\s_-]?name`},
	{element.TypeStreetAddress, `(?i)street|address[\s_-]?(line[\s_-]?)?1|^addr(ess)?$`},
	{element.TypeAddressLine2, `(?i)address[\s_-]?(line[\s_-]?)?2|^addr2$|apartment|(^|[\s_-])apt|suite`},
	{element.TypeCity, `(?i)city|town|locality`},
	{element.TypeState, `(?i)state|province|region|county`},
	{element.TypePostalCode, `(?i)zip|postal[\s_-]?code|post[\s_-]?code`},
	{element.TypeCountry, `(?i)country`},
	{element.TypeCardNumber, `(?i)card[\s_-]?(number|num|no($|[\s_-]))|cc[\s_-]?num|(^|[\s_-])pan($|[\s_-])`},
	{element.TypeCardName, `(?i)card[\s_-]?holder|name[\s_-]?on[\s_-]?card|cc[\s_-]?name`},
	{element.TypeCardExpMonth, `(?i)exp(ir(y|ation))?[\s_-]?month|exp[\s_-]?mm|cc[\s_-]?month`},
	{element.TypeCardExpYear, `(?i)exp(ir(y|ation))?[\s_-]?year|exp[\s_-]?yy|cc[\s_-]?year`},
	{element.TypeCardCVC, `(?i)cvc|cvv|csc|security[\s_-]?code|card[\s_-]?(verification|code)`},
	{element.TypeUsername, `(?i)user[\s_-]?name|user[\s_-]?id|login|account[\s_-]?name`},
	{element.TypePassword, `(?i)pass[\s_-]?word|passwd|pwd`},
}

// inputTypes maps HTML input type attributes that carry field semantics.
var inputTypes = map[string]element.FieldType{
	"email":    element.TypeEmail,
	"tel":      element.TypePhone,
	"password": element.TypePassword,
}

type compiledPattern struct {
	typ element.FieldType
	re  *regexp.Regexp
}

// compilePatterns builds the matching table from the built-in rules plus
// any extras. Malformed expressions are reported as SignalEvaluationErrors
// and skipped; a bad custom pattern never disables detection.
func compilePatterns(extra []PatternRule) ([]compiledPattern, []error) {
	rules := make([]PatternRule, 0, len(builtinPatterns)+len(extra))
	rules = append(rules, builtinPatterns...)
	rules = append(rules, extra...)

	var (
		table []compiledPattern
		errs  []error
	)
	for _, r := range rules {
		if !r.Type.Valid() || r.Type == element.TypeNone {
			errs = append(errs, &SignalEvaluationError{
				Type: r.Type, Expr: r.Expr,
				Err: fmt.Errorf("unknown field type"),
			})
			continue
		}
		re, err := regexp.Compile(r.Expr)
		if err != nil {
			errs = append(errs, &SignalEvaluationError{Type: r.Type, Expr: r.Expr, Err: err})
			continue
		}
		table = append(table, compiledPattern{typ: r.Type, re: re})
	}
	return table, errs
}

// scoreSignals runs the pattern table over a snapshot and returns the
// additive score per candidate type, each capped at 1.0.
func scoreSignals(table []compiledPattern, snap *element.Snapshot) map[element.FieldType]float64 {
	scores := make(map[element.FieldType]float64)
	add := func(t element.FieldType, w float64) {
		s := scores[t] + w
		if s > 1.0 {
			s = 1.0
		}
		scores[t] = s
	}

	for _, p := range table {
		if snap.Name != "" && p.re.MatchString(snap.Name) {
			add(p.typ, weightName)
		}
		if snap.ID != "" && p.re.MatchString(snap.ID) {
			add(p.typ, weightID)
		}
		if snap.Label != "" && p.re.MatchString(snap.Label) {
			add(p.typ, weightLabel)
		}
		if snap.Placeholder != "" && p.re.MatchString(snap.Placeholder) {
			add(p.typ, weightPlaceholder)
		}
	}
	if t, ok := inputTypes[snap.Type]; ok {
		add(t, weightInputType)
	}
	return scores
}

// bestCandidate picks the winning type from a score map. Ties resolve in
// the stable FieldTypes order so repeated runs over the same snapshot
// agree. Returns false when nothing reaches the win floor.
func bestCandidate(scores map[element.FieldType]float64) (element.FieldType, float64, bool) {
	var (
		winner element.FieldType
		best   float64
	)
	for _, t := range element.FieldTypes {
		if s, ok := scores[t]; ok && s > best {
			winner, best = t, s
		}
	}
	if best < minWinScore {
		return "", 0, false
	}
	return winner, best, true
}
