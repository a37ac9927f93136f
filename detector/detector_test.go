package detector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/formfill/element"
	"github.com/hazyhaar/formfill/siterules"
)

type stubLookup struct {
	mu    sync.Mutex
	calls int
	types map[string]element.FieldType
	// block, when non-nil, is closed by the test to release Lookup.
	block   chan struct{}
	entered chan struct{}
}

func (s *stubLookup) Lookup(sig string) (element.FieldType, bool) {
	s.mu.Lock()
	s.calls++
	entered, block := s.entered, s.block
	s.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.types[sig]
	return t, ok
}

func mustDetector(t *testing.T, cfg Config) *Detector {
	t.Helper()
	d, errs := New(cfg)
	if len(errs) > 0 {
		t.Fatalf("New: unexpected pattern errors: %v", errs)
	}
	return d
}

func TestClassify_PatternSignalsAdd(t *testing.T) {
	d := mustDetector(t, Config{})

	// type=email and name=email_addr both hit: 0.5 + 0.6, capped at 1.0.
	snap := &element.Snapshot{
		Hostname: "shop.example.com",
		Tag:      "input", Type: "email", Name: "email_addr",
	}
	got, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Type != element.TypeEmail {
		t.Errorf("Type = %q, want %q", got.Type, element.TypeEmail)
	}
	if got.Method != element.MethodPattern {
		t.Errorf("Method = %q, want %q", got.Method, element.MethodPattern)
	}
	if got.Score != 1.0 {
		t.Errorf("Score = %v, want 1.0", got.Score)
	}
	if got.Confidence != element.ConfidenceHigh {
		t.Errorf("Confidence = %q, want high", got.Confidence)
	}
}

func TestClassify_ConfidenceBuckets(t *testing.T) {
	d := mustDetector(t, Config{})

	tests := []struct {
		name string
		snap *element.Snapshot
		typ  element.FieldType
		conf element.Confidence
	}{
		{
			name: "name only is medium",
			snap: &element.Snapshot{Hostname: "a.test", Tag: "input", Type: "text", Name: "billing_city"},
			typ:  element.TypeCity,
			conf: element.ConfidenceMedium,
		},
		{
			name: "placeholder only is low",
			snap: &element.Snapshot{Hostname: "a.test", Tag: "input", Type: "text", Name: "f1", Placeholder: "Town"},
			typ:  element.TypeCity,
			conf: element.ConfidenceLow,
		},
		{
			name: "name plus label is high",
			snap: &element.Snapshot{Hostname: "a.test", Tag: "input", Type: "text", Name: "postalCode", Label: "ZIP code"},
			typ:  element.TypePostalCode,
			conf: element.ConfidenceHigh,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := d.Classify(context.Background(), tc.snap)
			if err != nil {
				t.Fatalf("Classify: %v", err)
			}
			if got.Type != tc.typ || got.Confidence != tc.conf {
				t.Errorf("got %q/%q, want %q/%q", got.Type, got.Confidence, tc.typ, tc.conf)
			}
		})
	}
}

func TestClassify_AutocompleteBeatsPatterns(t *testing.T) {
	d := mustDetector(t, Config{})

	// Identifier says email, attribute says card number. The attribute is
	// the author's declaration and wins.
	snap := &element.Snapshot{
		Hostname: "pay.example.com",
		Tag:      "input", Type: "text", Name: "email_field",
		Autocomplete: "cc-number",
	}
	got, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Type != element.TypeCardNumber {
		t.Errorf("Type = %q, want %q", got.Type, element.TypeCardNumber)
	}
	if got.Method != element.MethodAutocomplete {
		t.Errorf("Method = %q, want %q", got.Method, element.MethodAutocomplete)
	}
	if got.Confidence != element.ConfidenceHigh {
		t.Errorf("Confidence = %q, want high", got.Confidence)
	}
}

func TestClassify_AutocompleteTokenList(t *testing.T) {
	d := mustDetector(t, Config{})

	snap := &element.Snapshot{
		Hostname: "a.test", Tag: "input", Type: "text", Name: "x9",
		Autocomplete: "shipping address-line1",
	}
	got, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Type != element.TypeStreetAddress {
		t.Errorf("Type = %q, want %q", got.Type, element.TypeStreetAddress)
	}
}

func TestClassify_SiteRuleOutranksEverything(t *testing.T) {
	rules := siterules.NewEngine(siterules.Config{})
	if errs := rules.Load([]*siterules.SiteRule{{
		Hostname:  "fixed.example.com",
		Selectors: map[element.FieldType]string{element.TypePhone: "#contact"},
	}}); len(errs) > 0 {
		t.Fatalf("load rules: %v", errs)
	}

	lookup := &stubLookup{types: map[string]element.FieldType{}}
	d := mustDetector(t, Config{Rules: rules, Learned: lookup})

	snap := &element.Snapshot{
		Hostname: "fixed.example.com",
		Tag:      "input", Type: "text", ID: "contact",
		Name:         "email_addr",
		Autocomplete: "email",
	}
	lookup.types[snap.Signature()] = element.TypeUsername

	got, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Type != element.TypePhone {
		t.Errorf("Type = %q, want %q (rule override)", got.Type, element.TypePhone)
	}
	if got.Method != element.MethodSiteRule {
		t.Errorf("Method = %q, want %q", got.Method, element.MethodSiteRule)
	}
	if got.Score != 1.0 || got.Confidence != element.ConfidenceHigh {
		t.Errorf("Score/Confidence = %v/%q, want 1.0/high", got.Score, got.Confidence)
	}
}

func TestClassify_RuleExclusionYieldsNone(t *testing.T) {
	rules := siterules.NewEngine(siterules.Config{})
	if errs := rules.Load([]*siterules.SiteRule{{
		Hostname:   "fixed.example.com",
		Selectors:  map[element.FieldType]string{element.TypeEmail: "#email"},
		Exclusions: []string{"input[name=search_email]"},
	}}); len(errs) > 0 {
		t.Fatalf("load rules: %v", errs)
	}
	d := mustDetector(t, Config{Rules: rules})

	snap := &element.Snapshot{
		Hostname: "fixed.example.com",
		Tag:      "input", Type: "text", Name: "search_email",
	}
	got, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Type != element.TypeNone {
		t.Errorf("Type = %q, want none (excluded)", got.Type)
	}
	if got.Method != element.MethodSiteRule {
		t.Errorf("Method = %q, want %q", got.Method, element.MethodSiteRule)
	}
}

func TestClassify_LearnedBeatsHeuristics(t *testing.T) {
	lookup := &stubLookup{types: map[string]element.FieldType{}}
	d := mustDetector(t, Config{Learned: lookup})

	snap := &element.Snapshot{
		Hostname: "quirk.example.com",
		Tag:      "input", Type: "text", Name: "email_addr",
		Autocomplete: "email",
	}
	lookup.types[snap.Signature()] = element.TypeUsername

	got, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Type != element.TypeUsername {
		t.Errorf("Type = %q, want %q (learned override)", got.Type, element.TypeUsername)
	}
	if got.Method != element.MethodLearned {
		t.Errorf("Method = %q, want %q", got.Method, element.MethodLearned)
	}
	if got.Confidence != element.ConfidenceLearned {
		t.Errorf("Confidence = %q, want learned", got.Confidence)
	}
}

func TestClassify_NoneIsCachedToo(t *testing.T) {
	lookup := &stubLookup{}
	d := mustDetector(t, Config{Learned: lookup})

	snap := &element.Snapshot{
		Hostname: "a.test", Tag: "input", Type: "text", Name: "xq7_misc",
	}
	first, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if first.Type != element.TypeNone || first.Method != element.MethodNone {
		t.Fatalf("got %q/%q, want none/none", first.Type, first.Method)
	}

	second, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if second != first {
		t.Error("second Classify did not return the cached result")
	}
	if lookup.calls != 1 {
		t.Errorf("learned lookups = %d, want 1 (cache hit skips evaluation)", lookup.calls)
	}
}

func TestClassify_ConcurrentCallsShareOneEvaluation(t *testing.T) {
	lookup := &stubLookup{
		types:   map[string]element.FieldType{},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	d := mustDetector(t, Config{Learned: lookup})

	snap := &element.Snapshot{
		Hostname: "a.test", Tag: "input", Type: "text", Name: "email_addr",
	}
	lookup.types[snap.Signature()] = element.TypeEmail

	results := make(chan *element.DetectedField, 2)
	go func() {
		f, _ := d.Classify(context.Background(), snap)
		results <- f
	}()
	<-lookup.entered // first call is inside the evaluation

	go func() {
		f, _ := d.Classify(context.Background(), snap)
		results <- f
	}()
	time.Sleep(20 * time.Millisecond) // let the second call reach the wait
	close(lookup.block)

	a, b := <-results, <-results
	if a != b {
		t.Error("concurrent calls returned distinct results, want shared")
	}
	if lookup.calls != 1 {
		t.Errorf("evaluations = %d, want 1", lookup.calls)
	}
}

func TestForgetSignature_PurgesSimilarFields(t *testing.T) {
	lookup := &stubLookup{types: map[string]element.FieldType{}}
	d := mustDetector(t, Config{Learned: lookup})

	// Same name and label, different ids: distinct fingerprints, one
	// signature.
	snapA := &element.Snapshot{Hostname: "a.test", Tag: "input", Type: "text", Name: "email_addr", ID: "f1", Label: "Email"}
	snapB := &element.Snapshot{Hostname: "a.test", Tag: "input", Type: "text", Name: "email_addr", ID: "f2", Label: "Email"}
	if snapA.Fingerprint() == snapB.Fingerprint() {
		t.Fatal("fixture: fingerprints must differ")
	}
	if snapA.Signature() != snapB.Signature() {
		t.Fatal("fixture: signatures must agree")
	}

	for _, s := range []*element.Snapshot{snapA, snapB} {
		if _, err := d.Classify(context.Background(), s); err != nil {
			t.Fatalf("Classify: %v", err)
		}
	}

	// A correction arrives for this signature.
	lookup.mu.Lock()
	lookup.types[snapA.Signature()] = element.TypeUsername
	lookup.mu.Unlock()
	if n := d.ForgetSignature(snapA.Signature()); n != 2 {
		t.Fatalf("ForgetSignature purged %d entries, want 2", n)
	}

	got, err := d.Classify(context.Background(), snapB)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Type != element.TypeUsername || got.Method != element.MethodLearned {
		t.Errorf("got %q/%q after correction, want username/learned", got.Type, got.Method)
	}
}

func TestClassify_ParsedFragment(t *testing.T) {
	d := mustDetector(t, Config{})

	snap, err := element.ParseSnapshot(
		`<div><label>Card number</label><input type="text" name="cardNumber" autocomplete="cc-number"></div>`,
		"pay.example.com")
	if err != nil {
		t.Fatalf("ParseSnapshot: %v", err)
	}
	got, err := d.Classify(context.Background(), snap)
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Type != element.TypeCardNumber {
		t.Errorf("Type = %q, want %q", got.Type, element.TypeCardNumber)
	}
}
