package siterules

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/formfill/element"
)

func stepRule() *SiteRule {
	return &SiteRule{
		Hostname: "multi.example.com",
		Steps: []Step{
			{Name: "account", Next: "#next1", StallAfter: 20 * time.Millisecond},
			{Name: "shipping", Next: "#next2", LoadWait: 50 * time.Millisecond},
			{Name: "payment", Next: "#submit"},
		},
	}
}

func TestSteps_AdvanceOnlyOnCompleteSignal(t *testing.T) {
	e := testEngine(t)
	rule := stepRule()

	info, ok := e.ResolveStep(rule, "sess-1")
	if !ok {
		t.Fatal("resolve: no step")
	}
	if info.Index != 0 || info.Step.Name != "account" || info.Total != 3 {
		t.Errorf("first step: got %+v", info)
	}

	// Resolving again does not advance.
	info, _ = e.ResolveStep(rule, "sess-1")
	if info.Index != 0 {
		t.Error("ResolveStep must not advance the sequence")
	}

	next, ok := e.CompleteStep("sess-1")
	if !ok || next.Step.Name != "shipping" {
		t.Fatalf("complete: got %+v ok=%v", next, ok)
	}
	if next.Step.LoadWait != 50*time.Millisecond {
		t.Errorf("LoadWait: got %s", next.Step.LoadWait)
	}

	e.CompleteStep("sess-1")
	if _, ok := e.CompleteStep("sess-1"); ok {
		t.Error("sequence past its last step should report absent")
	}
}

func TestSteps_SessionsAreIndependent(t *testing.T) {
	e := testEngine(t)
	rule := stepRule()

	e.ResolveStep(rule, "sess-a")
	e.ResolveStep(rule, "sess-b")
	e.CompleteStep("sess-a")

	a, _ := e.ResolveStep(rule, "sess-a")
	b, _ := e.ResolveStep(rule, "sess-b")
	if a.Index != 1 || b.Index != 0 {
		t.Errorf("sessions leaked state: a=%d b=%d", a.Index, b.Index)
	}
}

func TestSteps_ResetReturnsToFirstStep(t *testing.T) {
	e := testEngine(t)
	rule := stepRule()

	e.ResolveStep(rule, "sess-1")
	e.CompleteStep("sess-1")
	e.ResetSession("sess-1")

	info, ok := e.ResolveStep(rule, "sess-1")
	if !ok || info.Index != 0 {
		t.Errorf("after reset: got %+v ok=%v, want step 0", info, ok)
	}
}

func TestSteps_StallIsFatalAndReported(t *testing.T) {
	e := testEngine(t)
	var stalls atomic.Int32
	var got atomic.Value
	e.OnStall = func(err *StepStallError) {
		stalls.Add(1)
		got.Store(err)
	}

	rule := stepRule()
	e.ResolveStep(rule, "sess-1")
	if !e.BeginStepWait("sess-1") {
		t.Fatal("BeginStepWait refused")
	}

	deadline := time.Now().Add(2 * time.Second)
	for stalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if stalls.Load() != 1 {
		t.Fatalf("stall reports: got %d, want 1", stalls.Load())
	}

	err := got.Load().(*StepStallError)
	if err.Hostname != "multi.example.com" || err.Step != "account" || err.Session != "sess-1" {
		t.Errorf("stall context: got %+v", err)
	}

	// Fatal: the sequence is idle, no silent retry.
	if _, ok := e.ResolveStep(rule, "sess-1"); ok {
		t.Error("stalled session must resolve to absent")
	}
	if _, ok := e.CompleteStep("sess-1"); ok {
		t.Error("stalled session must not advance")
	}

	// An explicit reset recovers for the new page context.
	e.ResetSession("sess-1")
	if info, ok := e.ResolveStep(rule, "sess-1"); !ok || info.Index != 0 {
		t.Error("reset after stall should restart at step 0")
	}
}

func TestSteps_CompleteCancelsStallTimer(t *testing.T) {
	e := testEngine(t)
	var stalls atomic.Int32
	e.OnStall = func(*StepStallError) { stalls.Add(1) }

	rule := stepRule()
	e.ResolveStep(rule, "sess-1")
	e.BeginStepWait("sess-1")
	e.CompleteStep("sess-1")

	time.Sleep(60 * time.Millisecond)
	if stalls.Load() != 0 {
		t.Error("stall fired after the step completed in time")
	}
}

func TestSteps_RuleWithoutSteps(t *testing.T) {
	e := testEngine(t)
	rule := &SiteRule{
		Hostname:  "plain.example.com",
		Selectors: map[element.FieldType]string{element.TypeEmail: "#e"},
	}
	if _, ok := e.ResolveStep(rule, "sess-1"); ok {
		t.Error("rule without steps should resolve to absent")
	}
}
