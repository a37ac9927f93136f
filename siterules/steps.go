package siterules

import (
	"fmt"
	"sync"
	"time"
)

// StepStallError reports a multi-step sequence that did not advance within
// its wait window. Fatal for the sequence: the session is reset to idle and
// nothing retries silently.
type StepStallError struct {
	Hostname string
	Session  string
	Step     string
	Waited   time.Duration
}

func (e *StepStallError) Error() string {
	return fmt.Sprintf("siterules: step %q stalled on %s (session %s) after %s",
		e.Step, e.Hostname, e.Session, e.Waited)
}

// StepInfo describes the active step of a session.
type StepInfo struct {
	Index int  `json:"index"`
	Total int  `json:"total"`
	Step  Step `json:"step"`
}

// stepSession is the explicit per-page-visit step state. Keyed by the
// host-supplied page session ID so it can be reset deterministically on
// navigation and tested without a browser.
type stepSession struct {
	mu      sync.Mutex
	rule    *SiteRule
	index   int
	stall   *time.Timer
	stalled bool
}

// ResolveStep returns the active step for the rule within the given page
// session, creating session state at step 0 on first call. Rules without
// steps resolve to absent.
func (e *Engine) ResolveStep(rule *SiteRule, sessionID string) (StepInfo, bool) {
	if rule == nil || len(rule.Steps) == 0 || sessionID == "" {
		return StepInfo{}, false
	}

	s := e.session(sessionID, rule)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stalled || s.index >= len(rule.Steps) {
		return StepInfo{}, false
	}
	return StepInfo{Index: s.index, Total: len(rule.Steps), Step: rule.Steps[s.index]}, true
}

// BeginStepWait arms the stall timer for the session's active step. The
// host calls it after triggering the step's Next control. If CompleteStep
// does not arrive within the step's StallAfter window, the sequence is
// declared stalled: OnStall fires once and the session goes idle.
func (e *Engine) BeginStepWait(sessionID string) bool {
	e.mu.RLock()
	s := e.sessions[sessionID]
	e.mu.RUnlock()
	if s == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stalled || s.index >= len(s.rule.Steps) {
		return false
	}

	step := s.rule.Steps[s.index]
	wait := step.StallAfter
	if wait <= 0 {
		wait = 30 * time.Second
	}
	if s.stall != nil {
		s.stall.Stop()
	}
	s.stall = time.AfterFunc(wait, func() {
		e.stallSession(sessionID, s, step.Name, wait)
	})
	return true
}

// CompleteStep advances the session on the host's explicit step-completed
// signal — never on a timer — and returns the next step, or false when the
// sequence is finished or idle. Completing cancels any pending stall timer.
func (e *Engine) CompleteStep(sessionID string) (StepInfo, bool) {
	e.mu.RLock()
	s := e.sessions[sessionID]
	e.mu.RUnlock()
	if s == nil {
		return StepInfo{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stall != nil {
		s.stall.Stop()
		s.stall = nil
	}
	if s.stalled || s.index >= len(s.rule.Steps) {
		return StepInfo{}, false
	}

	s.index++
	if s.index >= len(s.rule.Steps) {
		return StepInfo{}, false
	}
	return StepInfo{Index: s.index, Total: len(s.rule.Steps), Step: s.rule.Steps[s.index]}, true
}

// ResetSession drops the session's step state: pending stall timers are
// cancelled and the next ResolveStep starts again at the first step. The
// host calls this on navigation.
func (e *Engine) ResetSession(sessionID string) {
	e.mu.Lock()
	s := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()

	if s == nil {
		return
	}
	s.mu.Lock()
	if s.stall != nil {
		s.stall.Stop()
		s.stall = nil
	}
	s.mu.Unlock()
}

// ResetAllSessions clears every session. Called on ruleset reload.
func (e *Engine) ResetAllSessions() {
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*stepSession)
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if s.stall != nil {
			s.stall.Stop()
		}
		s.mu.Unlock()
	}
}

func (e *Engine) session(id string, rule *SiteRule) *stepSession {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.sessions[id]
	if !ok || s.rule != rule {
		s = &stepSession{rule: rule}
		e.sessions[id] = s
	}
	return s
}

func (e *Engine) stallSession(sessionID string, s *stepSession, stepName string, waited time.Duration) {
	s.mu.Lock()
	if s.stalled {
		s.mu.Unlock()
		return
	}
	s.stalled = true
	s.stall = nil
	host := s.rule.Hostname
	s.mu.Unlock()

	err := &StepStallError{
		Hostname: host,
		Session:  sessionID,
		Step:     stepName,
		Waited:   waited,
	}
	e.logger.Error("siterules: step sequence stalled",
		"hostname", host, "session", sessionID, "step", stepName, "waited", waited)
	if e.OnStall != nil {
		e.OnStall(err)
	}
}
