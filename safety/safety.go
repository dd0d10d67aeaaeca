// Package safety holds the latched safety states that gate whether decisions
// may be acted on. Both controllers are constructed once per process and
// injected wherever they are read or mutated; there are no package globals.
package safety

import (
	"sync"
	"time"
)

// PanicReasonType classifies what forced the panic stop.
type PanicReasonType string

const (
	PanicReasonVisionConfidence PanicReasonType = "vision_confidence"
	PanicReasonRiskLimit        PanicReasonType = "risk_limit"
	PanicReasonManual           PanicReasonType = "manual"
)

// PanicReason records why the panic stop latched.
type PanicReason struct {
	Type        PanicReasonType `json:"type"`
	Detail      string          `json:"detail"`
	TriggeredAt time.Time       `json:"triggered_at"`
}

// SafeModeState is a point-in-time copy of the safe mode latch.
type SafeModeState struct {
	Active    bool      `json:"active"`
	Reason    string    `json:"reason,omitempty"`
	EnteredAt time.Time `json:"entered_at,omitempty"`
	Manual    bool      `json:"manual,omitempty"`
}

// SafeMode is a latched process-wide flag: once entered, further Enter calls
// are ignored (first reason wins) until an Exit clears it. A manual entry can
// only be cleared by an explicit manual exit.
type SafeMode struct {
	mu     sync.Mutex
	active *safeModeEntry

	now func() time.Time
}

type safeModeEntry struct {
	reason    string
	enteredAt time.Time
	manual    bool
}

func NewSafeMode() *SafeMode {
	return &SafeMode{now: time.Now}
}

// Enter latches safe mode. Returns false without overwriting the reason when
// already active.
func (m *SafeMode) Enter(reason string, manual bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return false
	}
	m.active = &safeModeEntry{reason: reason, enteredAt: m.now(), manual: manual}
	return true
}

// Exit clears safe mode. A manually-entered safe mode requires manual=true;
// a non-manual entry can be cleared either way. Returns whether state changed.
func (m *SafeMode) Exit(manual bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return false
	}
	if m.active.manual && !manual {
		return false
	}
	m.active = nil
	return true
}

func (m *SafeMode) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// State returns a copy of the current latch state.
func (m *SafeMode) State() SafeModeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return SafeModeState{}
	}
	return SafeModeState{
		Active:    true,
		Reason:    m.active.reason,
		EnteredAt: m.active.enteredAt,
		Manual:    m.active.manual,
	}
}

// Triggerable is the narrow capability handed to telemetry recorders that may
// force a panic stop without holding the whole controller.
type Triggerable interface {
	Trigger(reasonType PanicReasonType, detail string) bool
}

// PanicStop latches a single outstanding panic reason. Triggering also enters
// safe mode; Reset clears only the panic latch and leaves safe mode to the
// operator or the health monitor's healthy-streak logic.
type PanicStop struct {
	mu       sync.Mutex
	reason   *PanicReason
	safeMode *SafeMode

	now func() time.Time
}

func NewPanicStop(safeMode *SafeMode) *PanicStop {
	return &PanicStop{safeMode: safeMode, now: time.Now}
}

// Trigger latches the reason. A second trigger is a no-op: the first reason is
// retained. Entering safe mode is the side effect that halts acting.
func (p *PanicStop) Trigger(reasonType PanicReasonType, detail string) bool {
	p.mu.Lock()
	if p.reason != nil {
		p.mu.Unlock()
		return false
	}
	p.reason = &PanicReason{Type: reasonType, Detail: detail, TriggeredAt: p.now()}
	p.mu.Unlock()

	if p.safeMode != nil {
		p.safeMode.Enter("panic:"+string(reasonType), false)
	}
	return true
}

// Reset clears the panic latch only. Safe mode stays as-is.
func (p *PanicStop) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reason = nil
}

func (p *PanicStop) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason != nil
}

// Reason returns a copy of the latched reason, or nil when inactive.
func (p *PanicStop) Reason() *PanicReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reason == nil {
		return nil
	}
	copied := *p.reason
	return &copied
}
