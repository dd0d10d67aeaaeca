// Package health tracks per-subsystem telemetry and periodically aggregates
// it into component health verdicts that drive the safe-mode state machine.
package health

import (
	"time"

	"pilot-lite/safety"
)

// State is a component health verdict, totally ordered for aggregation:
// failed > degraded > healthy.
type State int

const (
	StateHealthy  State = 0
	StateDegraded State = 1
	StateFailed   State = 2
)

var stateNames = map[State]string{
	StateHealthy:  "healthy",
	StateDegraded: "degraded",
	StateFailed:   "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Status is one component's verdict at one monitoring tick.
type Status struct {
	Component           string             `json:"component"`
	State               State              `json:"state"`
	CheckedAt           time.Time          `json:"checked_at"`
	Details             string             `json:"details,omitempty"`
	Metrics             map[string]float64 `json:"metrics,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
}

// Snapshot is the immutable aggregate of one monitoring tick. The monitor
// retains only the latest snapshot; there is no history buffer.
type Snapshot struct {
	ID          string               `json:"id"`
	Overall     State                `json:"overall"`
	Statuses    []Status             `json:"statuses"`
	SafeMode    safety.SafeModeState `json:"safe_mode"`
	PanicReason *safety.PanicReason  `json:"panic_reason,omitempty"`
	IssuedAt    time.Time            `json:"issued_at"`
}

// ComputeOverall returns the worst state across all statuses. An empty list
// is healthy.
func ComputeOverall(statuses []Status) State {
	overall := StateHealthy
	for _, s := range statuses {
		if s.State > overall {
			overall = s.State
		}
	}
	return overall
}
