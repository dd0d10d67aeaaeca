// Package session drives the per-frame decision cycle: it validates the world
// model, consults the safety latches, runs the pipeline under the budget
// tracker, and feeds the outcome back into health telemetry.
package session

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pilot-lite/budget"
	"pilot-lite/consistency"
	"pilot-lite/health"
	"pilot-lite/pipeline"
	"pilot-lite/poker"
	"pilot-lite/safety"
	"pilot-lite/strategy"
)

// CycleRecord is the audit trail of one frame's cycle.
type CycleRecord struct {
	SessionID  string          `json:"session_id"`
	HandID     string          `json:"hand_id"`
	Seq        uint64          `json:"seq"`
	Result     pipeline.Result `json:"result"`
	Violations []string        `json:"violations,omitempty"`
	Acted      bool            `json:"acted"`
	ElapsedMs  int64           `json:"elapsed_ms"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// Recorder persists cycle records. Implementations must not block the
// decision path on failure; errors are theirs to log.
type Recorder interface {
	RecordCycle(ctx context.Context, record CycleRecord)
}

// Session serializes decision cycles for one table. The tracker is owned
// exclusively by the session; concurrent OnFrame calls queue on the internal
// mutex rather than corrupting cycle accounting.
type Session struct {
	mu sync.Mutex

	id       string
	tracker  *budget.Tracker
	deps     pipeline.Deps
	checker  *consistency.Checker
	metrics  *health.MetricsStore
	safeMode *safety.SafeMode
	panic    *safety.PanicStop
	recorder Recorder

	seq uint64
}

// Config assembles a session. Tracker, Solver and Decider are required by the
// pipeline; the rest may be nil and their stage is skipped.
type Config struct {
	SessionID string
	Tracker   *budget.Tracker
	Solver    pipeline.Solver
	Advisors  pipeline.AdvisorEnsemble
	Decider   pipeline.Decider
	Checker   *consistency.Checker
	Metrics   *health.MetricsStore
	SafeMode  *safety.SafeMode
	PanicStop *safety.PanicStop
	Recorder  Recorder

	GtoBudgetMs int64
}

func New(cfg Config) *Session {
	id := cfg.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:      id,
		tracker: cfg.Tracker,
		deps: pipeline.Deps{
			Tracker:     cfg.Tracker,
			Solver:      cfg.Solver,
			Advisors:    cfg.Advisors,
			Decider:     cfg.Decider,
			GtoBudgetMs: cfg.GtoBudgetMs,
		},
		checker:  cfg.Checker,
		metrics:  cfg.Metrics,
		safeMode: cfg.SafeMode,
		panic:    cfg.PanicStop,
		recorder: cfg.Recorder,
	}
}

func (s *Session) ID() string { return s.id }

// OnFrame runs one full cycle for a parsed frame. The returned record carries
// the decision and whether it may be acted on; a cycle always completes, it
// is never abandoned mid-flight.
func (s *Session) OnFrame(ctx context.Context, frame poker.Frame) (CycleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	record := CycleRecord{
		SessionID: s.id,
		HandID:    frame.HandID,
		Seq:       s.seq,
		DecidedAt: time.Now(),
	}

	if s.metrics != nil && frame.Confidence > 0 {
		s.metrics.RecordVisionSample(frame.Confidence)
	}

	// An untrustworthy world model forces the panic stop before any chips
	// move on its basis.
	if s.checker != nil {
		record.Violations = s.checker.Check(frame)
		if len(record.Violations) > 0 && s.panic != nil {
			log.Printf("[Session] Consistency violations on hand %s: %d", frame.HandID, len(record.Violations))
			s.panic.Trigger(safety.PanicReasonVisionConfidence,
				"state inconsistency: "+strings.Join(record.Violations, "; "))
		}
	}

	s.tracker.Start()
	result, err := pipeline.MakeDecision(ctx, frame, s.id, s.deps)
	if err != nil {
		return record, err
	}
	record.Result = result
	record.ElapsedMs = s.tracker.ElapsedMs()

	// The safety latches gate acting, not deciding: the decision is still
	// computed and recorded for observability.
	record.Acted = !s.isHalted()
	if !record.Acted {
		record.Result.Decision.PanicStop = s.panic != nil && s.panic.IsActive()
	}

	if s.metrics != nil {
		s.metrics.RecordSolverSample(s.tracker.ConsumedMs(budget.ComponentGTO), result.SolverTimedOut)
		s.metrics.RecordStrategySample(
			strategy.Divergence(result.Solution, result.AdvisorReport),
			result.Decision.UsedGtoOnlyFallback)
	}

	if s.recorder != nil {
		s.recorder.RecordCycle(ctx, record)
	}
	return record, nil
}

// ReportExecution feeds the executor's outcome for an acted decision back
// into health telemetry.
func (s *Session) ReportExecution(success bool) {
	if s.metrics != nil {
		s.metrics.RecordExecutionSample(success)
	}
}

func (s *Session) isHalted() bool {
	if s.panic != nil && s.panic.IsActive() {
		return true
	}
	return s.safeMode != nil && s.safeMode.IsActive()
}
