package session

import (
	"context"
	"testing"

	"pilot-lite/budget"
	"pilot-lite/consistency"
	"pilot-lite/health"
	"pilot-lite/poker"
	"pilot-lite/safety"
	"pilot-lite/strategy"
)

type stubSolver struct{}

func (stubSolver) Solve(_ context.Context, frame poker.Frame, _ int64) (poker.Solution, error) {
	return poker.Solution{Actions: []poker.ActionCandidate{
		{Action: poker.ActionTypeCheck, Frequency: 1.0},
	}}, nil
}

type captureRecorder struct {
	records []CycleRecord
}

func (r *captureRecorder) RecordCycle(_ context.Context, record CycleRecord) {
	r.records = append(r.records, record)
}

func newTestSession(recorder Recorder) (*Session, *safety.SafeMode, *safety.PanicStop, *health.MetricsStore) {
	mode := safety.NewSafeMode()
	stop := safety.NewPanicStop(mode)
	metrics := health.NewMetricsStore(health.DefaultThresholds(), stop)
	tracker := budget.NewTracker(2000, nil)
	sess := New(Config{
		SessionID: "s1",
		Tracker:   tracker,
		Solver:    stubSolver{},
		Decider:   strategy.NewBlender(strategy.DefaultConfig()),
		Checker:   consistency.NewChecker(0),
		Metrics:   metrics,
		SafeMode:  mode,
		PanicStop: stop,
		Recorder:  recorder,
	})
	return sess, mode, stop, metrics
}

func checkFrame(handID string, pot float64) poker.Frame {
	return poker.Frame{
		HandID:       handID,
		Pot:          pot,
		Confidence:   0.97,
		LegalActions: []poker.ActionType{poker.ActionTypeCheck, poker.ActionTypeBet},
	}
}

func TestSessionHealthyCycleActs(t *testing.T) {
	recorder := &captureRecorder{}
	sess, _, _, _ := newTestSession(recorder)

	record, err := sess.OnFrame(context.Background(), checkFrame("h1", 10))
	if err != nil {
		t.Fatalf("cycle error: %v", err)
	}
	if !record.Acted {
		t.Fatalf("healthy cycle not acted on")
	}
	if record.Result.Decision.Action != poker.ActionTypeCheck {
		t.Fatalf("decision action: got %s, want CHECK", record.Result.Decision.Action)
	}
	if len(recorder.records) != 1 || recorder.records[0].Seq != 1 {
		t.Fatalf("recorder records: %+v", recorder.records)
	}
}

func TestSessionConsistencyViolationTriggersPanic(t *testing.T) {
	sess, mode, stop, _ := newTestSession(nil)

	if _, err := sess.OnFrame(context.Background(), checkFrame("h1", 20)); err != nil {
		t.Fatalf("first cycle error: %v", err)
	}
	record, err := sess.OnFrame(context.Background(), checkFrame("h1", 15))
	if err != nil {
		t.Fatalf("second cycle error: %v", err)
	}

	if len(record.Violations) == 0 {
		t.Fatalf("pot decrease not reported")
	}
	if !stop.IsActive() {
		t.Fatalf("panic stop not triggered by violations")
	}
	if !mode.IsActive() {
		t.Fatalf("safe mode not entered by panic")
	}
	if record.Acted {
		t.Fatalf("cycle acted on despite panic stop")
	}
	if !record.Result.Decision.PanicStop {
		t.Fatalf("decision not flagged with panic stop")
	}
}

func TestSessionSafeModeGatesActing(t *testing.T) {
	sess, mode, _, _ := newTestSession(nil)
	mode.Enter("operator hold", true)

	record, err := sess.OnFrame(context.Background(), checkFrame("h1", 10))
	if err != nil {
		t.Fatalf("cycle error: %v", err)
	}
	if record.Acted {
		t.Fatalf("cycle acted on during safe mode")
	}
	// The decision is still produced for observability.
	if record.Result.Decision.Action != poker.ActionTypeCheck {
		t.Fatalf("gated cycle decision: got %s, want CHECK", record.Result.Decision.Action)
	}
}

func TestSessionLowConfidenceFramesEscalate(t *testing.T) {
	sess, _, stop, _ := newTestSession(nil)

	frame := checkFrame("h1", 10)
	frame.Confidence = 0.30
	for i := 0; i < 3; i++ {
		if _, err := sess.OnFrame(context.Background(), frame); err != nil {
			t.Fatalf("cycle %d error: %v", i, err)
		}
	}
	if !stop.IsActive() {
		t.Fatalf("low-confidence frames did not trigger panic")
	}
	if got := stop.Reason().Type; got != safety.PanicReasonVisionConfidence {
		t.Fatalf("panic reason: got %s, want vision_confidence", got)
	}
}

func TestSessionFeedsExecutorTelemetry(t *testing.T) {
	sess, _, _, metrics := newTestSession(nil)

	for i := 0; i < 5; i++ {
		sess.ReportExecution(i != 0)
	}
	status := metrics.BuildExecutorStatus()
	if status.State != health.StateDegraded {
		t.Fatalf("executor status after failures: got %s, want degraded", status.State)
	}
}
