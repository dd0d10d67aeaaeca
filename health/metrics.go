package health

import (
	"fmt"
	"sync"
	"time"

	"pilot-lite/safety"
)

// Thresholds are the degraded/failed limits applied by the status builders.
type Thresholds struct {
	VisionMinConfidence float64
	VisionMaxSampleAge  time.Duration
	SolverMaxLatencyMs  int64
	SolverMaxSampleAge  time.Duration
	ExecutorMaxFailRate float64
	StrategyMaxDiverge  float64

	// Panic fast path: this many consecutive frames below PanicMinConfidence
	// trigger the panic stop directly, bypassing the monitor tick.
	PanicConfidenceFrames int
	PanicMinConfidence    float64
}

// DefaultThresholds mirror the live-table defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		VisionMinConfidence:   0.80,
		VisionMaxSampleAge:    10 * time.Second,
		SolverMaxLatencyMs:    800,
		SolverMaxSampleAge:    30 * time.Second,
		ExecutorMaxFailRate:   0.10,
		StrategyMaxDiverge:    0.60,
		PanicConfidenceFrames: 3,
		PanicMinConfidence:    0.50,
	}
}

// executorSampleCap bounds the cumulative executor counts. When the cap is
// reached both counts are halved so the failure rate keeps tracking recent
// behaviour instead of freezing.
const executorSampleCap = 100

// MetricsStore keeps rolling per-subsystem sample state. Each subsystem's
// samples are written only by its own record call and read by its build call;
// build calls reset the "since last check" counters. All access is
// mutex-guarded: recorders run on the decision path while builds run on the
// monitor tick.
type MetricsStore struct {
	mu         sync.Mutex
	thresholds Thresholds
	trigger    safety.Triggerable

	// vision
	visionConfidence float64
	visionAt         time.Time
	visionLowStreak  int
	visionFails      int

	// solver
	solverLatencyMs int64
	solverAt        time.Time
	solverTimedOut  int
	solverFails     int

	// executor
	execTotal    int
	execFailures int
	execFails    int

	// strategy
	strategyDivergence float64
	strategyFallbacks  int
	strategyAt         time.Time
	strategyFails      int

	now func() time.Time
}

// NewMetricsStore creates a store. trigger may be nil when no telemetry path
// into the panic stop is wanted (e.g. replay analysis).
func NewMetricsStore(thresholds Thresholds, trigger safety.Triggerable) *MetricsStore {
	if thresholds.PanicConfidenceFrames <= 0 {
		thresholds.PanicConfidenceFrames = DefaultThresholds().PanicConfidenceFrames
	}
	return &MetricsStore{
		thresholds: thresholds,
		trigger:    trigger,
		now:        time.Now,
	}
}

// RecordVisionSample stores the latest vision confidence and maintains the
// low-confidence streak. Once the streak reaches the configured frame count
// the injected panic trigger fires with type vision_confidence; this is the
// only path from raw telemetry directly into the panic stop.
func (s *MetricsStore) RecordVisionSample(confidence float64) {
	s.mu.Lock()
	s.visionConfidence = confidence
	s.visionAt = s.now()
	fire := false
	if confidence < s.thresholds.PanicMinConfidence {
		s.visionLowStreak++
		if s.visionLowStreak >= s.thresholds.PanicConfidenceFrames {
			fire = true
			s.visionLowStreak = 0
		}
	} else {
		s.visionLowStreak = 0
	}
	frames := s.thresholds.PanicConfidenceFrames
	minConf := s.thresholds.PanicMinConfidence
	trigger := s.trigger
	s.mu.Unlock()

	if fire && trigger != nil {
		trigger.Trigger(safety.PanicReasonVisionConfidence, fmt.Sprintf(
			"vision confidence below %.2f for %d consecutive frames (last %.2f)",
			minConf, frames, confidence))
	}
}

// RecordSolverSample stores the latest solver latency; timedOut samples are
// counted until the next build reads them.
func (s *MetricsStore) RecordSolverSample(latencyMs int64, timedOut bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solverLatencyMs = latencyMs
	s.solverAt = s.now()
	if timedOut {
		s.solverTimedOut++
	}
}

// RecordExecutionSample counts one executor attempt.
func (s *MetricsStore) RecordExecutionSample(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execTotal++
	if !success {
		s.execFailures++
	}
	if s.execTotal >= executorSampleCap {
		s.execTotal /= 2
		s.execFailures /= 2
	}
}

// RecordStrategySample stores the latest solver/advisor divergence and counts
// fallback decisions until the next build reads them.
func (s *MetricsStore) RecordStrategySample(divergence float64, usedFallback bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategyDivergence = divergence
	s.strategyAt = s.now()
	if usedFallback {
		s.strategyFallbacks++
	}
}

// BuildVisionStatus applies the staleness and confidence rules.
func (s *MetricsStore) BuildVisionStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	status := Status{
		Component: "vision",
		State:     StateHealthy,
		CheckedAt: now,
		Metrics:   map[string]float64{"confidence": s.visionConfidence},
	}
	switch {
	case s.visionAt.IsZero():
		status.State = StateDegraded
		status.Details = "no vision samples recorded"
	case now.Sub(s.visionAt) > s.thresholds.VisionMaxSampleAge:
		status.State = StateFailed
		status.Details = fmt.Sprintf("last vision sample %s old", now.Sub(s.visionAt).Round(time.Millisecond))
	case s.visionConfidence < s.thresholds.VisionMinConfidence:
		status.State = StateDegraded
		status.Details = fmt.Sprintf("vision confidence %.2f below minimum %.2f",
			s.visionConfidence, s.thresholds.VisionMinConfidence)
	}
	s.visionFails = bumpFailures(s.visionFails, status.State)
	status.ConsecutiveFailures = s.visionFails
	return status
}

// BuildSolverStatus applies staleness and latency rules; reading it resets the
// timed-out-sample counter, giving a "since last check" window.
func (s *MetricsStore) BuildSolverStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	timedOut := s.solverTimedOut
	s.solverTimedOut = 0

	status := Status{
		Component: "solver",
		State:     StateHealthy,
		CheckedAt: now,
		Metrics: map[string]float64{
			"latency_ms":        float64(s.solverLatencyMs),
			"timed_out_samples": float64(timedOut),
		},
	}
	switch {
	case s.solverAt.IsZero():
		status.State = StateDegraded
		status.Details = "no solver samples recorded"
	case now.Sub(s.solverAt) > s.thresholds.SolverMaxSampleAge:
		status.State = StateDegraded
		status.Details = fmt.Sprintf("last solver sample %s old", now.Sub(s.solverAt).Round(time.Millisecond))
	case s.solverLatencyMs > s.thresholds.SolverMaxLatencyMs:
		status.State = StateDegraded
		status.Details = fmt.Sprintf("solver latency %dms above maximum %dms",
			s.solverLatencyMs, s.thresholds.SolverMaxLatencyMs)
	case timedOut > 0:
		status.State = StateDegraded
		status.Details = fmt.Sprintf("%d solver timeouts since last check", timedOut)
	}
	s.solverFails = bumpFailures(s.solverFails, status.State)
	status.ConsecutiveFailures = s.solverFails
	return status
}

// BuildExecutorStatus applies the failure-rate rule.
func (s *MetricsStore) BuildExecutorStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rate float64
	if s.execTotal > 0 {
		rate = float64(s.execFailures) / float64(s.execTotal)
	}
	status := Status{
		Component: "executor",
		State:     StateHealthy,
		CheckedAt: s.now(),
		Metrics: map[string]float64{
			"failure_rate": rate,
			"samples":      float64(s.execTotal),
		},
	}
	if s.execTotal > 0 && rate > s.thresholds.ExecutorMaxFailRate {
		status.State = StateDegraded
		status.Details = fmt.Sprintf("executor failure rate %.2f above maximum %.2f",
			rate, s.thresholds.ExecutorMaxFailRate)
	}
	s.execFails = bumpFailures(s.execFails, status.State)
	status.ConsecutiveFailures = s.execFails
	return status
}

// BuildStrategyStatus applies the divergence rule; reading it resets the
// fallback counter.
func (s *MetricsStore) BuildStrategyStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	fallbacks := s.strategyFallbacks
	s.strategyFallbacks = 0

	status := Status{
		Component: "strategy",
		State:     StateHealthy,
		CheckedAt: s.now(),
		Metrics: map[string]float64{
			"divergence": s.strategyDivergence,
			"fallbacks":  float64(fallbacks),
		},
	}
	if !s.strategyAt.IsZero() && s.strategyDivergence > s.thresholds.StrategyMaxDiverge {
		status.State = StateDegraded
		status.Details = fmt.Sprintf("solver/advisor divergence %.2f above maximum %.2f",
			s.strategyDivergence, s.thresholds.StrategyMaxDiverge)
	}
	s.strategyFails = bumpFailures(s.strategyFails, status.State)
	status.ConsecutiveFailures = s.strategyFails
	return status
}

func bumpFailures(current int, state State) int {
	if state == StateHealthy {
		return 0
	}
	return current + 1
}
