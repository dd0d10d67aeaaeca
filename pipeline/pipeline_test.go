package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pilot-lite/budget"
	"pilot-lite/poker"
)

type fakeSolver struct {
	solution poker.Solution
	err      error

	calls     int
	budgetsMs []int64
}

func (s *fakeSolver) Solve(_ context.Context, _ poker.Frame, budgetMs int64) (poker.Solution, error) {
	s.calls++
	s.budgetsMs = append(s.budgetsMs, budgetMs)
	return s.solution, s.err
}

type fakeAdvisors struct {
	report poker.AdvisorReport
	err    error
}

func (a *fakeAdvisors) Query(_ context.Context, _ poker.Frame, _ int64) (poker.AdvisorReport, error) {
	return a.report, a.err
}

// topActionDecider picks the most frequent solver action, like the real
// blender does when the advisors carry no signal.
type topActionDecider struct{}

func (topActionDecider) Decide(_ poker.Frame, solution poker.Solution, _ poker.AdvisorReport, _ string) poker.Decision {
	best := poker.ActionCandidate{Action: poker.ActionTypeFold}
	for _, c := range solution.Actions {
		if c.Frequency > best.Frequency {
			best = c
		}
	}
	return poker.Decision{Action: best.Action, Amount: best.Amount}
}

func testFrame(legal ...poker.ActionType) poker.Frame {
	return poker.Frame{
		HandID:       "h1",
		Pot:          12,
		LegalActions: legal,
	}
}

func startedTracker() *budget.Tracker {
	tracker := budget.NewTracker(2000, nil)
	tracker.Start()
	return tracker
}

func TestMakeDecisionRequiresDeps(t *testing.T) {
	frame := testFrame(poker.ActionTypeCheck)
	_, err := MakeDecision(context.Background(), frame, "s1", Deps{})
	if !errors.Is(err, ErrMissingTracker) {
		t.Fatalf("missing tracker: got %v", err)
	}

	_, err = MakeDecision(context.Background(), frame, "s1", Deps{Tracker: startedTracker()})
	if !errors.Is(err, ErrMissingSolver) {
		t.Fatalf("missing solver: got %v", err)
	}

	_, err = MakeDecision(context.Background(), frame, "s1", Deps{
		Tracker: startedTracker(),
		Solver:  &fakeSolver{},
	})
	if !errors.Is(err, ErrMissingDecider) {
		t.Fatalf("missing decider: got %v", err)
	}
}

func TestMakeDecisionSolverErrorUsesSafeFallback(t *testing.T) {
	solver := &fakeSolver{err: errors.New("solver service unreachable")}
	result, err := MakeDecision(context.Background(), testFrame(poker.ActionTypeCheck, poker.ActionTypeBet), "s1", Deps{
		Tracker: startedTracker(),
		Solver:  solver,
		Decider: topActionDecider{},
	})
	if err != nil {
		t.Fatalf("solver failure surfaced as error: %v", err)
	}
	if !result.SolverTimedOut {
		t.Fatalf("solver timed out flag: got false, want true")
	}
	if result.Decision.Action != poker.ActionTypeCheck {
		t.Fatalf("fallback action: got %s, want CHECK", result.Decision.Action)
	}
	sol := result.Solution.Actions
	if len(sol) != 1 || sol[0].Frequency != 1.0 || sol[0].ExpectedValue != 0 {
		t.Fatalf("fallback solution: got %+v", sol)
	}
}

func TestMakeDecisionEmptySolutionBehavesLikeSolverError(t *testing.T) {
	solver := &fakeSolver{solution: poker.Solution{}}
	result, err := MakeDecision(context.Background(), testFrame(poker.ActionTypeCall, poker.ActionTypeRaise), "s1", Deps{
		Tracker: startedTracker(),
		Solver:  solver,
		Decider: topActionDecider{},
	})
	if err != nil {
		t.Fatalf("empty solution surfaced as error: %v", err)
	}
	if !result.SolverTimedOut {
		t.Fatalf("solver timed out flag: got false, want true")
	}
	if result.Decision.Action != poker.ActionTypeCall {
		t.Fatalf("fallback action: got %s, want CALL", result.Decision.Action)
	}
}

func TestMakeDecisionFallbackFoldsWhenNothingPassive(t *testing.T) {
	solver := &fakeSolver{err: errors.New("boom")}
	result, err := MakeDecision(context.Background(), testFrame(poker.ActionTypeFold, poker.ActionTypeRaise), "s1", Deps{
		Tracker: startedTracker(),
		Solver:  solver,
		Decider: topActionDecider{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Decision.Action != poker.ActionTypeFold {
		t.Fatalf("fallback action: got %s, want FOLD", result.Decision.Action)
	}
}

func TestMakeDecisionAdvisorErrorUsesStubReport(t *testing.T) {
	solver := &fakeSolver{solution: poker.Solution{Actions: []poker.ActionCandidate{
		{Action: poker.ActionTypeCheck, Frequency: 1.0},
	}}}
	result, err := MakeDecision(context.Background(), testFrame(poker.ActionTypeCheck), "s1", Deps{
		Tracker:  startedTracker(),
		Solver:   solver,
		Advisors: &fakeAdvisors{err: errors.New("all advisors rejected")},
		Decider:  topActionDecider{},
	})
	if err != nil {
		t.Fatalf("advisor failure surfaced as error: %v", err)
	}
	report := result.AdvisorReport
	if !strings.Contains(report.Notes, "stubbed") {
		t.Fatalf("stub notes: got %q, want to contain %q", report.Notes, "stubbed")
	}
	if report.BudgetUsedMs != 0 {
		t.Fatalf("stub budget used: got %d, want 0", report.BudgetUsedMs)
	}
	if len(report.Weights) != len(poker.AdvisorClasses) {
		t.Fatalf("stub weights: got %d classes, want %d", len(report.Weights), len(poker.AdvisorClasses))
	}
	for class, w := range report.Weights {
		if w != 0 {
			t.Fatalf("stub weight for %s: got %f, want 0", class, w)
		}
	}
}

func TestMakeDecisionPreemptedCycleUsesZeroBudgetSolve(t *testing.T) {
	tracker := budget.NewTracker(1, nil)
	tracker.Start()
	time.Sleep(5 * time.Millisecond)

	solver := &fakeSolver{solution: poker.Solution{Actions: []poker.ActionCandidate{
		{Action: poker.ActionTypeCheck, Frequency: 1.0},
	}}}
	result, err := MakeDecision(context.Background(), testFrame(poker.ActionTypeCheck), "s1", Deps{
		Tracker: tracker,
		Solver:  solver,
		Decider: topActionDecider{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.SolverTimedOut {
		t.Fatalf("preempted cycle: solver timed out flag false")
	}
	if solver.calls != 1 || solver.budgetsMs[0] != 0 {
		t.Fatalf("preempted cycle solver budgets: got %v, want [0]", solver.budgetsMs)
	}
}

func TestMakeDecisionExhaustedGtoAllocationFallsBackToCachedPath(t *testing.T) {
	alloc := budget.DefaultAllocation()
	alloc[budget.ComponentGTO] = 0
	tracker := budget.NewTracker(2000, alloc)
	tracker.Start()

	solver := &fakeSolver{solution: poker.Solution{Actions: []poker.ActionCandidate{
		{Action: poker.ActionTypeCall, Frequency: 1.0},
	}}}
	result, err := MakeDecision(context.Background(), testFrame(poker.ActionTypeCall), "s1", Deps{
		Tracker: tracker,
		Solver:  solver,
		Decider: topActionDecider{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.SolverTimedOut {
		t.Fatalf("exhausted allocation: solver timed out flag false")
	}
	if solver.budgetsMs[0] != 0 {
		t.Fatalf("exhausted allocation solver budget: got %d, want 0", solver.budgetsMs[0])
	}
}

func TestMakeDecisionReleasesUnusedReservation(t *testing.T) {
	tracker := startedTracker()
	solver := &fakeSolver{solution: poker.Solution{Actions: []poker.ActionCandidate{
		{Action: poker.ActionTypeCheck, Frequency: 1.0},
	}}}
	_, err := MakeDecision(context.Background(), testFrame(poker.ActionTypeCheck), "s1", Deps{
		Tracker: tracker,
		Solver:  solver,
		Decider: topActionDecider{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// The fake solver returns instantly, so nearly the whole reservation is
	// released back to the pool.
	if got := tracker.ConsumedMs(budget.ComponentGTO); got > 50 {
		t.Fatalf("gto consumed after instant solve: got %d, want near 0", got)
	}
}

func TestMakeDecisionPassesAdvisorReportThrough(t *testing.T) {
	solver := &fakeSolver{solution: poker.Solution{Actions: []poker.ActionCandidate{
		{Action: poker.ActionTypeCheck, Frequency: 0.6},
		{Action: poker.ActionTypeBet, Amount: 9, Frequency: 0.4},
	}}}
	report := poker.AdvisorReport{
		Weights:      map[poker.AdvisorClass]float64{poker.AdvisorClassCheckCall: 1},
		Consensus:    0.9,
		BudgetUsedMs: 140,
	}
	result, err := MakeDecision(context.Background(), testFrame(poker.ActionTypeCheck, poker.ActionTypeBet), "s1", Deps{
		Tracker:  startedTracker(),
		Solver:   solver,
		Advisors: &fakeAdvisors{report: report},
		Decider:  topActionDecider{},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.SolverTimedOut {
		t.Fatalf("healthy solve flagged as timed out")
	}
	if result.AdvisorReport.Consensus != 0.9 || result.AdvisorReport.BudgetUsedMs != 140 {
		t.Fatalf("advisor report mangled: %+v", result.AdvisorReport)
	}
}
