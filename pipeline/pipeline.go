// Package pipeline runs one decision cycle: it spends the remaining budget on
// the solver and the advisor ensemble, absorbs their failures, and always
// hands the strategy blender enough to produce a decision.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"pilot-lite/budget"
	"pilot-lite/poker"
)

// AdvisorHardCapMs bounds any single advisor ensemble query regardless of the
// agents allocation.
const AdvisorHardCapMs int64 = 200

// Solver computes a game-theory solution within the given ms budget. A zero
// budget requests the fastest/cached path only. It may fail or return an
// empty action set; the pipeline recovers from both.
type Solver interface {
	Solve(ctx context.Context, frame poker.Frame, budgetMs int64) (poker.Solution, error)
}

// AdvisorEnsemble queries the LLM advisor pool within the given ms budget.
type AdvisorEnsemble interface {
	Query(ctx context.Context, frame poker.Frame, budgetMs int64) (poker.AdvisorReport, error)
}

// Decider blends the solver solution with the advisor report into the final
// decision. It must not fail: any internal blend problem must itself resolve
// to a decision.
type Decider interface {
	Decide(frame poker.Frame, solution poker.Solution, report poker.AdvisorReport, sessionID string) poker.Decision
}

// Deps carries the pipeline's collaborators. Solver, Decider and Tracker are
// required; a nil Advisors skips the ensemble stage.
type Deps struct {
	Tracker  *budget.Tracker
	Solver   Solver
	Advisors AdvisorEnsemble
	Decider  Decider

	// GtoBudgetMs caps the solver reservation; zero uses the gto allocation
	// default.
	GtoBudgetMs int64
}

// Result is produced exactly once per cycle and immutable after return.
type Result struct {
	Decision       poker.Decision      `json:"decision"`
	Solution       poker.Solution      `json:"solution"`
	AdvisorReport  poker.AdvisorReport `json:"advisor_report"`
	SolverTimedOut bool                `json:"solver_timed_out"`
}

var (
	ErrMissingTracker = errors.New("pipeline: tracker is required")
	ErrMissingSolver  = errors.New("pipeline: solver is required")
	ErrMissingDecider = errors.New("pipeline: decider is required")
)

// MakeDecision runs one cycle against an already-started tracker. Subsystem
// failures are absorbed into fallbacks; only missing required deps fail the
// whole cycle.
func MakeDecision(ctx context.Context, frame poker.Frame, sessionID string, deps Deps) (Result, error) {
	switch {
	case deps.Tracker == nil:
		return Result{}, ErrMissingTracker
	case deps.Solver == nil:
		return Result{}, ErrMissingSolver
	case deps.Decider == nil:
		return Result{}, ErrMissingDecider
	}

	solution, timedOut := runSolver(ctx, frame, deps)
	report := runAdvisors(ctx, frame, deps)
	decision := deps.Decider.Decide(frame, solution, report, sessionID)

	return Result{
		Decision:       decision,
		Solution:       solution,
		AdvisorReport:  report,
		SolverTimedOut: timedOut,
	}, nil
}

func runSolver(ctx context.Context, frame poker.Frame, deps Deps) (poker.Solution, bool) {
	tracker := deps.Tracker

	gtoBudget := deps.GtoBudgetMs
	if gtoBudget <= 0 {
		gtoBudget = budget.DefaultAllocation()[budget.ComponentGTO]
	}

	// Admission control: a cycle already at its deadline skips the solver's
	// normal path outright to protect the mandatory downstream stages.
	if tracker.ShouldPreempt(budget.ComponentGTO) {
		return zeroBudgetSolve(ctx, frame, deps)
	}

	requested := tracker.Remaining(budget.ComponentGTO)
	if requested > gtoBudget {
		requested = gtoBudget
	}
	if requested <= 0 || !tracker.Reserve(budget.ComponentGTO, requested) {
		return zeroBudgetSolve(ctx, frame, deps)
	}

	solveCtx, cancel := context.WithTimeout(ctx, time.Duration(requested)*time.Millisecond)
	defer cancel()

	tracker.StartComponent(budget.ComponentGTO)
	solution, err := deps.Solver.Solve(solveCtx, frame, requested)
	elapsed := tracker.EndComponent(budget.ComponentGTO)
	if unused := requested - elapsed; unused > 0 {
		tracker.Release(budget.ComponentGTO, unused)
	}

	if err != nil {
		log.Printf("[Pipeline] Solver failed, using safe fallback: %v", err)
		return safeFallbackSolution(frame), true
	}
	if len(solution.Actions) == 0 {
		log.Printf("[Pipeline] Solver returned empty action set, using safe fallback")
		return safeFallbackSolution(frame), true
	}
	return solution, false
}

func zeroBudgetSolve(ctx context.Context, frame poker.Frame, deps Deps) (poker.Solution, bool) {
	solution, err := deps.Solver.Solve(ctx, frame, 0)
	if err != nil || len(solution.Actions) == 0 {
		if err != nil {
			log.Printf("[Pipeline] Zero-budget solve failed, using safe fallback: %v", err)
		}
		return safeFallbackSolution(frame), true
	}
	return solution, true
}

// safeFallbackSolution picks the least committal legal action: check or call
// when possible, fold otherwise, at full frequency and zero expected value.
func safeFallbackSolution(frame poker.Frame) poker.Solution {
	action := poker.ActionTypeFold
	switch {
	case frame.LegalContains(poker.ActionTypeCheck):
		action = poker.ActionTypeCheck
	case frame.LegalContains(poker.ActionTypeCall):
		action = poker.ActionTypeCall
	}
	return poker.Solution{
		Actions: []poker.ActionCandidate{{
			Action:        action,
			Frequency:     1.0,
			ExpectedValue: 0,
		}},
	}
}

func runAdvisors(ctx context.Context, frame poker.Frame, deps Deps) poker.AdvisorReport {
	if deps.Advisors == nil {
		return poker.EmptyAdvisorReport("no advisor ensemble configured")
	}

	budgetMs := deps.Tracker.Remaining(budget.ComponentAgents)
	if budgetMs > AdvisorHardCapMs {
		budgetMs = AdvisorHardCapMs
	}
	if budgetMs <= 0 {
		return poker.EmptyAdvisorReport("stubbed: no agents budget remaining")
	}

	queryCtx, cancel := context.WithTimeout(ctx, time.Duration(budgetMs)*time.Millisecond)
	defer cancel()

	deps.Tracker.StartComponent(budget.ComponentAgents)
	report, err := deps.Advisors.Query(queryCtx, frame, budgetMs)
	deps.Tracker.EndComponent(budget.ComponentAgents)

	if err != nil {
		log.Printf("[Pipeline] Advisor ensemble failed, using stub output: %v", err)
		return poker.EmptyAdvisorReport(fmt.Sprintf("stubbed: %v", err))
	}
	return report
}
