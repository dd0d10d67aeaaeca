// Package strategy blends the solver solution with the advisor ensemble's
// class weights into the final table decision. By contract the blender never
// fails: degenerate inputs resolve to the least committal legal action.
package strategy

import (
	"fmt"
	"math"
	"sort"

	"pilot-lite/poker"
)

// Config tunes how much the advisor signal can bend the solver baseline.
type Config struct {
	// AdvisorInfluence scales the advisor weight contribution (0 disables
	// blending, 1 lets a unanimous ensemble fully re-rank the solution).
	AdvisorInfluence float64
	// MinConsensus below which the advisor signal is ignored entirely.
	MinConsensus float64
}

func DefaultConfig() Config {
	return Config{AdvisorInfluence: 0.35, MinConsensus: 0.40}
}

// Blender implements the pipeline Decider contract.
type Blender struct {
	cfg Config
}

func NewBlender(cfg Config) *Blender {
	if cfg.AdvisorInfluence < 0 {
		cfg.AdvisorInfluence = 0
	}
	if cfg.AdvisorInfluence > 1 {
		cfg.AdvisorInfluence = 1
	}
	return &Blender{cfg: cfg}
}

// Decide scores each solver candidate by its frequency plus the advisor
// weight of its action class, scaled by consensus, and picks the best. The
// advisor signal is dropped (and the decision flagged as gto-only) when the
// ensemble was stubbed or never reached consensus.
func (b *Blender) Decide(frame poker.Frame, solution poker.Solution, report poker.AdvisorReport, sessionID string) poker.Decision {
	candidates := legalCandidates(frame, solution.Actions)
	if len(candidates) == 0 {
		return safeDecision(frame, "no legal solver candidates")
	}

	advisorLive := advisorHasSignal(report) && report.Consensus >= b.cfg.MinConsensus
	influence := b.cfg.AdvisorInfluence * report.Consensus

	type scored struct {
		candidate poker.ActionCandidate
		score     float64
	}
	best := scored{score: math.Inf(-1)}
	for _, c := range candidates {
		score := c.Frequency
		if advisorLive {
			score = (1-influence)*c.Frequency + influence*report.Weights[poker.ClassOf(c.Action)]
		}
		if score > best.score {
			best = scored{candidate: c, score: score}
		}
	}

	reasoning := []string{
		fmt.Sprintf("solver frequency %.2f for %s", best.candidate.Frequency, best.candidate.Action),
	}
	if advisorLive {
		reasoning = append(reasoning, fmt.Sprintf(
			"advisor weight %.2f (consensus %.2f, influence %.2f)",
			report.Weights[poker.ClassOf(best.candidate.Action)], report.Consensus, influence))
	} else {
		reasoning = append(reasoning, "advisor signal absent, solver-only blend")
	}

	return poker.Decision{
		Action:              best.candidate.Action,
		Amount:              best.candidate.Amount,
		Reasoning:           reasoning,
		UsedGtoOnlyFallback: !advisorLive,
	}
}

// Divergence measures how far the advisor class weights sit from the solver's
// frequency mass per class, 0..1. Fed into the strategy health metric.
func Divergence(solution poker.Solution, report poker.AdvisorReport) float64 {
	if !advisorHasSignal(report) {
		return 0
	}
	solverMass := make(map[poker.AdvisorClass]float64, len(poker.AdvisorClasses))
	var total float64
	for _, c := range solution.Actions {
		solverMass[poker.ClassOf(c.Action)] += c.Frequency
		total += c.Frequency
	}
	if total <= 0 {
		return 0
	}
	var distance float64
	for _, class := range poker.AdvisorClasses {
		distance += math.Abs(solverMass[class]/total - report.Weights[class])
	}
	// Total variation distance: half the L1 distance.
	return distance / 2
}

func legalCandidates(frame poker.Frame, candidates []poker.ActionCandidate) []poker.ActionCandidate {
	legal := make([]poker.ActionCandidate, 0, len(candidates))
	for _, c := range candidates {
		if len(frame.LegalActions) == 0 || frame.LegalContains(c.Action) {
			legal = append(legal, c)
		}
	}
	sort.SliceStable(legal, func(i, j int) bool { return legal[i].Frequency > legal[j].Frequency })
	return legal
}

func safeDecision(frame poker.Frame, why string) poker.Decision {
	action := poker.ActionTypeFold
	switch {
	case frame.LegalContains(poker.ActionTypeCheck):
		action = poker.ActionTypeCheck
	case frame.LegalContains(poker.ActionTypeCall):
		action = poker.ActionTypeCall
	}
	return poker.Decision{
		Action:              action,
		Reasoning:           []string{why},
		UsedGtoOnlyFallback: true,
	}
}

func advisorHasSignal(report poker.AdvisorReport) bool {
	for _, w := range report.Weights {
		if w > 0 {
			return true
		}
	}
	return false
}
