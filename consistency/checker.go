// Package consistency detects an internally-contradictory world model before
// the decision pipeline acts on it. It compares successive vision frames of
// the same hand against three chip invariants and reports violations as
// human-readable strings; routing a non-empty list into the panic stop is the
// caller's job.
package consistency

import (
	"fmt"
	"math"
	"sync"

	"pilot-lite/poker"
)

// DefaultTolerance absorbs float rounding in parsed dollar amounts.
const DefaultTolerance = 0.01

// Checker retains the most recent frame of the hand in progress. A hand-id
// change is the sole legitimate reset point: the first frame of a hand is
// stored without checks.
type Checker struct {
	mu        sync.Mutex
	prev      *poker.Frame
	tolerance float64
}

func NewChecker(tolerance float64) *Checker {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Checker{tolerance: tolerance}
}

// Check compares the frame against the retained previous frame for the same
// hand and returns zero or more violation strings. The frame replaces the
// retained one wholesale.
func (c *Checker) Check(frame poker.Frame) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.prev
	stored := frame
	c.prev = &stored

	if prev == nil || prev.HandID != frame.HandID {
		return nil
	}

	var violations []string

	// Pot monotonicity: within one hand the pot only grows.
	if frame.Pot < prev.Pot-c.tolerance {
		violations = append(violations, fmt.Sprintf(
			"Pot decreased within hand %s: %.2f -> %.2f", frame.HandID, prev.Pot, frame.Pot))
	}

	// Phantom chips: a stack may only grow if the pot shrank by at least as
	// much (an observed payout).
	potDelta := frame.Pot - prev.Pot
	for pos, stack := range frame.Stacks {
		prevStack, ok := prev.Stacks[pos]
		if !ok {
			continue
		}
		gain := stack - prevStack
		if gain > c.tolerance && potDelta > -gain+c.tolerance {
			violations = append(violations, fmt.Sprintf(
				"Stack increased unexpectedly for %s in hand %s: %.2f -> %.2f (pot delta %.2f)",
				pos, frame.HandID, prevStack, stack, potDelta))
		}
	}

	// Chip conservation: chips move between stacks and the pot, they do not
	// appear or vanish. A residual means leaked or duplicated chips (e.g. a
	// blind posted twice) even when no single rule above fires.
	var stacksDelta float64
	for pos, stack := range frame.Stacks {
		if prevStack, ok := prev.Stacks[pos]; ok {
			stacksDelta += stack - prevStack
		}
	}
	if residual := stacksDelta + potDelta; math.Abs(residual) > c.tolerance {
		violations = append(violations, fmt.Sprintf(
			"Chip conservation violated in hand %s: residual %.2f (stacks %+.2f, pot %+.2f)",
			frame.HandID, residual, stacksDelta, potDelta))
	}

	return violations
}

// Reset drops the retained frame, e.g. when the table is re-seated.
func (c *Checker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prev = nil
}
