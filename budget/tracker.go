package budget

import (
	"sync"
	"time"
)

// Component identifies one pipeline stage inside a decision cycle.
type Component string

const (
	ComponentPerception Component = "perception"
	ComponentGTO        Component = "gto"
	ComponentAgents     Component = "agents"
	ComponentSynthesis  Component = "synthesis"
	ComponentExecution  Component = "execution"
	ComponentBuffer     Component = "buffer"
)

// Components lists every stage in pipeline order.
var Components = []Component{
	ComponentPerception,
	ComponentGTO,
	ComponentAgents,
	ComponentSynthesis,
	ComponentExecution,
	ComponentBuffer,
}

// Allocation maps each component to its planned share of the cycle, in ms.
type Allocation map[Component]int64

// DefaultTotalBudgetMs is the wall-clock deadline for one decision cycle.
const DefaultTotalBudgetMs int64 = 2000

// preemptEpsilonMs: a cycle this close to its deadline preempts every stage.
const preemptEpsilonMs int64 = 1

// DefaultAllocation returns the standard per-stage split. The buffer share
// absorbs scheduling slack so the allocations stay under the total.
func DefaultAllocation() Allocation {
	return Allocation{
		ComponentPerception: 70,
		ComponentGTO:        400,
		ComponentAgents:     1200,
		ComponentSynthesis:  100,
		ComponentExecution:  30,
		ComponentBuffer:     200,
	}
}

// Tracker is the per-cycle ledger of a shared wall-clock deadline.
//
// One cycle is in flight at a time: Start discards the previous cycle's
// counters wholesale. Callers running stages on separate goroutines share the
// internal mutex, but distinct sessions need distinct trackers.
type Tracker struct {
	mu      sync.Mutex
	totalMs int64
	alloc   Allocation

	started    bool
	cycleStart time.Time
	consumedMs map[Component]int64
	openSince  map[Component]time.Time

	now func() time.Time
}

// NewTracker creates a tracker for the given total deadline and allocation.
// Zero/negative totalMs falls back to the default; nil alloc uses the default
// split.
func NewTracker(totalMs int64, alloc Allocation) *Tracker {
	if totalMs <= 0 {
		totalMs = DefaultTotalBudgetMs
	}
	if alloc == nil {
		alloc = DefaultAllocation()
	}
	return &Tracker{
		totalMs: totalMs,
		alloc:   alloc,
		now:     time.Now,
	}
}

// Start begins a new cycle, resetting every counter. Must be called once per
// decision cycle before any other operation.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.cycleStart = t.now()
	t.consumedMs = make(map[Component]int64, len(t.alloc))
	t.openSince = make(map[Component]time.Time, 2)
}

// StartComponent marks the beginning of a stage's real work.
func (t *Tracker) StartComponent(c Component) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return
	}
	t.openSince[c] = t.now()
}

// EndComponent closes the bracket opened by StartComponent and returns the
// elapsed ms, which is added to the component's consumed counter. Calling it
// without a matching StartComponent is a no-op returning 0.
func (t *Tracker) EndComponent(c Component) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	since, ok := t.openSince[c]
	if !t.started || !ok {
		return 0
	}
	delete(t.openSince, c)
	elapsed := t.now().Sub(since).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	t.consumedMs[c] += elapsed
	return elapsed
}

// Remaining returns the ms still available to the component: its unconsumed
// allocation, further capped by the cycle's overall remaining wall-clock time.
// Returns 0 before Start.
func (t *Tracker) Remaining(c Component) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remainingLocked(c)
}

func (t *Tracker) remainingLocked(c Component) int64 {
	if !t.started {
		return 0
	}
	left := t.alloc[c] - t.consumedMs[c]
	if left < 0 {
		left = 0
	}
	cycleLeft := t.totalMs - t.now().Sub(t.cycleStart).Milliseconds()
	if cycleLeft < 0 {
		cycleLeft = 0
	}
	if cycleLeft < left {
		return cycleLeft
	}
	return left
}

// Reserve commits up to ms against the component for an upcoming call and
// reports whether the full requested amount could be granted. The grant is
// clamped to Remaining, so a false return means the caller must retry with a
// smaller request or skip the stage. Reservation is bookkeeping, not a lock:
// it exists so call sites can derive a downstream deadline.
func (t *Tracker) Reserve(c Component, ms int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || ms <= 0 {
		return false
	}
	granted := t.remainingLocked(c)
	if granted > ms {
		granted = ms
	}
	t.consumedMs[c] += granted
	return granted == ms
}

// Release returns unused reserved time to the component's pool, e.g. when a
// stage finishes faster than reserved. Floored at zero consumed.
func (t *Tracker) Release(c Component, ms int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started || ms <= 0 {
		return
	}
	t.consumedMs[c] -= ms
	if t.consumedMs[c] < 0 {
		t.consumedMs[c] = 0
	}
}

// ShouldPreempt reports whether the stage must be skipped entirely to protect
// mandatory downstream stages: true once the cycle's elapsed wall-clock time
// is within epsilon of the total budget, regardless of the stage's own
// allocation. Also true before Start (conservative default).
func (t *Tracker) ShouldPreempt(Component) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return true
	}
	elapsed := t.now().Sub(t.cycleStart).Milliseconds()
	return elapsed >= t.totalMs-preemptEpsilonMs
}

// ConsumedMs returns the ms consumed so far by the component this cycle.
func (t *Tracker) ConsumedMs(c Component) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return 0
	}
	return t.consumedMs[c]
}

// ElapsedMs returns the wall-clock ms since the cycle started, 0 before Start.
func (t *Tracker) ElapsedMs() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return 0
	}
	return t.now().Sub(t.cycleStart).Milliseconds()
}
