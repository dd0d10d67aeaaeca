package health

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"pilot-lite/safety"
)

// CheckFunc produces one component status. A returned error (or a panic) is
// converted into a failed status rather than aborting the tick.
type CheckFunc func() (Status, error)

// MonitorConfig tunes the periodic aggregation loop.
type MonitorConfig struct {
	Interval time.Duration
	// AutoExit allows the monitor to leave non-manual safe mode after
	// AutoExitStreak consecutive healthy ticks.
	AutoExit       bool
	AutoExitStreak int
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:       5 * time.Second,
		AutoExit:       true,
		AutoExitStreak: 2,
	}
}

// Monitor runs every registered check on a fixed interval, aggregates the
// verdicts into a latest-only snapshot, and drives safe-mode transitions.
// It is fully decoupled from decision cycles.
type Monitor struct {
	mu     sync.Mutex
	cfg    MonitorConfig
	checks []namedCheck

	safeMode  *safety.SafeMode
	panicStop *safety.PanicStop

	latest         *Snapshot
	healthyStreak  int
	degradedStreak int

	stop    chan struct{}
	done    chan struct{}
	running bool

	now func() time.Time
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

func NewMonitor(cfg MonitorConfig, safeMode *safety.SafeMode, panicStop *safety.PanicStop) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorConfig().Interval
	}
	if cfg.AutoExitStreak <= 0 {
		cfg.AutoExitStreak = DefaultMonitorConfig().AutoExitStreak
	}
	return &Monitor{
		cfg:       cfg,
		safeMode:  safeMode,
		panicStop: panicStop,
		now:       time.Now,
	}
}

// RegisterCheck adds a named check. Checks run in registration order.
func (m *Monitor) RegisterCheck(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks = append(m.checks, namedCheck{name: name, fn: fn})
}

// Start launches the periodic loop. Starting twice is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Tick()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick, if any.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stop, done := m.stop, m.done
	m.mu.Unlock()

	close(stop)
	<-done
}

// LatestSnapshot returns the most recent snapshot, or nil before the first
// tick.
func (m *Monitor) LatestSnapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest
}

// Tick runs one aggregation pass. Exposed so callers (and tests) can force an
// immediate evaluation between interval ticks.
func (m *Monitor) Tick() {
	m.mu.Lock()
	checks := make([]namedCheck, len(m.checks))
	copy(checks, m.checks)
	m.mu.Unlock()

	statuses := make([]Status, 0, len(checks))
	for _, c := range checks {
		statuses = append(statuses, runCheck(c, m.now))
	}
	overall := ComputeOverall(statuses)

	snapshot := &Snapshot{
		ID:       uuid.NewString(),
		Overall:  overall,
		Statuses: statuses,
		IssuedAt: m.now(),
	}
	if m.safeMode != nil {
		snapshot.SafeMode = m.safeMode.State()
	}
	if m.panicStop != nil {
		snapshot.PanicReason = m.panicStop.Reason()
	}

	m.mu.Lock()
	m.latest = snapshot
	var healthyStreak int
	if overall != StateHealthy {
		m.degradedStreak++
		m.healthyStreak = 0
	} else {
		m.healthyStreak++
		m.degradedStreak = 0
	}
	healthyStreak = m.healthyStreak
	m.mu.Unlock()

	if overall != StateHealthy {
		// Panic stop already holds the table; entering safe mode again would
		// only shuffle the reason.
		if m.panicStop == nil || !m.panicStop.IsActive() {
			if m.safeMode != nil && m.safeMode.Enter("health:"+overall.String(), false) {
				log.Printf("[Health] Safe mode entered: overall=%s", overall)
			}
		}
		return
	}

	if m.cfg.AutoExit && healthyStreak >= m.cfg.AutoExitStreak &&
		m.safeMode != nil && m.safeMode.IsActive() && !m.safeMode.State().Manual {
		if m.safeMode.Exit(false) {
			log.Printf("[Health] Safe mode exited after %d healthy ticks", healthyStreak)
		}
	}
}

func runCheck(c namedCheck, now func() time.Time) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = failedStatus(c.name, fmt.Sprintf("check panicked: %v", r), now())
		}
	}()

	status, err := c.fn()
	if err != nil {
		return failedStatus(c.name, err.Error(), now())
	}
	if status.Component == "" {
		status.Component = c.name
	}
	if status.CheckedAt.IsZero() {
		status.CheckedAt = now()
	}
	return status
}

func failedStatus(name, details string, at time.Time) Status {
	return Status{
		Component:           name,
		State:               StateFailed,
		CheckedAt:           at,
		Details:             details,
		ConsecutiveFailures: 1,
	}
}
