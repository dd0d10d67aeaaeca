// Package ledger persists the audit trail of decision cycles and health
// snapshots. Appends on the decision path are best-effort: a storage problem
// is logged, never propagated into the cycle.
package ledger

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"pilot-lite/health"
	"pilot-lite/session"
)

const (
	defaultRecentLimit = 500

	ModeMemory   = "memory"
	ModeSQLite   = "sqlite"
	ModePostgres = "postgres"
)

var ErrNotFound = errors.New("not found")

// CycleItem is one persisted decision cycle.
type CycleItem struct {
	SessionID  string    `json:"session_id"`
	HandID     string    `json:"hand_id"`
	Seq        uint64    `json:"seq"`
	Action     string    `json:"action"`
	Amount     float64   `json:"amount"`
	TimedOut   bool      `json:"solver_timed_out"`
	Fallback   bool      `json:"used_gto_only_fallback"`
	Acted      bool      `json:"acted"`
	Violations []string  `json:"violations,omitempty"`
	ElapsedMs  int64     `json:"elapsed_ms"`
	DecidedAt  time.Time `json:"decided_at"`
}

// SnapshotItem is one persisted health snapshot.
type SnapshotItem struct {
	ID       string    `json:"id"`
	Overall  string    `json:"overall"`
	SafeMode bool      `json:"safe_mode"`
	Panic    string    `json:"panic,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// Service is the audit contract consumed by the session and the health
// monitor wiring. RecordCycle doubles as the session.Recorder implementation.
type Service interface {
	Close() error
	RecordCycle(ctx context.Context, record session.CycleRecord)
	RecordSnapshot(snapshot health.Snapshot)
	ListRecentCycles(ctx context.Context, sessionID string, limit int) ([]CycleItem, error)
	ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotItem, error)
}

type noopService struct{}

func (noopService) Close() error { return nil }

func (noopService) RecordCycle(context.Context, session.CycleRecord) {}

func (noopService) RecordSnapshot(health.Snapshot) {}

func (noopService) ListRecentCycles(context.Context, string, int) ([]CycleItem, error) {
	return []CycleItem{}, nil
}

func (noopService) ListRecentSnapshots(context.Context, int) ([]SnapshotItem, error) {
	return []SnapshotItem{}, nil
}

// NewServiceFromEnv builds the backend selected by mode (config value,
// overridable with LEDGER_MODE). Unknown modes fall back to sqlite.
func NewServiceFromEnv(mode string) (Service, string, error) {
	if env := strings.ToLower(strings.TrimSpace(os.Getenv("LEDGER_MODE"))); env != "" {
		mode = env
	}
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ModeMemory, "noop":
		return noopService{}, ModeMemory, nil
	case ModePostgres, "db":
		service, err := NewPostgresServiceFromEnv()
		if err != nil {
			return nil, ModePostgres, err
		}
		return service, ModePostgres, nil
	default:
		service, err := NewSQLiteServiceFromEnv()
		if err != nil {
			return nil, ModeSQLite, err
		}
		return service, ModeSQLite, nil
	}
}

func recentLimitFromEnv() int {
	v := strings.TrimSpace(os.Getenv("LEDGER_RECENT_LIMIT"))
	if v == "" {
		return defaultRecentLimit
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultRecentLimit
	}
	return n
}

func clampListLimit(limit int) int {
	if limit <= 0 || limit > 200 {
		return 50
	}
	return limit
}
