package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"pilot-lite/health"
	"pilot-lite/session"
)

type PostgresService struct {
	db          *sql.DB
	recentLimit int
}

func NewPostgresServiceFromEnv() (*PostgresService, error) {
	dsn, err := ledgerDSNFromEnv()
	if err != nil {
		return nil, err
	}
	return NewPostgresService(dsn)
}

func NewPostgresService(dsn string) (*PostgresService, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensurePostgresSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &PostgresService{
		db:          db,
		recentLimit: recentLimitFromEnv(),
	}, nil
}

func (s *PostgresService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresService) RecordCycle(ctx context.Context, record session.CycleRecord) {
	if record.SessionID == "" {
		return
	}
	violationsRaw, err := json.Marshal(record.Violations)
	if err != nil {
		log.Printf("[Ledger] marshal violations failed: session=%s seq=%d err=%v", record.SessionID, record.Seq, err)
		return
	}
	recordRaw, err := json.Marshal(record)
	if err != nil {
		log.Printf("[Ledger] marshal cycle failed: session=%s seq=%d err=%v", record.SessionID, record.Seq, err)
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO decision_stream (
    session_id, hand_id, seq, action, amount, solver_timed_out, used_fallback,
    acted, violations_json, record_json, elapsed_ms, decided_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (session_id, seq) DO NOTHING
`, record.SessionID, record.HandID, int64(record.Seq),
		record.Result.Decision.Action.String(), record.Result.Decision.Amount,
		record.Result.SolverTimedOut, record.Result.Decision.UsedGtoOnlyFallback,
		record.Acted, string(violationsRaw), string(recordRaw),
		record.ElapsedMs, record.DecidedAt.UTC())
	if err != nil {
		log.Printf("[Ledger] append cycle failed: session=%s seq=%d err=%v", record.SessionID, record.Seq, err)
		return
	}

	if s.recentLimit > 0 {
		_, err = s.db.ExecContext(ctx, `
DELETE FROM decision_stream
WHERE session_id = $1
  AND id IN (
      SELECT id
      FROM decision_stream
      WHERE session_id = $1
      ORDER BY seq DESC
      OFFSET $2
  )
`, record.SessionID, s.recentLimit)
		if err != nil {
			log.Printf("[Ledger] trim cycles failed: session=%s err=%v", record.SessionID, err)
		}
	}
}

func (s *PostgresService) RecordSnapshot(snapshot health.Snapshot) {
	if snapshot.ID == "" {
		return
	}
	statusesRaw, err := json.Marshal(snapshot.Statuses)
	if err != nil {
		log.Printf("[Ledger] marshal statuses failed: snapshot=%s err=%v", snapshot.ID, err)
		return
	}
	var panicType string
	if snapshot.PanicReason != nil {
		panicType = string(snapshot.PanicReason.Type)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO health_snapshots (
    id, overall, statuses_json, safe_mode, safe_mode_reason, panic_type, issued_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING
`, snapshot.ID, snapshot.Overall.String(), string(statusesRaw),
		snapshot.SafeMode.Active, snapshot.SafeMode.Reason, panicType,
		snapshot.IssuedAt.UTC())
	if err != nil {
		log.Printf("[Ledger] append snapshot failed: snapshot=%s err=%v", snapshot.ID, err)
		return
	}

	if s.recentLimit > 0 {
		_, err = s.db.ExecContext(ctx, `
DELETE FROM health_snapshots
WHERE id IN (
    SELECT id
    FROM health_snapshots
    ORDER BY issued_at DESC
    OFFSET $1
)
`, s.recentLimit)
		if err != nil {
			log.Printf("[Ledger] trim snapshots failed: err=%v", err)
		}
	}
}

func (s *PostgresService) ListRecentCycles(ctx context.Context, sessionID string, limit int) ([]CycleItem, error) {
	if strings.TrimSpace(sessionID) == "" {
		return []CycleItem{}, nil
	}
	limit = clampListLimit(limit)
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, hand_id, seq, action, amount, solver_timed_out, used_fallback,
       acted, violations_json, elapsed_ms, decided_at
FROM decision_stream
WHERE session_id = $1
ORDER BY seq DESC
LIMIT $2
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]CycleItem, 0, limit)
	for rows.Next() {
		var item CycleItem
		var seq int64
		var violationsRaw []byte
		var decidedAt time.Time
		if err := rows.Scan(&item.SessionID, &item.HandID, &seq, &item.Action, &item.Amount,
			&item.TimedOut, &item.Fallback, &item.Acted, &violationsRaw, &item.ElapsedMs, &decidedAt); err != nil {
			return nil, err
		}
		item.Seq = uint64(seq)
		item.DecidedAt = decidedAt.UTC()
		if len(violationsRaw) > 0 {
			_ = json.Unmarshal(violationsRaw, &item.Violations)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresService) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotItem, error) {
	limit = clampListLimit(limit)
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, overall, safe_mode, panic_type, issued_at
FROM health_snapshots
ORDER BY issued_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]SnapshotItem, 0, limit)
	for rows.Next() {
		var item SnapshotItem
		var issuedAt time.Time
		if err := rows.Scan(&item.ID, &item.Overall, &item.SafeMode, &item.Panic, &issuedAt); err != nil {
			return nil, err
		}
		item.IssuedAt = issuedAt.UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func ensurePostgresSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS decision_stream (
    id BIGSERIAL PRIMARY KEY,
    session_id TEXT NOT NULL,
    hand_id TEXT NOT NULL,
    seq BIGINT NOT NULL,
    action TEXT NOT NULL,
    amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    solver_timed_out BOOLEAN NOT NULL DEFAULT FALSE,
    used_fallback BOOLEAN NOT NULL DEFAULT FALSE,
    acted BOOLEAN NOT NULL DEFAULT FALSE,
    violations_json JSONB NOT NULL DEFAULT '[]'::jsonb,
    record_json JSONB NOT NULL DEFAULT '{}'::jsonb,
    elapsed_ms BIGINT NOT NULL DEFAULT 0,
    decided_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (session_id, seq)
)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_stream_session_seq ON decision_stream(session_id, seq DESC)`,
		`
CREATE TABLE IF NOT EXISTS health_snapshots (
    id TEXT PRIMARY KEY,
    overall TEXT NOT NULL,
    statuses_json JSONB NOT NULL DEFAULT '[]'::jsonb,
    safe_mode BOOLEAN NOT NULL DEFAULT FALSE,
    safe_mode_reason TEXT NOT NULL DEFAULT '',
    panic_type TEXT NOT NULL DEFAULT '',
    issued_at TIMESTAMPTZ NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
		`CREATE INDEX IF NOT EXISTS idx_health_snapshots_issued ON health_snapshots(issued_at DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func ledgerDSNFromEnv() (string, error) {
	if dsn := strings.TrimSpace(os.Getenv("LEDGER_DATABASE_URL")); dsn != "" {
		return dsn, nil
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		return dsn, nil
	}

	host := strings.TrimSpace(os.Getenv("LEDGER_DB_HOST"))
	name := strings.TrimSpace(os.Getenv("LEDGER_DB_NAME"))
	user := strings.TrimSpace(os.Getenv("LEDGER_DB_USER"))
	pass := strings.TrimSpace(os.Getenv("LEDGER_DB_PASSWORD"))
	if host == "" || name == "" || user == "" {
		return "", errors.New("ledger: postgres mode requires LEDGER_DATABASE_URL or LEDGER_DB_HOST/NAME/USER")
	}
	port := strings.TrimSpace(os.Getenv("LEDGER_DB_PORT"))
	if port == "" {
		port = "5432"
	}
	sslMode := strings.TrimSpace(os.Getenv("LEDGER_DB_SSLMODE"))
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		host, port, name, user, pass, sslMode), nil
}
