package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"pilot-lite/health"
	"pilot-lite/session"
)

const defaultLocalDBName = "pilot_local.db"

type SQLiteService struct {
	db          *sql.DB
	recentLimit int
}

func NewSQLiteServiceFromEnv() (*SQLiteService, error) {
	dbPath, err := localDatabasePathFromEnv()
	if err != nil {
		return nil, err
	}
	return NewSQLiteService(dbPath)
}

func NewSQLiteService(dbPath string) (*SQLiteService, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		dbPath = ":memory:"
	}
	if dbPath != ":memory:" {
		parent := filepath.Dir(dbPath)
		if parent != "" && parent != "." {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return nil, err
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, pragma := range []string{
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA journal_mode = WAL;`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureSQLiteSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLiteService{
		db:          db,
		recentLimit: recentLimitFromEnv(),
	}, nil
}

func (s *SQLiteService) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteService) RecordCycle(ctx context.Context, record session.CycleRecord) {
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
	nowMs := time.Now().UTC().UnixMilli()

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO decision_stream (
    session_id, hand_id, seq, action, amount, solver_timed_out, used_fallback,
    acted, violations_json, record_json, elapsed_ms, decided_at_ms, created_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_id, seq) DO NOTHING
`, record.SessionID, record.HandID, int64(record.Seq),
		record.Result.Decision.Action.String(), record.Result.Decision.Amount,
		boolToInt(record.Result.SolverTimedOut), boolToInt(record.Result.Decision.UsedGtoOnlyFallback),
		boolToInt(record.Acted), string(violationsRaw), string(recordRaw),
		record.ElapsedMs, record.DecidedAt.UTC().UnixMilli(), nowMs)
	if err != nil {
		log.Printf("[Ledger] append cycle failed: session=%s seq=%d err=%v", record.SessionID, record.Seq, err)
		return
	}
	s.trimCycles(ctx, record.SessionID)
}

func (s *SQLiteService) trimCycles(ctx context.Context, sessionID string) {
	if s.recentLimit <= 0 {
		return
	}
	_, err := s.db.ExecContext(ctx, `
DELETE FROM decision_stream
WHERE session_id = ?
  AND id IN (
      SELECT id
      FROM decision_stream
      WHERE session_id = ?
      ORDER BY seq DESC
      LIMIT -1 OFFSET ?
  )
`, sessionID, sessionID, s.recentLimit)
	if err != nil {
		log.Printf("[Ledger] trim cycles failed: session=%s err=%v", sessionID, err)
	}
}

func (s *SQLiteService) RecordSnapshot(snapshot health.Snapshot) {
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
	nowMs := time.Now().UTC().UnixMilli()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO health_snapshots (
    id, overall, statuses_json, safe_mode, safe_mode_reason, panic_type, issued_at_ms, created_at_ms
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`, snapshot.ID, snapshot.Overall.String(), string(statusesRaw),
		boolToInt(snapshot.SafeMode.Active), snapshot.SafeMode.Reason, panicType,
		snapshot.IssuedAt.UTC().UnixMilli(), nowMs)
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
    ORDER BY issued_at_ms DESC
    LIMIT -1 OFFSET ?
)
`, s.recentLimit)
		if err != nil {
			log.Printf("[Ledger] trim snapshots failed: err=%v", err)
		}
	}
}

func (s *SQLiteService) ListRecentCycles(ctx context.Context, sessionID string, limit int) ([]CycleItem, error) {
	if strings.TrimSpace(sessionID) == "" {
		return []CycleItem{}, nil
	}
	limit = clampListLimit(limit)
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT session_id, hand_id, seq, action, amount, solver_timed_out, used_fallback,
       acted, violations_json, elapsed_ms, decided_at_ms
FROM decision_stream
WHERE session_id = ?
ORDER BY seq DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]CycleItem, 0, limit)
	for rows.Next() {
		var item CycleItem
		var seq, timedOut, fallback, acted, elapsedMs, decidedAtMs int64
		var violationsRaw []byte
		if err := rows.Scan(&item.SessionID, &item.HandID, &seq, &item.Action, &item.Amount,
			&timedOut, &fallback, &acted, &violationsRaw, &elapsedMs, &decidedAtMs); err != nil {
			return nil, err
		}
		item.Seq = uint64(seq)
		item.TimedOut = timedOut == 1
		item.Fallback = fallback == 1
		item.Acted = acted == 1
		item.ElapsedMs = elapsedMs
		item.DecidedAt = time.UnixMilli(decidedAtMs).UTC()
		if len(violationsRaw) > 0 {
			_ = json.Unmarshal(violationsRaw, &item.Violations)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteService) ListRecentSnapshots(ctx context.Context, limit int) ([]SnapshotItem, error) {
	limit = clampListLimit(limit)
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, overall, safe_mode, panic_type, issued_at_ms
FROM health_snapshots
ORDER BY issued_at_ms DESC
LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]SnapshotItem, 0, limit)
	for rows.Next() {
		var item SnapshotItem
		var safeMode, issuedAtMs int64
		if err := rows.Scan(&item.ID, &item.Overall, &safeMode, &item.Panic, &issuedAtMs); err != nil {
			return nil, err
		}
		item.SafeMode = safeMode == 1
		item.IssuedAt = time.UnixMilli(issuedAtMs).UTC()
		items = append(items, item)
	}
	return items, rows.Err()
}

func ensureSQLiteSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`
CREATE TABLE IF NOT EXISTS decision_stream (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    hand_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    action TEXT NOT NULL,
    amount REAL NOT NULL DEFAULT 0,
    solver_timed_out INTEGER NOT NULL DEFAULT 0,
    used_fallback INTEGER NOT NULL DEFAULT 0,
    acted INTEGER NOT NULL DEFAULT 0,
    violations_json TEXT NOT NULL DEFAULT '[]',
    record_json TEXT NOT NULL DEFAULT '{}',
    elapsed_ms INTEGER NOT NULL DEFAULT 0,
    decided_at_ms INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL,
    UNIQUE (session_id, seq)
)`,
		`CREATE INDEX IF NOT EXISTS idx_decision_stream_session_seq ON decision_stream(session_id, seq DESC)`,
		`
CREATE TABLE IF NOT EXISTS health_snapshots (
    id TEXT PRIMARY KEY,
    overall TEXT NOT NULL,
    statuses_json TEXT NOT NULL DEFAULT '[]',
    safe_mode INTEGER NOT NULL DEFAULT 0,
    safe_mode_reason TEXT NOT NULL DEFAULT '',
    panic_type TEXT NOT NULL DEFAULT '',
    issued_at_ms INTEGER NOT NULL,
    created_at_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_health_snapshots_issued ON health_snapshots(issued_at_ms DESC)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func localDatabasePathFromEnv() (string, error) {
	candidates := []string{
		strings.TrimSpace(os.Getenv("LEDGER_LOCAL_DATABASE_PATH")),
		strings.TrimSpace(os.Getenv("LOCAL_DATABASE_PATH")),
	}
	for _, candidate := range candidates {
		if candidate != "" {
			return filepath.Clean(candidate), nil
		}
	}

	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, "PilotLite", defaultLocalDBName), nil
}

func boolToInt(v bool) int64 {
	if v {
		return 1
	}
	return 0
}
