package ledger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"pilot-lite/health"
	"pilot-lite/pipeline"
	"pilot-lite/poker"
	"pilot-lite/safety"
	"pilot-lite/session"
)

func memoryService(t *testing.T) *SQLiteService {
	t.Helper()
	service, err := NewSQLiteService(":memory:")
	if err != nil {
		t.Fatalf("open in-memory ledger: %v", err)
	}
	t.Cleanup(func() { service.Close() })
	return service
}

func cycleRecord(sessionID string, seq uint64) session.CycleRecord {
	return session.CycleRecord{
		SessionID: sessionID,
		HandID:    "h1",
		Seq:       seq,
		Result: pipeline.Result{
			Decision: poker.Decision{Action: poker.ActionTypeCheck},
		},
		Acted:     true,
		ElapsedMs: 42,
		DecidedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
	}
}

func TestRecordCycleAndListRecent(t *testing.T) {
	service := memoryService(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		service.RecordCycle(ctx, cycleRecord("s1", seq))
	}

	items, err := service.ListRecentCycles(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("cycles: got %d, want 3", len(items))
	}
	if items[0].Seq != 3 {
		t.Fatalf("newest first: got seq %d, want 3", items[0].Seq)
	}
	if items[0].Action != "CHECK" || !items[0].Acted {
		t.Fatalf("cycle fields: %+v", items[0])
	}
}

func TestRecordCycleDuplicateSeqIgnored(t *testing.T) {
	service := memoryService(t)
	ctx := context.Background()

	service.RecordCycle(ctx, cycleRecord("s1", 1))
	dup := cycleRecord("s1", 1)
	dup.Result.Decision.Action = poker.ActionTypeFold
	service.RecordCycle(ctx, dup)

	items, err := service.ListRecentCycles(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("cycles after duplicate: got %d, want 1", len(items))
	}
	if items[0].Action != "CHECK" {
		t.Fatalf("first write must win: got %s", items[0].Action)
	}
}

func TestRecordCycleTrimsBeyondRecentLimit(t *testing.T) {
	service := memoryService(t)
	service.recentLimit = 5
	ctx := context.Background()

	for seq := uint64(1); seq <= 12; seq++ {
		service.RecordCycle(ctx, cycleRecord("s1", seq))
	}

	items, err := service.ListRecentCycles(ctx, "s1", 50)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(items) != 5 {
		t.Fatalf("retained cycles: got %d, want 5", len(items))
	}
	if items[0].Seq != 12 || items[4].Seq != 8 {
		t.Fatalf("retained window: newest %d oldest %d", items[0].Seq, items[4].Seq)
	}
}

func TestRecordCycleIsolatesSessions(t *testing.T) {
	service := memoryService(t)
	ctx := context.Background()

	service.RecordCycle(ctx, cycleRecord("s1", 1))
	service.RecordCycle(ctx, cycleRecord("s2", 1))

	items, err := service.ListRecentCycles(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list cycles: %v", err)
	}
	if len(items) != 1 || items[0].SessionID != "s1" {
		t.Fatalf("session filter leaked: %+v", items)
	}
}

func TestRecordSnapshotAndListRecent(t *testing.T) {
	service := memoryService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		snapshot := health.Snapshot{
			ID:       fmt.Sprintf("snap-%d", i),
			Overall:  health.StateDegraded,
			SafeMode: safety.SafeModeState{Active: true, Reason: "health:degraded"},
			IssuedAt: time.Date(2025, 6, 1, 12, 0, i, 0, time.UTC),
		}
		service.RecordSnapshot(snapshot)
	}

	items, err := service.ListRecentSnapshots(ctx, 10)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("snapshots: got %d, want 3", len(items))
	}
	if items[0].ID != "snap-2" {
		t.Fatalf("newest first: got %s, want snap-2", items[0].ID)
	}
	if items[0].Overall != "degraded" || !items[0].SafeMode {
		t.Fatalf("snapshot fields: %+v", items[0])
	}
}

func TestNoopServiceListsAreEmpty(t *testing.T) {
	service := noopService{}
	service.RecordCycle(context.Background(), cycleRecord("s1", 1))

	items, err := service.ListRecentCycles(context.Background(), "s1", 10)
	if err != nil {
		t.Fatalf("noop list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("noop cycles: got %d, want 0", len(items))
	}
}
