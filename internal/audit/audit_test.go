package audit

import (
	"context"
	"testing"

	"github.com/openskelo/openskelo/internal/model"
	"github.com/openskelo/openskelo/internal/store"
)

func newTestLog(t *testing.T) (*Log, *store.Store) {
	t.Helper()
	s, err := store.OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s.DB()), s
}

func TestLogActionAppendsAndChains(t *testing.T) {
	log, _ := newTestLog(t)
	before := "PENDING"
	after := "IN_PROGRESS"
	first, err := log.LogAction(context.Background(), model.LogActionInput{
		TaskID: "task-1", Action: "transition", BeforeState: &before, AfterState: &after,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.PrevHash != "" {
		t.Fatalf("expected empty prev_hash for first entry, got %q", first.PrevHash)
	}
	if first.Hash == "" {
		t.Fatal("expected a computed hash")
	}

	second, err := log.LogAction(context.Background(), model.LogActionInput{TaskID: "task-1", Action: "heartbeat"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.PrevHash != first.Hash {
		t.Fatalf("second.PrevHash = %q, want %q", second.PrevHash, first.Hash)
	}
}

func TestGetLogOrdersChronologicallyAndFilters(t *testing.T) {
	log, _ := newTestLog(t)
	for i := 0; i < 3; i++ {
		if _, err := log.LogAction(context.Background(), model.LogActionInput{TaskID: "task-1", Action: "tick"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := log.LogAction(context.Background(), model.LogActionInput{TaskID: "task-2", Action: "tick"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	all, err := log.GetLog(context.Background(), model.AuditFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("len(all) = %d, want 4", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i-1].ID > all[i].ID {
			t.Fatalf("entries not in ULID order: %+v", all)
		}
	}

	taskID := "task-1"
	scoped, err := log.GetLog(context.Background(), model.AuditFilter{TaskID: &taskID})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(scoped) != 3 {
		t.Fatalf("len(scoped) = %d, want 3", len(scoped))
	}
}

func TestVerifyChainDetectsIntactLog(t *testing.T) {
	log, _ := newTestLog(t)
	for i := 0; i < 5; i++ {
		if _, err := log.LogAction(context.Background(), model.LogActionInput{TaskID: "task-1", Action: "tick"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	brokenAt, ok, err := log.VerifyChain(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || brokenAt != "" {
		t.Fatalf("expected intact chain, got brokenAt=%q ok=%v", brokenAt, ok)
	}
}

func TestVerifyChainDetectsTamperedEntry(t *testing.T) {
	log, s := newTestLog(t)
	for i := 0; i < 3; i++ {
		if _, err := log.LogAction(context.Background(), model.LogActionInput{TaskID: "task-1", Action: "tick"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	entries, err := log.GetLog(context.Background(), model.AuditFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tampered := entries[1]
	if _, err := s.DB().ExecContext(context.Background(),
		`UPDATE audit_log SET action = 'tampered' WHERE id = ?`, tampered.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	brokenAt, ok, err := log.VerifyChain(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected chain break after tampering with a stored action")
	}
	if brokenAt != tampered.ID {
		t.Fatalf("brokenAt = %q, want %q", brokenAt, tampered.ID)
	}
}
