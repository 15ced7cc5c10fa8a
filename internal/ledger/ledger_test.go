package ledger

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"matterhub/internal/fabric"
	"matterhub/internal/storage"
)

func openTestLedger(t *testing.T, backend *storage.MemBackend, retain bool) *Ledger {
	t.Helper()
	store, err := storage.Open(backend)
	if err != nil {
		t.Fatalf("Open store failed: %v", err)
	}
	l, err := Open(store, retain, zap.NewNop())
	if err != nil {
		t.Fatalf("Open ledger failed: %v", err)
	}
	l.SetMaxRetryElapsed(50 * time.Millisecond)
	return l
}

func TestLedger_AssignAndLookup(t *testing.T) {
	l := openTestLedger(t, storage.NewMemBackend(), true)

	if err := l.Assign("dev-1", "node-a", 11); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	entry, ok := l.Lookup("dev-1")
	if !ok {
		t.Fatal("Expected entry for dev-1")
	}
	if entry.NodeID != "node-a" || entry.EndpointNumber != 11 {
		t.Errorf("Unexpected entry: %+v", entry)
	}
}

func TestLedger_SurvivesReopen(t *testing.T) {
	backend := storage.NewMemBackend()
	l := openTestLedger(t, backend, true)
	if err := l.Assign("dev-1", "node-a", 11); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := l.Assign("dev-2", "node-a", 12); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	reopened := openTestLedger(t, backend, true)
	if reopened.Len() != 2 {
		t.Fatalf("Expected 2 entries after reopen, got %d", reopened.Len())
	}
	numbers := reopened.NumbersForNode("node-a")
	if numbers["dev-1"] != 11 || numbers["dev-2"] != 12 {
		t.Errorf("Unexpected numbers after reopen: %v", numbers)
	}
}

func TestLedger_RejectsNumberReuse(t *testing.T) {
	l := openTestLedger(t, storage.NewMemBackend(), true)
	if err := l.Assign("dev-1", "node-a", 11); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	// Same number, different key, same node: never allowed.
	if err := l.Assign("dev-2", "node-a", 11); err == nil {
		t.Fatal("Expected reuse of number 11 on node-a to be rejected")
	}

	// Same number on a different node is fine.
	if err := l.Assign("dev-2", "node-b", 11); err != nil {
		t.Errorf("Assign on different node failed: %v", err)
	}

	// Re-assigning the same key to the same number is idempotent.
	if err := l.Assign("dev-1", "node-a", 11); err != nil {
		t.Errorf("Idempotent re-assign failed: %v", err)
	}
}

func TestLedger_RetentionKeepsEntryAcrossRemoval(t *testing.T) {
	l := openTestLedger(t, storage.NewMemBackend(), true)
	if err := l.Assign("dev-1", "node-a", 7); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	if err := l.Forget("dev-1"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}

	// The entry is retained: re-adding the key yields the same number and
	// the number stays reserved for it.
	entry, ok := l.Lookup("dev-1")
	if !ok || entry.EndpointNumber != 7 {
		t.Fatalf("Expected retained entry at 7, got ok=%v %+v", ok, entry)
	}
	if err := l.Assign("dev-2", "node-a", 7); err == nil {
		t.Error("Expected number 7 to stay reserved for dev-1")
	}
}

func TestLedger_NoRetentionDeletesEntry(t *testing.T) {
	l := openTestLedger(t, storage.NewMemBackend(), false)
	if err := l.Assign("dev-1", "node-a", 7); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	if err := l.Forget("dev-1"); err != nil {
		t.Fatalf("Forget failed: %v", err)
	}
	if _, ok := l.Lookup("dev-1"); ok {
		t.Fatal("Expected entry to be deleted without retention")
	}
	if err := l.Assign("dev-2", "node-a", 7); err != nil {
		t.Errorf("Expected number 7 to be free after deletion: %v", err)
	}
}

func TestLedger_WriteFailureSurfaces(t *testing.T) {
	backend := storage.NewMemBackend()
	l := openTestLedger(t, backend, true)

	backend.FailWrites = true
	if err := l.Assign("dev-1", "node-a", 3); err == nil {
		t.Fatal("Expected Assign to fail when writes fail")
	}
	// Retried at least once before giving up.
	if backend.SaveCount < 2 {
		t.Errorf("Expected write retries, got %d attempts", backend.SaveCount)
	}
	// The failed entry is not visible.
	if _, ok := l.Lookup("dev-1"); ok {
		t.Error("Expected failed assignment to leave no entry")
	}

	backend.FailWrites = false
	if err := l.Assign("dev-1", "node-a", 3); err != nil {
		t.Errorf("Assign after recovery failed: %v", err)
	}
}

func TestLedger_VerifyReportsMissing(t *testing.T) {
	l := openTestLedger(t, storage.NewMemBackend(), true)
	l.Assign("dev-1", "node-a", 1)

	missing := l.Verify([]string{"dev-1", "dev-2", "dev-3"})
	if len(missing) != 2 {
		t.Fatalf("Expected 2 missing keys, got %v", missing)
	}
}

func TestLedger_Reset(t *testing.T) {
	l := openTestLedger(t, storage.NewMemBackend(), true)
	l.Assign("dev-1", "node-a", 4)
	l.Assign("dev-2", "node-a", 5)

	if err := l.Reset(); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if l.Len() != 0 {
		t.Fatalf("Expected empty ledger after reset, got %d", l.Len())
	}
	// Numbers may be reused after factory reset.
	if err := l.Assign("dev-9", "node-a", 4); err != nil {
		t.Errorf("Assign after reset failed: %v", err)
	}
}

func TestLedger_AssignBatch(t *testing.T) {
	l := openTestLedger(t, storage.NewMemBackend(), true)

	err := l.AssignBatch("node-a", map[string]fabric.EndpointNumber{
		"dev-1": 1,
		"dev-2": 2,
	})
	if err != nil {
		t.Fatalf("AssignBatch failed: %v", err)
	}
	if l.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", l.Len())
	}
}
