package storage

import (
	"os"
	"path/filepath"
	"testing"
)

type doc struct {
	Value string `json:"value"`
}

func TestStore_PutGetDelete(t *testing.T) {
	store, err := Open(NewMemBackend())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := store.Put("a", doc{Value: "one"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var got doc
	ok, err := store.Get("a", &got)
	if err != nil || !ok {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got.Value != "one" {
		t.Errorf("Expected value 'one', got %q", got.Value)
	}

	if ok, _ := store.Get("missing", &got); ok {
		t.Error("Expected missing key to report absent")
	}

	if err := store.Delete("a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if ok, _ := store.Get("a", &got); ok {
		t.Error("Expected deleted key to report absent")
	}

	// Deleting a missing key is a no-op.
	if err := store.Delete("a"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestStore_FailedWriteRollsBack(t *testing.T) {
	backend := NewMemBackend()
	store, err := Open(backend)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := store.Put("a", doc{Value: "one"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	backend.FailWrites = true
	if err := store.Put("a", doc{Value: "two"}); err == nil {
		t.Fatal("Expected Put to fail")
	}

	// In-memory state must match the durable state.
	var got doc
	if ok, err := store.Get("a", &got); !ok || err != nil {
		t.Fatalf("Get failed: ok=%v err=%v", ok, err)
	}
	if got.Value != "one" {
		t.Errorf("Expected rollback to 'one', got %q", got.Value)
	}

	if err := store.Put("b", doc{Value: "new"}); err == nil {
		t.Fatal("Expected Put of new key to fail")
	}
	if ok, _ := store.Get("b", &got); ok {
		t.Error("Expected failed new-key Put to leave no document")
	}

	if err := store.Delete("a"); err == nil {
		t.Fatal("Expected Delete to fail")
	}
	if ok, _ := store.Get("a", &got); !ok {
		t.Error("Expected failed Delete to keep the document")
	}
}

func TestStore_FileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")

	store, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if err := store.Put("x", doc{Value: "persisted"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Reopen from disk.
	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	var got doc
	if ok, err := reopened.Get("x", &got); !ok || err != nil {
		t.Fatalf("Get after reopen failed: ok=%v err=%v", ok, err)
	}
	if got.Value != "persisted" {
		t.Errorf("Expected 'persisted', got %q", got.Value)
	}

	// No leftover temp file.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Expected temp file to be renamed away")
	}
}

func TestStore_Keys(t *testing.T) {
	store, _ := Open(NewMemBackend())
	store.Put("b", doc{})
	store.Put("a", doc{})
	store.Put("c", doc{})

	keys := store.Keys()
	if len(keys) != 3 || keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Errorf("Expected sorted keys [a b c], got %v", keys)
	}

	if err := store.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll failed: %v", err)
	}
	if len(store.Keys()) != 0 {
		t.Error("Expected empty store after DeleteAll")
	}
}
