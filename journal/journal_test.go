package journal

import (
	"os"
	"testing"
)

func setupTestJournal(t *testing.T) (*Journal, func()) {
	tmpfile, err := os.CreateTemp("", "journal-*.db")
	if err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}
	tmpfile.Close()
	os.Remove(tmpfile.Name())

	jnl, err := New(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}

	cleanup := func() {
		jnl.Close()
		os.Remove(tmpfile.Name())
	}

	return jnl, cleanup
}

func TestRecordAndCount(t *testing.T) {
	jnl, cleanup := setupTestJournal(t)
	defer cleanup()

	if err := jnl.Record(EventLogin, 1, 0, "alice"); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}
	if err := jnl.Record(EventPush, 1, 1, "1"); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}
	if err := jnl.Record(EventDisconnect, 1, 0, ""); err != nil {
		t.Fatalf("Failed to record event: %v", err)
	}

	n, err := jnl.Count()
	if err != nil {
		t.Fatalf("Failed to count events: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 events, got %d", n)
	}
}

func TestNilJournalIsDisabled(t *testing.T) {
	var jnl *Journal

	if err := jnl.Record(EventPush, 1, 1, ""); err != nil {
		t.Errorf("Nil journal Record returned %v", err)
	}
	if n, err := jnl.Count(); err != nil || n != 0 {
		t.Errorf("Nil journal Count returned %d, %v", n, err)
	}
	if err := jnl.Close(); err != nil {
		t.Errorf("Nil journal Close returned %v", err)
	}
}
