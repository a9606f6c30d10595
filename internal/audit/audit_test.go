package audit

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func openTestLogger(t *testing.T) (*Logger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	logger, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func TestLogAndVerify(t *testing.T) {
	logger, path := openTestLogger(t)

	events := []struct {
		event EventType
		run   string
	}{
		{EventCollectionStarted, "run-1"},
		{EventAPICall, "run-1"},
		{EventToolCall, "run-1"},
		{EventCollectionFinished, "run-1"},
		{EventQuery, "run-2"},
	}
	for _, e := range events {
		if err := logger.Log(e.event, e.run, map[string]any{"n": 1}); err != nil {
			t.Fatalf("Log(%s): %v", e.event, err)
		}
	}
	logger.Close()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	defer db.Close()

	ok, records, err := Verify(db)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok || records != len(events) {
		t.Errorf("ok=%v records=%d", ok, records)
	}
}

func TestHashChainContinuesAcrossReopen(t *testing.T) {
	logger, path := openTestLogger(t)
	if err := logger.Log(EventCollectionStarted, "run-1", nil); err != nil {
		t.Fatalf("Log: %v", err)
	}
	logger.Close()

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if err := reopened.Log(EventCollectionFinished, "run-1", nil); err != nil {
		t.Fatalf("Log after reopen: %v", err)
	}
	reopened.Close()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	defer db.Close()

	ok, records, err := Verify(db)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok || records != 2 {
		t.Errorf("chain broken across reopen: ok=%v records=%d", ok, records)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	logger, path := openTestLogger(t)
	for i := 0; i < 3; i++ {
		if err := logger.Log(EventAPICall, "run-1", map[string]any{"i": i}); err != nil {
			t.Fatalf("Log: %v", err)
		}
	}
	logger.Close()

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(`UPDATE audit_log SET detail = '{"i":99}' WHERE id = 2`); err != nil {
		t.Fatalf("tampering: %v", err)
	}

	ok, _, err := Verify(db)
	if ok {
		t.Error("tampered record not detected")
	}
	if err == nil {
		t.Error("broken chain should report which record failed")
	}
}
