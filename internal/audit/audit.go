// Package audit provides the append-only audit log recording every
// outbound remote call (tool server or direct SDK) a collection run
// issues. Records form a hash chain for tamper detection.
package audit

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// EventType categorizes audit log entries.
type EventType string

const (
	EventAPICall            EventType = "api_call"
	EventToolCall           EventType = "tool_call"
	EventCollectionStarted  EventType = "collection_started"
	EventCollectionFinished EventType = "collection_finished"
	EventQuery              EventType = "query"
	EventCredentialResolved EventType = "credential_resolved"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   TEXT NOT NULL,
    run_uuid    TEXT DEFAULT '',
    event_type  TEXT NOT NULL,
    detail      TEXT DEFAULT '{}',
    record_hash TEXT NOT NULL
);
`

// Logger writes tamper-evident audit records to the audit database.
type Logger struct {
	db       *sql.DB
	mu       sync.Mutex
	lastHash string
}

// Open opens (creating if needed) the audit database at path and
// returns a logger whose hash chain continues from the last record.
func Open(path string) (*Logger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing audit schema: %w", err)
	}
	al, err := NewLogger(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return al, nil
}

// NewLogger creates an audit logger over an existing database handle.
// The table must already exist.
func NewLogger(db *sql.DB) (*Logger, error) {
	al := &Logger{db: db}

	// Recover last hash for chain continuity
	var lastHash sql.NullString
	err := db.QueryRow(
		"SELECT record_hash FROM audit_log ORDER BY id DESC LIMIT 1",
	).Scan(&lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("recovering audit chain: %w", err)
	}
	if lastHash.Valid {
		al.lastHash = lastHash.String
	}

	return al, nil
}

// Log writes an audit event. The record is appended immutably with a
// hash chain.
func (al *Logger) Log(eventType EventType, runUUID string, detail any) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		detailJSON = []byte(fmt.Sprintf(`{"error":"failed to marshal detail: %s"}`, err))
	}

	now := time.Now().UTC()
	recordHash := al.computeHash(now, eventType, runUUID, string(detailJSON))

	_, err = al.db.Exec(
		`INSERT INTO audit_log (timestamp, run_uuid, event_type, detail, record_hash)
		 VALUES (?, ?, ?, ?, ?)`,
		now.Format(time.RFC3339Nano),
		runUUID,
		string(eventType),
		string(detailJSON),
		recordHash,
	)
	if err != nil {
		return fmt.Errorf("inserting audit record: %w", err)
	}

	al.lastHash = recordHash
	return nil
}

// Close releases the underlying database handle.
func (al *Logger) Close() error { return al.db.Close() }

// computeHash creates the hash chain link:
// SHA-256(previousHash + timestamp + eventType + runUUID + detail)
func (al *Logger) computeHash(ts time.Time, eventType EventType, runUUID, detail string) string {
	data := al.lastHash + ts.Format(time.RFC3339Nano) + string(eventType) + runUUID + detail
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// Verify checks the integrity of the audit chain.
func Verify(db *sql.DB) (bool, int, error) {
	rows, err := db.Query(
		"SELECT timestamp, event_type, run_uuid, detail, record_hash FROM audit_log ORDER BY id ASC",
	)
	if err != nil {
		return false, 0, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var previousHash string
	count := 0

	for rows.Next() {
		var ts, eventType, runUUID, detail, recordHash string
		if err := rows.Scan(&ts, &eventType, &runUUID, &detail, &recordHash); err != nil {
			return false, count, fmt.Errorf("scanning audit row: %w", err)
		}

		data := previousHash + ts + eventType + runUUID + detail
		h := sha256.Sum256([]byte(data))
		expected := hex.EncodeToString(h[:])

		if expected != recordHash {
			return false, count, fmt.Errorf("audit chain broken at record %d", count+1)
		}

		previousHash = recordHash
		count++
	}

	return true, count, nil
}
