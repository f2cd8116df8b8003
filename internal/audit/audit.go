// Package audit persists one fire-and-forget record per export and
// proximity-search invocation. The sink must never block or fail the
// primary operation.
package audit

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Record is one audit entry.
type Record struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Operation string    `json:"operation"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Sink buffers audit records through a channel and persists them from a
// single writer goroutine. When the buffer is full the record is dropped
// with a log line; audit unavailability never propagates to the caller.
type Sink struct {
	db       *sql.DB
	queue    chan Record
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink opens (creating if needed) the audit database and starts the
// writer goroutine.
func NewSink(dbPath string, queueSize int) (*Sink, error) {
	if queueSize <= 0 {
		queueSize = 256
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		detail TEXT DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_tenant_created ON audit_log(tenant_id, created_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}

	s := &Sink{db: db, queue: make(chan Record, queueSize)}
	s.wg.Add(1)
	go s.writer()
	return s, nil
}

// Record enqueues an audit entry. It never blocks.
func (s *Sink) Record(tenantID, operation, detail string) {
	rec := Record{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Operation: operation,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}
	select {
	case s.queue <- rec:
	default:
		log.Printf("[Audit] queue full, dropping %s record for tenant %s", operation, tenantID)
	}
}

// Close drains the queue and closes the database.
func (s *Sink) Close() error {
	s.stopOnce.Do(func() {
		close(s.queue)
		s.wg.Wait()
	})
	return s.db.Close()
}

func (s *Sink) writer() {
	defer s.wg.Done()
	for rec := range s.queue {
		_, err := s.db.Exec(`
			INSERT INTO audit_log (id, tenant_id, operation, detail, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, rec.ID, rec.TenantID, rec.Operation, rec.Detail, rec.CreatedAt.Format(time.RFC3339))
		if err != nil {
			log.Printf("[Audit] failed to persist record: %v", err)
		}
	}
}

// RecentForTenant returns the newest records for a tenant, newest first.
// Used by tests and operational tooling.
func (s *Sink) RecentForTenant(tenantID string, limit int) ([]Record, error) {
	rows, err := s.db.Query(`
		SELECT id, tenant_id, operation, detail, created_at
		FROM audit_log WHERE tenant_id = ?
		ORDER BY created_at DESC, id LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var createdStr string
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.Operation, &rec.Detail, &createdStr); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdStr)
		out = append(out, rec)
	}
	return out, rows.Err()
}
