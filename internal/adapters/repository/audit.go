package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// AuditStore is the audit trail in an sqlite database. Records are only ever
// inserted; retention trims the oldest rows.
type AuditStore struct {
	db         *sql.DB
	maxEntries int
	log        logger.Logger

	mu     sync.Mutex
	closed bool
}

// OpenAudit opens (or creates) the database at path and applies pending
// migrations.
func OpenAudit(ctx context.Context, path string, opts ...AuditOption) (*AuditStore, error) {
	s := &AuditStore{log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return s, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load audit migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("create sqlite migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	// m is not closed: closing it would close db.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("audit migration up failed: %w", err)
	}
	return nil
}

// Append inserts rec and trims the log to its retention.
func (s *AuditStore) Append(ctx context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, ts_ns, cause, description, sequence) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC().Format(time.RFC3339Nano), rec.Timestamp.UnixNano(), string(rec.Cause), rec.Description, int64(rec.Sequence))
	if err != nil {
		metrics.RecordAuditWriteFailure()
		return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
	}
	metrics.RecordAuditRecord(string(rec.Cause))

	if s.maxEntries > 0 {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM audit_log WHERE seq <= (SELECT seq FROM audit_log ORDER BY seq DESC LIMIT 1 OFFSET ?)`,
			s.maxEntries); err != nil {
			s.log.Warn(ctx, "failed to trim audit log", logger.Error(err))
		}
	}
	return nil
}

// Recent returns up to n records, newest first.
func (s *AuditStore) Recent(ctx context.Context, n int) ([]model.AuditRecord, error) {
	return s.Query(ctx, AuditFilter{Limit: n})
}

// Query returns up to f.Limit records matching f, newest first.
func (s *AuditStore) Query(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	query, args := auditQuery(f)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var (
			rec   model.AuditRecord
			ts    string
			cause string
			seq   int64
		)
		if err := rows.Scan(&rec.ID, &ts, &cause, &rec.Description, &seq); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		if rec.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		rec.Cause = model.AuditCause(cause)
		rec.Sequence = uint64(seq)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func auditQuery(f AuditFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if len(f.Causes) > 0 {
		marks := make([]string, len(f.Causes))
		for i, c := range f.Causes {
			marks[i] = "?"
			args = append(args, string(c))
		}
		where = append(where, "cause IN ("+strings.Join(marks, ", ")+")")
	}
	if !f.Since.IsZero() {
		where = append(where, "ts_ns >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts_ns <= ?")
		args = append(args, f.Until.UnixNano())
	}

	var b strings.Builder
	b.WriteString(`SELECT id, ts, cause, description, sequence FROM audit_log`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY seq DESC LIMIT ?")
	args = append(args, f.Limit)
	return b.String(), args
}

// Count returns the number of retained records.
func (s *AuditStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit log: %w", err)
	}
	return n, nil
}

// Close closes the database. Further calls return ErrClosed.
func (s *AuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
