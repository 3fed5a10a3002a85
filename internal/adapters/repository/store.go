// Package repository holds the durable stores behind the state coordinator:
// generation files for snapshots and an sqlite audit log.
package repository

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
)

// SnapshotStore persists and lists snapshot generations.
type SnapshotStore interface {
	// Save writes rec as a new generation and prunes old ones.
	Save(ctx context.Context, rec model.PersistedRecord) (Generation, error)
	// List returns the generations on disk, newest first.
	List(ctx context.Context) ([]Generation, error)
	// Load reads and validates one generation.
	Load(ctx context.Context, g Generation) (model.PersistedRecord, error)
	// Quarantine moves an unusable generation out of the listing so that
	// pruning never prefers it over newer valid ones.
	Quarantine(ctx context.Context, g Generation) error
}

// AuditLog is the append-only audit trail.
type AuditLog interface {
	Append(ctx context.Context, rec model.AuditRecord) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]model.AuditRecord, error)
	// Query returns up to f.Limit records matching f, newest first.
	Query(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error)
	Count(ctx context.Context) (int, error)
}

// AuditFilter selects audit records. Zero fields match everything; Since and
// Until are inclusive.
type AuditFilter struct {
	Causes []model.AuditCause
	Since  time.Time
	Until  time.Time
	Limit  int
}

// Validate checks the limit, the causes and the time range.
func (f AuditFilter) Validate() error {
	if f.Limit <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidLimit, f.Limit)
	}
	for _, c := range f.Causes {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown cause %q", ErrInvalidFilter, c)
		}
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		return fmt.Errorf("%w: until %s is before since %s", ErrInvalidFilter,
			f.Until.Format(time.RFC3339), f.Since.Format(time.RFC3339))
	}
	return nil
}

// Match reports whether rec passes f, ignoring the limit.
func (f AuditFilter) Match(rec model.AuditRecord) bool {
	if len(f.Causes) > 0 && !slices.Contains(f.Causes, rec.Cause) {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}
