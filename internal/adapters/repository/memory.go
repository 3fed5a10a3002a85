package repository

import (
	"context"
	"sync"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/metrics"
)

// MemoryAudit is an AuditLog kept in process memory. It is used when no audit
// database is configured and in tests.
type MemoryAudit struct {
	mu         sync.RWMutex
	records    []model.AuditRecord
	maxEntries int
}

// NewMemoryAudit returns an empty log retaining at most maxEntries records;
// zero or less keeps everything.
func NewMemoryAudit(maxEntries int) *MemoryAudit {
	return &MemoryAudit{maxEntries: maxEntries}
}

// Append stores rec.
func (m *MemoryAudit) Append(_ context.Context, rec model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	if m.maxEntries > 0 && len(m.records) > m.maxEntries {
		m.records = append(m.records[:0:0], m.records[len(m.records)-m.maxEntries:]...)
	}
	metrics.RecordAuditRecord(string(rec.Cause))
	return nil
}

// Recent returns up to n records, newest first.
func (m *MemoryAudit) Recent(ctx context.Context, n int) ([]model.AuditRecord, error) {
	return m.Query(ctx, AuditFilter{Limit: n})
}

// Query returns up to f.Limit records matching f, newest first.
func (m *MemoryAudit) Query(_ context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AuditRecord, 0, min(f.Limit, len(m.records)))
	for i := len(m.records) - 1; i >= 0 && len(out) < f.Limit; i-- {
		if f.Match(m.records[i]) {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

// Count returns the number of retained records.
func (m *MemoryAudit) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// ByCause returns the retained records of cause in append order.
func (m *MemoryAudit) ByCause(cause model.AuditCause) []model.AuditRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.AuditRecord
	for _, r := range m.records {
		if r.Cause == cause {
			out = append(out, r)
		}
	}
	return out
}
