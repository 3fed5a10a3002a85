package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/stretchr/testify/require"
)

func openTestAudit(t *testing.T, opts ...AuditOption) *AuditStore {
	t.Helper()
	s, err := OpenAudit(context.Background(), filepath.Join(t.TempDir(), "audit", "audit.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAuditStore_AppendAndRecent(t *testing.T) {
	ctx := context.Background()
	s := openTestAudit(t)
	ts := time.Date(2026, 5, 24, 14, 0, 0, 0, time.UTC)

	first := model.NewAuditRecord(ts, model.AuditRecovery, 0, "cold start")
	second := model.NewAuditRecord(ts.Add(time.Second), model.AuditCommit, 1, "lap 1")
	require.NoError(t, s.Append(ctx, first))
	require.NoError(t, s.Append(ctx, second))

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, second, got[0])
	require.Equal(t, first, got[1])

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestAuditStore_DuplicateIDRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestAudit(t)
	rec := model.NewAuditRecord(time.Now(), model.AuditCommit, 1, "")

	require.NoError(t, s.Append(ctx, rec))
	require.Error(t, s.Append(ctx, rec))
}

func TestAuditStore_Retention(t *testing.T) {
	ctx := context.Background()
	s := openTestAudit(t, WithMaxEntries(3))
	ts := time.Date(2026, 5, 24, 14, 0, 0, 0, time.UTC)

	for i := range 5 {
		require.NoError(t, s.Append(ctx, model.NewAuditRecord(ts, model.AuditCommit, uint64(i+1), fmt.Sprintf("commit %d", i+1))))
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 4, 3}, []uint64{got[0].Sequence, got[1].Sequence, got[2].Sequence})
}

func TestAuditStore_ReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")

	s, err := OpenAudit(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, model.NewAuditRecord(time.Now(), model.AuditFallback, 0, "to simulated")))
	require.NoError(t, s.Close())

	s, err = OpenAudit(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, model.AuditFallback, got[0].Cause)
}

func TestAuditStore_InvalidLimitAndClosed(t *testing.T) {
	ctx := context.Background()
	s := openTestAudit(t)

	_, err := s.Recent(ctx, 0)
	require.ErrorIs(t, err, ErrInvalidLimit)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Append(ctx, model.NewAuditRecord(time.Now(), model.AuditCommit, 1, "")), ErrClosed)
	_, err = s.Count(ctx)
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryAudit(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryAudit(2)
	ts := time.Now()

	require.NoError(t, m.Append(ctx, model.NewAuditRecord(ts, model.AuditCommit, 1, "")))
	require.NoError(t, m.Append(ctx, model.NewAuditRecord(ts, model.AuditFallback, 1, "")))
	require.NoError(t, m.Append(ctx, model.NewAuditRecord(ts, model.AuditCommit, 2, "")))

	n, err := m.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	got, err := m.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint64(2), got[0].Sequence)
	require.Len(t, m.ByCause(model.AuditFallback), 1)

	_, err = m.Recent(ctx, -1)
	require.ErrorIs(t, err, ErrInvalidLimit)
}

// auditTrail appends a recovery-heavy trail spanning three minutes, with
// sub-second timestamps so ordering by text would differ from ordering by time.
func auditTrail(t *testing.T, log AuditLog) time.Time {
	t.Helper()
	ctx := context.Background()
	ts := time.Date(2026, 5, 24, 14, 0, 0, 0, time.UTC)
	trail := []model.AuditRecord{
		model.NewAuditRecord(ts, model.AuditRecovery, 0, "cold start"),
		model.NewAuditRecord(ts.Add(500*time.Millisecond), model.AuditCommit, 1, "lap 1"),
		model.NewAuditRecord(ts.Add(time.Minute+time.Millisecond), model.AuditFallback, 1, "udp -> simulated"),
		model.NewAuditRecord(ts.Add(time.Minute+999*time.Millisecond), model.AuditCommit, 2, "lap 2"),
		model.NewAuditRecord(ts.Add(2*time.Minute), model.AuditPersistenceFailure, 2, "disk full"),
		model.NewAuditRecord(ts.Add(3*time.Minute), model.AuditRecovery, 2, "recovered generation 2"),
	}
	for _, rec := range trail {
		require.NoError(t, log.Append(ctx, rec))
	}
	return ts
}

func sequencesAndCauses(recs []model.AuditRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = fmt.Sprintf("%s/%d", r.Cause, r.Sequence)
	}
	return out
}

func TestAuditLog_Query(t *testing.T) {
	logs := map[string]func(t *testing.T) AuditLog{
		"sqlite": func(t *testing.T) AuditLog { return openTestAudit(t) },
		"memory": func(*testing.T) AuditLog { return NewMemoryAudit(0) },
	}
	for name, open := range logs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			log := open(t)
			ts := auditTrail(t, log)

			got, err := log.Query(ctx, AuditFilter{Causes: []model.AuditCause{model.AuditRecovery}, Limit: 10})
			require.NoError(t, err)
			require.Equal(t, []string{"recovery/2", "recovery/0"}, sequencesAndCauses(got))

			got, err = log.Query(ctx, AuditFilter{Since: ts.Add(time.Minute), Until: ts.Add(2 * time.Minute), Limit: 10})
			require.NoError(t, err)
			require.Equal(t, []string{"persistence_failure/2", "commit/2", "fallback/1"}, sequencesAndCauses(got))

			got, err = log.Query(ctx, AuditFilter{
				Causes: []model.AuditCause{model.AuditCommit, model.AuditFallback},
				Since:  ts.Add(400 * time.Millisecond),
				Until:  ts.Add(time.Minute + 500*time.Millisecond),
				Limit:  10,
			})
			require.NoError(t, err)
			require.Equal(t, []string{"fallback/1", "commit/1"}, sequencesAndCauses(got))

			got, err = log.Query(ctx, AuditFilter{Limit: 2})
			require.NoError(t, err)
			require.Equal(t, []string{"recovery/2", "persistence_failure/2"}, sequencesAndCauses(got))

			got, err = log.Query(ctx, AuditFilter{Since: ts.Add(time.Hour), Limit: 10})
			require.NoError(t, err)
			require.Empty(t, got)
		})
	}
}

func TestAuditFilter_Validate(t *testing.T) {
	ts := time.Date(2026, 5, 24, 14, 0, 0, 0, time.UTC)
	log := NewMemoryAudit(0)
	ctx := context.Background()

	_, err := log.Query(ctx, AuditFilter{})
	require.ErrorIs(t, err, ErrInvalidLimit)

	_, err = log.Query(ctx, AuditFilter{Causes: []model.AuditCause{"blue_flag"}, Limit: 1})
	require.ErrorIs(t, err, ErrInvalidFilter)

	_, err = log.Query(ctx, AuditFilter{Since: ts, Until: ts.Add(-time.Second), Limit: 1})
	require.ErrorIs(t, err, ErrInvalidFilter)

	require.NoError(t, AuditFilter{Since: ts, Until: ts, Limit: 1}.Validate())
}

func TestAuditStore_MigrationBackfillsTimes(t *testing.T) {
	ctx := context.Background()
	s := openTestAudit(t)
	ts := time.Date(2026, 5, 24, 14, 0, 0, 0, time.UTC)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, ts, cause, description, sequence) VALUES (?, ?, ?, ?, ?)`,
		"legacy", ts.Format(time.RFC3339Nano), string(model.AuditRecovery), "before the time index", 0)
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx,
		`UPDATE audit_log SET ts_ns = CAST(ROUND((julianday(ts) - 2440587.5) * 86400000) AS INTEGER) * 1000000 WHERE ts_ns = 0`)
	require.NoError(t, err)

	got, err := s.Query(ctx, AuditFilter{Since: ts, Until: ts, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "legacy", got[0].ID)
}
