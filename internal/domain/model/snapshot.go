package model

import (
	"time"

	"github.com/google/uuid"
)

// Health is the externally visible health of the core.
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
)

// SystemSnapshot is the merged, versioned state served to readers. It is
// replaced wholesale on every commit.
type SystemSnapshot struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Car       CarTwinState   `json:"car"`
	Field     FieldTwinState `json:"field"`
	Health    Health         `json:"health"`
	LastError string         `json:"last_error,omitempty"`
}

// Clone returns a deep copy.
func (s SystemSnapshot) Clone() SystemSnapshot {
	out := s
	out.Car = s.Car.Clone()
	out.Field = s.Field.Clone()
	return out
}

// PersistedRecord is one durable generation.
type PersistedRecord struct {
	Frame     *NormalizedFrame `json:"frame,omitempty"`
	Snapshot  SystemSnapshot   `json:"snapshot"`
	Sequence  uint64           `json:"sequence"`
	Timestamp time.Time        `json:"timestamp"`
}

// AuditCause classifies an audit record.
type AuditCause string

const (
	AuditCommit             AuditCause = "commit"
	AuditFallback           AuditCause = "fallback"
	AuditRecovery           AuditCause = "recovery"
	AuditConsistencyWarning AuditCause = "consistency_warning"
	AuditPersistenceFailure AuditCause = "persistence_failure"
	AuditSourceSwitch       AuditCause = "source_switch"
	AuditDegraded           AuditCause = "degraded"
)

// Valid reports whether c is a known cause.
func (c AuditCause) Valid() bool {
	switch c {
	case AuditCommit, AuditFallback, AuditRecovery, AuditConsistencyWarning,
		AuditPersistenceFailure, AuditSourceSwitch, AuditDegraded:
		return true
	default:
		return false
	}
}

// AuditRecord is an append-only log entry. Records are never mutated.
type AuditRecord struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Cause       AuditCause `json:"cause"`
	Description string     `json:"description"`
	Sequence    uint64     `json:"sequence"`
}

// NewAuditRecord stamps a record with a fresh id.
func NewAuditRecord(ts time.Time, cause AuditCause, sequence uint64, description string) AuditRecord {
	return AuditRecord{
		ID:          uuid.NewString(),
		Timestamp:   ts.UTC(),
		Cause:       cause,
		Description: description,
		Sequence:    sequence,
	}
}
