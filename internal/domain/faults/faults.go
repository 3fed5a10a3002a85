// Package faults defines the error taxonomy shared by ingestion, the twins and
// the state coordinator. Every kind is handled locally by the component that
// raises it; readers only ever see it through the snapshot health fields.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies a fault.
type Kind string

// Fault kinds.
const (
	KindSourceUnavailable     Kind = "source_unavailable"
	KindSchemaViolation       Kind = "schema_violation"
	KindLatencyBudgetExceeded Kind = "latency_budget_exceeded"
	KindPersistenceFailure    Kind = "persistence_failure"
	KindConsistencyWarning    Kind = "consistency_warning"
	KindSystemDegraded        Kind = "system_degraded"
)

// Sentinels for errors.Is.
var (
	ErrSourceUnavailable     = errors.New("source unavailable")
	ErrSchemaViolation       = errors.New("schema violation")
	ErrLatencyBudgetExceeded = errors.New("latency budget exceeded")
	ErrPersistenceFailure    = errors.New("persistence failure")
	ErrConsistencyWarning    = errors.New("consistency warning")
	ErrSystemDegraded        = errors.New("system degraded")
)

var sentinels = map[Kind]error{
	KindSourceUnavailable:     ErrSourceUnavailable,
	KindSchemaViolation:       ErrSchemaViolation,
	KindLatencyBudgetExceeded: ErrLatencyBudgetExceeded,
	KindPersistenceFailure:    ErrPersistenceFailure,
	KindConsistencyWarning:    ErrConsistencyWarning,
	KindSystemDegraded:        ErrSystemDegraded,
}

// Error carries a fault kind, the operation that raised it and the cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err as a fault of kind raised by op.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a fault from a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the fault's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the first fault in err's chain.
func KindOf(err error) (Kind, bool) {
	var f *Error
	if errors.As(err, &f) {
		return f.Kind, true
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k, true
		}
	}
	return "", false
}
