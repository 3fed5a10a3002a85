// Package coordinator merges the twin states into one versioned snapshot,
// persists it in generations and recovers it after a restart.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/timeutil"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Defaults.
const (
	defaultPersistInterval    = 5 * time.Second
	defaultMaxPersistFailures = 3
	defaultLapTolerance       = 1
	auditTimeout              = 2 * time.Second
)

// Status is the coordinator's operational summary.
type Status struct {
	Sequence           uint64       `json:"sequence"`
	PersistedSequence  uint64       `json:"persisted_sequence"`
	Health             model.Health `json:"health"`
	LastError          string       `json:"last_error,omitempty"`
	PersistFailures    int          `json:"persist_failures"`
	ConsistencyWarning uint64       `json:"consistency_warnings"`
}

// Coordinator is the single writer of the system snapshot. Commit is called
// by one merger goroutine; ReadSnapshot is safe from any goroutine.
type Coordinator struct {
	store repository.SnapshotStore
	audit repository.AuditLog

	interval           time.Duration
	maxPersistFailures int
	lapTolerance       int
	strict             bool

	log   logger.Logger
	clock timeutil.Clock

	// commitMu serializes snapshot replacement; it is never held during I/O.
	commitMu  sync.Mutex
	snap      atomic.Pointer[model.SystemSnapshot]
	lastFrame atomic.Pointer[model.NormalizedFrame]

	persistMu       sync.Mutex
	persistedSeq    atomic.Uint64
	persistFailures int
	persistFault    error
	sourceFault     error
	warnings        atomic.Uint64

	trigger chan struct{}

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator over store and audit with an empty snapshot.
func New(store repository.SnapshotStore, audit repository.AuditLog, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:              store,
		audit:              audit,
		interval:           defaultPersistInterval,
		maxPersistFailures: defaultMaxPersistFailures,
		lapTolerance:       defaultLapTolerance,
		log:                logger.Nop(),
		clock:              timeutil.RealClock{},
		trigger:            make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.snap.Store(&model.SystemSnapshot{Health: model.HealthOK})
	return c
}

// ReadSnapshot returns a deep copy of the current snapshot.
func (c *Coordinator) ReadSnapshot() model.SystemSnapshot {
	return c.snap.Load().Clone()
}

// LastFrame returns the frame of the latest commit, if any.
func (c *Coordinator) LastFrame() (model.NormalizedFrame, bool) {
	f := c.lastFrame.Load()
	if f == nil {
		return model.NormalizedFrame{}, false
	}
	return f.Clone(), true
}

// Health returns the current health.
func (c *Coordinator) Health() model.Health {
	return c.snap.Load().Health
}

// Status returns an operational summary.
func (c *Coordinator) Status() Status {
	s := c.snap.Load()
	c.persistMu.Lock()
	failures := c.persistFailures
	c.persistMu.Unlock()
	return Status{
		Sequence:           s.Sequence,
		PersistedSequence:  c.persistedSeq.Load(),
		Health:             s.Health,
		LastError:          s.LastError,
		PersistFailures:    failures,
		ConsistencyWarning: c.warnings.Load(),
	}
}

// Commit merges one cycle's twin states into a new snapshot. When the laps of
// the two states differ by more than the tolerance a consistency warning is
// audited; in strict mode the merge is refused and the current snapshot is
// returned with the error.
func (c *Coordinator) Commit(ctx context.Context, car model.CarTwinState, field model.FieldTwinState, frame *model.NormalizedFrame) (model.SystemSnapshot, error) {
	ctx, span := tracer.Start(ctx, "coordinator.Commit", trace.WithAttributes(
		attribute.Int("car_lap", car.Lap),
		attribute.Int("field_lap", field.Lap),
	))
	defer span.End()

	var mismatch string
	if !car.UpdatedAt.IsZero() && !field.UpdatedAt.IsZero() && abs(car.Lap-field.Lap) > c.lapTolerance {
		c.warnings.Add(1)
		metrics.RecordConsistencyWarning()
		mismatch = fmt.Sprintf("car lap %d, field lap %d, tolerance %d", car.Lap, field.Lap, c.lapTolerance)
		if c.strict {
			cur := c.ReadSnapshot()
			err := faults.New(faults.KindConsistencyWarning, "commit", fmt.Errorf("%w: %s", ErrLapMismatch, mismatch))
			span.SetStatus(codes.Error, err.Error())
			countCommit(ctx, "refused")
			c.log.Warn(ctx, "merge refused", logger.String("detail", mismatch))
			c.record(ctx, model.AuditConsistencyWarning, cur.Sequence, mismatch+"; merge refused")
			return cur, err
		}
	}

	c.commitMu.Lock()
	prev := c.snap.Load()
	next := &model.SystemSnapshot{
		Sequence:  prev.Sequence + 1,
		Timestamp: c.clock.Now().UTC(),
		Car:       car.Clone(),
		Field:     field.Clone(),
		Health:    prev.Health,
		LastError: prev.LastError,
	}
	if frame != nil {
		next.Timestamp = frame.Timestamp
		f := frame.Clone()
		c.lastFrame.Store(&f)
	}
	c.snap.Store(next)
	c.commitMu.Unlock()

	if mismatch != "" {
		c.log.Warn(ctx, "twin laps disagree", logger.String("detail", mismatch))
		c.record(ctx, model.AuditConsistencyWarning, next.Sequence, mismatch)
	}
	span.SetAttributes(attribute.Int64("sequence", int64(next.Sequence)))
	countCommit(ctx, "ok")
	metrics.RecordCommit(next.Sequence)
	c.record(ctx, model.AuditCommit, next.Sequence, fmt.Sprintf("lap %d", max(car.Lap, field.Lap)))

	if significant(prev, next) {
		c.requestPersist()
	}
	return next.Clone(), nil
}

// significant reports changes that warrant an immediate persist: a stop, a
// new opportunity set or a health change.
func significant(prev, next *model.SystemSnapshot) bool {
	if prev.Health != next.Health {
		return true
	}
	if prev.Car.Strategy.PitStops != next.Car.Strategy.PitStops {
		return true
	}
	if pitCount(prev.Field) != pitCount(next.Field) {
		return true
	}
	if len(prev.Field.Opportunities) != len(next.Field.Opportunities) {
		return true
	}
	for i, o := range prev.Field.Opportunities {
		n := next.Field.Opportunities[i]
		if o.Type != n.Type || o.TargetID != n.TargetID {
			return true
		}
	}
	return false
}

func pitCount(f model.FieldTwinState) int {
	n := 0
	for _, c := range f.Competitors {
		n += len(c.PitStops)
	}
	return n
}

func (c *Coordinator) requestPersist() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Persist writes the current snapshot as a new generation. It is a no-op when
// the snapshot has not changed since the last successful persist.
func (c *Coordinator) Persist(ctx context.Context) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.commitMu.Lock()
	snap, frame := c.snap.Load(), c.lastFrame.Load()
	c.commitMu.Unlock()
	if snap.Sequence == 0 || snap.Sequence == c.persistedSeq.Load() {
		return nil
	}

	ctx, span := tracer.Start(ctx, "coordinator.Persist", trace.WithAttributes(
		attribute.Int64("sequence", int64(snap.Sequence)),
	))
	defer span.End()

	rec := model.PersistedRecord{
		Frame:     frame,
		Snapshot:  *snap,
		Sequence:  snap.Sequence,
		Timestamp: c.clock.Now().UTC(),
	}
	start := c.clock.Now()
	_, err := c.store.Save(ctx, rec)
	elapsed := c.clock.Since(start)
	measurePersist(ctx, elapsed, err == nil)

	if err != nil {
		c.persistFailures++
		metrics.RecordPersistFailure()
		fault := faults.New(faults.KindPersistenceFailure, "persist", err)
		span.SetStatus(codes.Error, fault.Error())
		c.log.Error(ctx, "persist failed",
			logger.Int("consecutive_failures", c.persistFailures),
			logger.Error(err))
		c.record(ctx, model.AuditPersistenceFailure, snap.Sequence, err.Error())
		if c.persistFailures >= c.maxPersistFailures && c.persistFault == nil {
			c.persistFault = fault
			c.refreshHealth(ctx, snap.Sequence)
		}
		return fault
	}

	c.persistFailures = 0
	c.persistedSeq.Store(snap.Sequence)
	metrics.RecordPersist(snap.Sequence, float64(elapsed)/float64(time.Millisecond))
	if c.persistFault != nil {
		c.persistFault = nil
		c.refreshHealth(ctx, snap.Sequence)
	}
	return nil
}

// ReportSourceFault marks the system degraded because no telemetry source,
// not even the simulated one, is usable. A nil err clears the condition.
func (c *Coordinator) ReportSourceFault(ctx context.Context, err error) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	if (err == nil) == (c.sourceFault == nil) {
		return
	}
	if err != nil {
		c.sourceFault = faults.New(faults.KindSystemDegraded, "telemetry", err)
	} else {
		c.sourceFault = nil
	}
	c.refreshHealth(ctx, c.snap.Load().Sequence)
}

// refreshHealth publishes the health implied by the active faults. Callers
// hold persistMu.
func (c *Coordinator) refreshHealth(ctx context.Context, seq uint64) {
	health, lastErr := model.HealthOK, ""
	switch {
	case c.sourceFault != nil:
		health, lastErr = model.HealthDegraded, c.sourceFault.Error()
	case c.persistFault != nil:
		health, lastErr = model.HealthDegraded, c.persistFault.Error()
	}

	c.commitMu.Lock()
	cur := c.snap.Load()
	if cur.Health == health && cur.LastError == lastErr {
		c.commitMu.Unlock()
		return
	}
	next := *cur
	next.Health = health
	next.LastError = lastErr
	c.snap.Store(&next)
	c.commitMu.Unlock()

	metrics.UpdateHealth(health == model.HealthDegraded)
	if health == model.HealthDegraded {
		c.log.Error(ctx, "system degraded", logger.String("cause", lastErr))
		c.record(ctx, model.AuditDegraded, seq, lastErr)
	} else {
		c.log.Info(ctx, "system healthy again")
	}
}

// Recover restores the newest generation that loads and validates. Corrupt
// generations are skipped and audited. With nothing usable the coordinator
// keeps its empty snapshot and ErrNothingToRecover is returned.
func (c *Coordinator) Recover(ctx context.Context) (model.SystemSnapshot, error) {
	ctx, span := tracer.Start(ctx, "coordinator.Recover")
	defer span.End()

	gens, err := c.store.List(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordRecovery("failed")
		return c.ReadSnapshot(), faults.New(faults.KindPersistenceFailure, "recover", err)
	}

	for _, g := range gens {
		rec, err := c.store.Load(ctx, g)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return c.ReadSnapshot(), ctxErr
			}
			c.log.Warn(ctx, "skipping unreadable generation",
				logger.Uint64("sequence", g.Sequence),
				logger.Error(err))
			c.record(ctx, model.AuditRecovery, g.Sequence, fmt.Sprintf("skipped generation %d: %v", g.Sequence, err))
			if qerr := c.store.Quarantine(ctx, g); qerr != nil {
				c.log.Warn(ctx, "failed to quarantine generation", logger.Uint64("sequence", g.Sequence), logger.Error(qerr))
			}
			continue
		}

		snap := rec.Snapshot
		c.commitMu.Lock()
		c.snap.Store(&snap)
		if rec.Frame != nil {
			f := rec.Frame.Clone()
			c.lastFrame.Store(&f)
		}
		c.commitMu.Unlock()
		c.persistedSeq.Store(rec.Sequence)

		metrics.RecordRecovery("restored")
		metrics.RecordCommit(snap.Sequence)
		c.log.Info(ctx, "state recovered", logger.Uint64("sequence", rec.Sequence))
		c.record(ctx, model.AuditRecovery, rec.Sequence, fmt.Sprintf("recovered generation %d", rec.Sequence))
		return c.ReadSnapshot(), nil
	}

	metrics.RecordRecovery("cold")
	c.log.Info(ctx, "no generation to recover, starting cold", logger.Int("skipped", len(gens)))
	c.record(ctx, model.AuditRecovery, 0, fmt.Sprintf("cold start, %d generations unusable", len(gens)))
	return c.ReadSnapshot(), ErrNothingToRecover
}

// Start runs the persist loop until ctx is canceled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if c.done != nil {
		return ErrAlreadyStarted
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx, c.done)
	return nil
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case <-c.trigger:
		}
		// Failures are audited and reflected in health by Persist.
		_ = c.Persist(ctx)
	}
}

// Stop ends the persist loop and writes a final generation.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.loopMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.loopMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("persist loop did not stop: %w", ctx.Err())
		}
	}
	if err := c.Persist(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("final persist: %w", err)
	}
	return nil
}

// Audit appends a record on behalf of another component.
func (c *Coordinator) Audit(ctx context.Context, cause model.AuditCause, description string) {
	c.record(ctx, cause, c.snap.Load().Sequence, description)
}

// record writes an audit record. Audit failures are logged, never
// propagated.
func (c *Coordinator) record(ctx context.Context, cause model.AuditCause, seq uint64, desc string) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := c.audit.Append(ctx, model.NewAuditRecord(c.clock.Now(), cause, seq, desc)); err != nil {
		c.log.Warn(ctx, "audit write failed",
			logger.String("cause", string(cause)),
			logger.Error(err))
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
