// Package ingest turns raw telemetry into ordered cycles for the twins.
//
// One goroutine reads the active source. Every sample passes the same
// validation point; accepted frames are deduplicated, checked for ordering
// and fanned out to each twin queue together with the race events derived
// from the previous frame. Lost or misbehaving streamed sources fall back to
// the simulator.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/pitwall/internal/adapters/source"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/domain/dedupe"
	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/domain/normalize"
	"github.com/okian/pitwall/internal/timeutil"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Modes of the ingestor.
const (
	ModeSimulated = config.SourceSimulated
	ModeStreamed  = config.SourceStreamed
)

// Sink receives the messages of every cycle in order.
type Sink interface {
	Enqueue(ctx context.Context, m model.Message) error
}

// Normalizer validates raw samples.
type Normalizer interface {
	Normalize(ctx context.Context, raw model.RawSample) (model.NormalizedFrame, error)
}

// Sources builds telemetry sources.
type Sources interface {
	New(cfg config.Source) (source.Source, error)
	Fallback() source.Source
}

// Supervisor is told about transitions that belong in the audit trail or in
// the system health.
type Supervisor interface {
	Audit(ctx context.Context, cause model.AuditCause, description string)
	ReportSourceFault(ctx context.Context, err error)
}

// Status is the ingestor's operational summary.
type Status struct {
	Mode                string `json:"mode"`
	Source              string `json:"source"`
	Connected           bool   `json:"connected"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Accepted            uint64 `json:"accepted"`
	Rejected            uint64 `json:"rejected"`
	Duplicates          uint64 `json:"duplicates"`
	Fallbacks           uint64 `json:"fallbacks"`
	Cycles              uint64 `json:"cycles"`
	Epoch               uint64 `json:"epoch"`
	LastError           string `json:"last_error,omitempty"`
}

// Ingestor reads one active source at a time.
type Ingestor struct {
	initial    config.Source
	sources    Sources
	supervisor Supervisor
	sinks      []Sink

	normalizer     Normalizer
	deduper        dedupe.Deduper
	maxFailures    int
	maxReconnects  int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	log   logger.Logger
	clock timeutil.Clock

	mu            sync.Mutex
	active        source.Source
	mode          string
	pending       source.Source
	pendingMode   string
	cancelSource  context.CancelFunc
	status        Status
	lastTimestamp time.Time
	sourceFaulted bool

	current atomic.Pointer[model.NormalizedFrame]

	// emitMu keeps the messages of one cycle contiguous on every sink.
	emitMu sync.Mutex
	cycle  uint64

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an ingestor that starts on the source described by initial.
func New(initial config.Source, sources Sources, supervisor Supervisor, sinks []Sink, opts ...Option) *Ingestor {
	i := &Ingestor{
		initial:        initial,
		sources:        sources,
		supervisor:     supervisor,
		sinks:          sinks,
		normalizer:     normalize.New(),
		deduper:        dedupe.NewWindow(),
		maxFailures:    5,
		maxReconnects:  5,
		initialBackoff: 500 * time.Millisecond,
		maxBackoff:     10 * time.Second,
		log:            logger.Nop(),
		clock:          timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start builds the initial source and begins reading it.
func (i *Ingestor) Start(ctx context.Context) error {
	i.loopMu.Lock()
	defer i.loopMu.Unlock()
	if i.done != nil {
		return ErrAlreadyStarted
	}

	src, err := i.sources.New(i.initial)
	if err != nil {
		return fmt.Errorf("build %s source: %w", i.initial.Kind, err)
	}
	i.mu.Lock()
	if i.active == nil {
		i.setActive(src, i.initial.Kind)
	}
	i.mu.Unlock()

	ctx, i.cancel = context.WithCancel(ctx)
	i.done = make(chan struct{})
	go i.run(ctx, i.done)

	i.log.Info(ctx, "ingestor started",
		logger.String("mode", i.initial.Kind),
		logger.String("source", src.Name()))
	return nil
}

// Stop ends reading and waits for the reader to exit.
func (i *Ingestor) Stop(ctx context.Context) error {
	i.loopMu.Lock()
	cancel, done := i.cancel, i.done
	i.cancel, i.done = nil, nil
	i.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		i.log.Info(ctx, "ingestor stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingestor did not stop: %w", ctx.Err())
	}
}

// CurrentFrame returns the last accepted frame.
func (i *Ingestor) CurrentFrame() (model.NormalizedFrame, bool) {
	f := i.current.Load()
	if f == nil {
		return model.NormalizedFrame{}, false
	}
	return f.Clone(), true
}

// Status returns a copy of the operational summary.
func (i *Ingestor) Status() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	s := i.status
	s.Mode = i.mode
	if i.active != nil {
		s.Source = i.active.Name()
	}
	return s
}

// SwitchSource replaces the active source. The new source is built and
// validated before anything changes; on error the current source keeps
// running.
func (i *Ingestor) SwitchSource(ctx context.Context, kind string, cfg config.Source) error {
	cfg.Kind = kind
	src, err := i.sources.New(cfg)
	if err != nil {
		return fmt.Errorf("switch source: %w", err)
	}

	i.mu.Lock()
	from := "none"
	if i.active != nil {
		from = i.active.Name()
	}
	if i.cancelSource == nil {
		i.setActive(src, kind)
	} else {
		i.pending, i.pendingMode = src, kind
		i.cancelSource()
	}
	i.mu.Unlock()

	i.supervisor.Audit(ctx, model.AuditSourceSwitch, fmt.Sprintf("%s -> %s", from, src.Name()))
	i.log.Info(ctx, "telemetry source switched",
		logger.String("from", from),
		logger.String("to", src.Name()),
		logger.String("mode", kind))
	return nil
}

// InjectEvent publishes an externally reported race event as its own cycle.
// Missing lap and timestamp are taken from the current frame.
func (i *Ingestor) InjectEvent(ctx context.Context, ev model.RaceEvent) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
	if ev.Type == model.EventPitDetected && ev.CarID == "" {
		return fmt.Errorf("%w: %s needs a car id", ErrInvalidEvent, ev.Type)
	}
	if cur := i.current.Load(); cur != nil {
		if ev.Lap == 0 {
			ev.Lap = cur.Lap
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = cur.Timestamp
		}
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = i.clock.Now().UTC()
	}
	metrics.RecordRaceEvent(string(ev.Type))
	return i.emit(ctx, nil, []model.RaceEvent{ev})
}

// setActive installs src. Callers hold mu.
func (i *Ingestor) setActive(src source.Source, mode string) {
	i.active, i.mode = src, mode
	i.status.Epoch++
	i.status.ConsecutiveFailures = 0
	// Ordering is checked per source; a new feed has its own clock.
	i.lastTimestamp = time.Time{}
	metrics.UpdateConsecutiveFailures(0)
}

func (i *Ingestor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		i.mu.Lock()
		i.cancelSource = nil
		i.mu.Unlock()
	}()

	for {
		i.mu.Lock()
		if i.pending != nil {
			i.setActive(i.pending, i.pendingMode)
			i.pending = nil
		}
		src, simulated := i.active, i.mode == ModeSimulated
		srcCtx, cancel := context.WithCancel(ctx)
		i.cancelSource = cancel
		i.mu.Unlock()

		err := i.consume(ctx, srcCtx, src, simulated)
		cancel()
		if ctx.Err() != nil {
			return
		}

		i.mu.Lock()
		switched := i.pending != nil
		i.mu.Unlock()
		if switched {
			continue
		}

		if !simulated && (errors.Is(err, errTooManyFailures) || errors.Is(err, errExhausted) || errors.Is(err, io.EOF)) {
			i.fallback(ctx, src.Name(), err)
			continue
		}
		i.log.Warn(ctx, "telemetry source ended, reopening",
			logger.String("source", src.Name()),
			logger.Error(err))
	}
}

// consume reads src until it must be abandoned. parent bounds the emission
// of cycles so a source switch never splits a cycle between the queues.
func (i *Ingestor) consume(parent, ctx context.Context, src source.Source, simulated bool) error {
	attempt := 0
	for {
		stream, err := src.Open(ctx)
		if err == nil {
			i.setConnected(true)
			if simulated {
				i.setSourceFault(ctx, nil)
			}
			err = i.read(parent, ctx, stream, simulated, &attempt)
			_ = stream.Close()
			i.setConnected(false)
			if errors.Is(err, errTooManyFailures) || errors.Is(err, io.EOF) {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		attempt++
		i.log.Warn(ctx, "telemetry source failed",
			logger.String("source", src.Name()),
			logger.Int("attempt", attempt),
			logger.Error(err))
		i.recordError(err)

		if simulated {
			i.setSourceFault(ctx, err)
		} else {
			metrics.RecordSourceReconnect(src.Name())
			if attempt > i.maxReconnects {
				return fmt.Errorf("%w after %d attempts: %w", errExhausted, attempt-1, err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.clock.After(source.Backoff(i.initialBackoff, i.maxBackoff, attempt)):
		}
	}
}

func (i *Ingestor) read(parent, ctx context.Context, stream source.Stream, simulated bool, attempt *int) error {
	for {
		raw, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		ok, err := i.handle(parent, raw, simulated)
		if err != nil {
			return err
		}
		if ok {
			*attempt = 0
		}
	}
}

// handle validates one sample and emits it as a cycle when accepted.
func (i *Ingestor) handle(ctx context.Context, raw model.RawSample, simulated bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "ingest.sample",
		trace.WithAttributes(attribute.String("source", raw.Source)))
	defer span.End()

	start := i.clock.Now()
	frame, err := i.normalizer.Normalize(ctx, raw)
	metrics.RecordNormalizeLatency(float64(i.clock.Since(start).Microseconds()) / 1000)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, i.reject(ctx, raw.Source, err, simulated)
	}

	fp := frame.Fingerprint()
	if i.deduper.SeenAndRecord(ctx, fp) {
		metrics.RecordFrameDuplicate()
		i.mu.Lock()
		i.status.Duplicates++
		i.mu.Unlock()
		return false, nil
	}

	i.mu.Lock()
	stale := !i.lastTimestamp.IsZero() && frame.Timestamp.Before(i.lastTimestamp)
	i.mu.Unlock()
	if stale {
		return false, i.reject(ctx, raw.Source, fmt.Errorf("%w: %s", ErrStaleFrame, frame.Timestamp.Format(time.RFC3339Nano)), simulated)
	}

	events := deriveEvents(i.current.Load(), &frame)
	i.mu.Lock()
	i.lastTimestamp = frame.Timestamp
	i.status.Accepted++
	i.status.ConsecutiveFailures = 0
	i.mu.Unlock()
	accepted := frame.Clone()
	i.current.Store(&accepted)
	metrics.RecordFrameAccepted(raw.Source)
	metrics.UpdateConsecutiveFailures(0)
	for _, ev := range events {
		metrics.RecordRaceEvent(string(ev.Type))
	}

	if err := i.emit(ctx, &frame, events); err != nil {
		i.deduper.Unrecord(ctx, fp)
		return false, err
	}
	return true, nil
}

// reject keeps the last accepted frame and counts the failure. A streamed
// source that keeps failing is abandoned.
func (i *Ingestor) reject(ctx context.Context, name string, err error, simulated bool) error {
	reason := "schema_violation"
	if kind, ok := faults.KindOf(err); ok {
		reason = string(kind)
	} else if errors.Is(err, ErrStaleFrame) {
		reason = "stale"
	}
	metrics.RecordFrameRejected(name, reason)

	i.mu.Lock()
	i.status.Rejected++
	i.status.ConsecutiveFailures++
	i.status.LastError = err.Error()
	n := i.status.ConsecutiveFailures
	i.mu.Unlock()
	metrics.UpdateConsecutiveFailures(n)

	i.log.Debug(ctx, "sample rejected",
		logger.String("source", name),
		logger.String("reason", reason),
		logger.Int("consecutive_failures", n),
		logger.Error(err))

	if !simulated && n >= i.maxFailures {
		return fmt.Errorf("%w: %d", errTooManyFailures, n)
	}
	return nil
}

// emit enqueues one cycle on every sink. frame is nil for an event-only
// cycle.
func (i *Ingestor) emit(ctx context.Context, frame *model.NormalizedFrame, events []model.RaceEvent) error {
	i.emitMu.Lock()
	defer i.emitMu.Unlock()

	i.cycle++
	i.mu.Lock()
	epoch := i.status.Epoch
	i.mu.Unlock()
	for _, s := range i.sinks {
		var msgs []model.Message
		if frame != nil {
			msgs = model.CycleMessages(i.cycle, frame.Clone(), events)
		} else {
			for n, ev := range events {
				msgs = append(msgs, model.EventMessage(i.cycle, ev, n == len(events)-1))
			}
		}
		for _, m := range msgs {
			m.Epoch = epoch
			if err := s.Enqueue(ctx, m); err != nil {
				return fmt.Errorf("enqueue cycle %d: %w", i.cycle, err)
			}
		}
	}
	i.mu.Lock()
	i.status.Cycles = i.cycle
	i.mu.Unlock()
	return nil
}

// fallback moves from a failed streamed source to the simulator and writes
// one fallback audit record for the transition.
func (i *Ingestor) fallback(ctx context.Context, from string, cause error) {
	sim := i.sources.Fallback()

	i.mu.Lock()
	wasStreamed := i.mode == ModeStreamed
	i.setActive(sim, ModeSimulated)
	if wasStreamed {
		i.status.Fallbacks++
	}
	i.mu.Unlock()

	if !wasStreamed {
		return
	}
	metrics.RecordFallback()
	i.supervisor.Audit(ctx, model.AuditFallback, fmt.Sprintf("%s -> %s: %v", from, sim.Name(), cause))
	i.log.Warn(ctx, "falling back to simulated telemetry",
		logger.String("from", from),
		logger.Error(cause))
}

func (i *Ingestor) setConnected(connected bool) {
	i.mu.Lock()
	i.status.Connected = connected
	i.mu.Unlock()
	metrics.UpdateSourceConnected(connected)
}

func (i *Ingestor) recordError(err error) {
	if err == nil {
		return
	}
	i.mu.Lock()
	i.status.LastError = err.Error()
	i.mu.Unlock()
}

// setSourceFault reports the simulator failing, or recovering, once per
// transition.
func (i *Ingestor) setSourceFault(ctx context.Context, err error) {
	i.mu.Lock()
	changed := i.sourceFaulted != (err != nil)
	i.sourceFaulted = err != nil
	i.mu.Unlock()
	if changed {
		i.supervisor.ReportSourceFault(ctx, err)
	}
}
