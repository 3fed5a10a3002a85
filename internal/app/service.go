// Package service wires the telemetry pipeline: ingestor, twin workers,
// merger and state coordinator. It implements the dependencies of the HTTP
// API.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	eventqueue "github.com/okian/pitwall/internal/adapters/mq/queue"
	workerpool "github.com/okian/pitwall/internal/adapters/mq/worker"
	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/adapters/source"
	"github.com/okian/pitwall/internal/app/coordinator"
	"github.com/okian/pitwall/internal/app/ingest"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/domain/cartwin"
	"github.com/okian/pitwall/internal/domain/dedupe"
	"github.com/okian/pitwall/internal/domain/fieldtwin"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/domain/normalize"
	"github.com/okian/pitwall/internal/timeutil"
	"github.com/okian/pitwall/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// Sentinel errors of the service.
var (
	ErrAlreadyStarted = errors.New("service already started")
	ErrUnknownCar     = errors.New("unknown competitor")
)

// carAdapter adapts the car twin to the worker contract. Race events do not
// change the car model, so applying one reports the current state.
type carAdapter struct {
	*cartwin.Twin
}

func (a carAdapter) ApplyEvent(context.Context, model.RaceEvent) (model.CarTwinState, error) {
	return a.State(), nil
}

// Status is the operational summary served on /status.
type Status struct {
	RunID     string             `json:"run_id"`
	StartedAt time.Time          `json:"started_at"`
	Running   bool               `json:"running"`
	Ingest    ingest.Status      `json:"ingest"`
	State     coordinator.Status `json:"state"`
	Queues    map[string]int     `json:"queues"`
}

// Service owns the pipeline.
type Service struct {
	mu sync.Mutex

	cfg   *config.Config
	store repository.SnapshotStore
	audit repository.AuditLog
	runID string

	// Core components
	car      *cartwin.Twin
	field    *fieldtwin.Twin
	carQ     *eventqueue.InMemoryQueue
	fieldQ   *eventqueue.InMemoryQueue
	carW     *workerpool.Worker[model.CarTwinState]
	fieldW   *workerpool.Worker[model.FieldTwinState]
	coord    *coordinator.Coordinator
	ingestor *ingest.Ingestor
	push     *source.Push

	// State
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	group     *errgroup.Group

	clock    timeutil.Clock
	openPort source.PortOpener
	logger   logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the wall clock of every component.
func WithClock(c timeutil.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSerialOpener overrides how serial devices are opened.
func WithSerialOpener(open source.PortOpener) Option {
	return func(s *Service) {
		s.openPort = open
	}
}

// New builds the pipeline from cfg over the given stores. Nothing runs until
// Start.
func New(cfg *config.Config, store repository.SnapshotStore, audit repository.AuditLog, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		store:  store,
		audit:  audit,
		runID:  uuid.NewString(),
		clock:  timeutil.RealClock{},
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.car = cartwin.New(cfg.Race.CarID, cfg.Race.Laps,
		cartwin.WithHistorySize(cfg.CarTwin.HistorySize),
		cartwin.WithFuelWindow(cfg.CarTwin.FuelWindow),
		cartwin.WithSafetyMargin(cfg.CarTwin.SafetyMargin),
		cartwin.WithBaseline(cfg.CarTwin.BaselineLaps, cfg.CarTwin.BaselineWindow),
		cartwin.WithMeasuredWeight(cfg.CarTwin.MeasuredWeight),
		cartwin.WithDefaultRates(cfg.CarTwin.DefaultDegradation, cfg.CarTwin.DefaultConsumption),
		cartwin.WithBudget(cfg.CarTwin.UpdateBudget),
		cartwin.WithLogger(s.logger.Named("cartwin")),
		cartwin.WithClock(s.clock),
	)
	s.field = fieldtwin.New(cfg.Race.CarID, cfg.Race.Laps,
		fieldtwin.WithWindows(cfg.FieldTwin.LapWindow, cfg.FieldTwin.PositionWindow),
		fieldtwin.WithUndercut(cfg.FieldTwin.UndercutThreshold, cfg.FieldTwin.UndercutFrames),
		fieldtwin.WithMaxOpportunities(cfg.FieldTwin.MaxOpportunities),
		fieldtwin.WithEventHistory(cfg.FieldTwin.EventHistory),
		fieldtwin.WithBudget(cfg.FieldTwin.UpdateBudget),
		fieldtwin.WithLogger(s.logger.Named("fieldtwin")),
		fieldtwin.WithClock(s.clock),
	)

	s.carQ = eventqueue.NewInMemoryQueue(eventqueue.WithName("car"), eventqueue.WithCapacity(cfg.QueueSize))
	s.fieldQ = eventqueue.NewInMemoryQueue(eventqueue.WithName("field"), eventqueue.WithCapacity(cfg.QueueSize))
	s.carW = workerpool.New[model.CarTwinState](s.carQ, carAdapter{s.car},
		workerpool.WithName("cartwin"), workerpool.WithLogger(s.logger.Named("worker.cartwin")))
	s.fieldW = workerpool.New[model.FieldTwinState](s.fieldQ, s.field,
		workerpool.WithName("fieldtwin"), workerpool.WithLogger(s.logger.Named("worker.fieldtwin")))

	s.coord = coordinator.New(store, audit,
		coordinator.WithPersistInterval(cfg.State.PersistInterval),
		coordinator.WithMaxPersistFailures(cfg.State.MaxPersistFailures),
		coordinator.WithLapTolerance(cfg.State.LapTolerance),
		coordinator.WithStrictConsistency(cfg.State.StrictConsistency),
		coordinator.WithLogger(s.logger.Named("coordinator")),
		coordinator.WithClock(s.clock),
	)

	s.push = source.NewPush(cfg.QueueSize)
	factory := source.Factory{
		Simulator: cfg.Telemetry.Simulator,
		Push:      s.push,
		Clock:     s.clock,
		OpenPort:  s.openPort,
	}
	s.ingestor = ingest.New(cfg.Telemetry.Source, factory, s.coord,
		[]ingest.Sink{s.carQ, s.fieldQ},
		ingest.WithMaxFailures(cfg.Telemetry.MaxFailures),
		ingest.WithMaxReconnectAttempts(cfg.Telemetry.MaxReconnectAttempts),
		ingest.WithBackoff(cfg.Telemetry.InitialBackoff, cfg.Telemetry.MaxBackoff),
		ingest.WithNormalizer(normalize.New(
			normalize.WithBudget(cfg.Telemetry.NormalizeBudget),
			normalize.WithClock(s.clock),
		)),
		ingest.WithDeduper(dedupe.NewWindow(dedupe.WithMaxSize(cfg.DedupeSize))),
		ingest.WithLogger(s.logger.Named("ingest")),
		ingest.WithClock(s.clock),
	)
	return s
}

// Start recovers persisted state, seeds the twins from it and starts the
// pipeline.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	s.logger.Info(ctx, "starting pitwall service...", logger.String("run_id", s.runID))

	snap, err := s.coord.Recover(ctx)
	switch {
	case err == nil:
		s.car.Restore(snap.Car)
		s.field.Restore(snap.Field)
		s.logger.Info(ctx, "twins restored", logger.Uint64("sequence", snap.Sequence))
	case errors.Is(err, coordinator.ErrNothingToRecover):
	default:
		s.logger.Warn(ctx, "recovery failed, starting cold", logger.Error(err))
	}

	// The pipeline outlives the caller's context; Stop ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.coord.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start coordinator: %w", err)
	}

	g := &errgroup.Group{}
	g.Go(func() error { s.carW.Run(runCtx); return nil })
	g.Go(func() error { s.fieldW.Run(runCtx); return nil })
	g.Go(func() error { return s.merge(runCtx) })

	if err := s.ingestor.Start(runCtx); err != nil {
		cancel()
		_ = g.Wait()
		_ = s.coord.Stop(ctx)
		return fmt.Errorf("start ingestor: %w", err)
	}

	s.cancel, s.group = cancel, g
	s.started = true
	s.startedAt = s.clock.Now().UTC()
	s.logger.Info(ctx, "pitwall service started",
		logger.String("source", s.cfg.Telemetry.Source.Kind),
		logger.String("car", s.cfg.Race.CarID),
		logger.Int("queueSize", s.cfg.QueueSize),
	)
	return nil
}

// Stop drains the pipeline in order: sources, queues, workers, merger, then
// a final persist.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.logger.Info(ctx, "stopping pitwall service...")

	var errs []error
	if err := s.ingestor.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	_ = s.carQ.Close()
	_ = s.fieldQ.Close()
	if err := s.carW.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("car worker: %w", err))
	}
	if err := s.fieldW.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("field worker: %w", err))
	}

	merged := make(chan error, 1)
	go func() { merged <- s.group.Wait() }()
	select {
	case err := <-merged:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("merger did not drain: %w", ctx.Err()))
	}
	s.cancel()

	if err := s.coord.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	s.started = false
	s.logger.Info(ctx, "pitwall service stopped")
	return errors.Join(errs...)
}

// merge joins the two workers' results by cycle and commits each complete
// cycle. Both workers see cycles in the same order, so an unmatched result
// older than a committed cycle can never complete and is dropped.
func (s *Service) merge(ctx context.Context) error {
	carRes, fieldRes := s.carW.Results(), s.fieldW.Results()
	cars := make(map[uint64]workerpool.Result[model.CarTwinState])
	fields := make(map[uint64]workerpool.Result[model.FieldTwinState])

	for carRes != nil || fieldRes != nil {
		select {
		case r, ok := <-carRes:
			if !ok {
				carRes = nil
				continue
			}
			if f, found := fields[r.Cycle]; found {
				delete(fields, r.Cycle)
				s.commit(ctx, r, f)
				s.prune(ctx, r.Cycle, cars, fields)
				continue
			}
			cars[r.Cycle] = r
		case f, ok := <-fieldRes:
			if !ok {
				fieldRes = nil
				continue
			}
			if r, found := cars[f.Cycle]; found {
				delete(cars, f.Cycle)
				s.commit(ctx, r, f)
				s.prune(ctx, f.Cycle, cars, fields)
				continue
			}
			fields[f.Cycle] = f
		}
	}
	if n := len(cars) + len(fields); n > 0 {
		s.logger.Warn(ctx, "incomplete cycles dropped at shutdown", logger.Int("count", n))
	}
	return nil
}

func (s *Service) prune(ctx context.Context, cycle uint64,
	cars map[uint64]workerpool.Result[model.CarTwinState],
	fields map[uint64]workerpool.Result[model.FieldTwinState],
) {
	for c := range cars {
		if c < cycle {
			delete(cars, c)
			s.logger.Warn(ctx, "dropping unmatched car result", logger.Uint64("cycle", c))
		}
	}
	for c := range fields {
		if c < cycle {
			delete(fields, c)
			s.logger.Warn(ctx, "dropping unmatched field result", logger.Uint64("cycle", c))
		}
	}
}

func (s *Service) commit(ctx context.Context, car workerpool.Result[model.CarTwinState], field workerpool.Result[model.FieldTwinState]) {
	for _, err := range append(car.Errs, field.Errs...) {
		s.logger.Debug(ctx, "cycle applied with errors",
			logger.Uint64("cycle", car.Cycle),
			logger.Error(err))
	}
	frame := car.Frame
	if frame == nil {
		frame = field.Frame
	}
	if _, err := s.coord.Commit(ctx, car.State, field.State, frame); err != nil {
		s.logger.Warn(ctx, "cycle not committed",
			logger.Uint64("cycle", car.Cycle),
			logger.Error(err))
	}
}

// Snapshot returns a deep copy of the current system snapshot.
func (s *Service) Snapshot() model.SystemSnapshot {
	return s.coord.ReadSnapshot()
}

// Competitor returns one competitor profile from the current snapshot.
func (s *Service) Competitor(id string) (model.CompetitorProfile, error) {
	snap := s.coord.ReadSnapshot()
	p, ok := snap.Field.Competitor(id)
	if !ok {
		return model.CompetitorProfile{}, fmt.Errorf("%w: %s", ErrUnknownCar, id)
	}
	return p, nil
}

// CurrentFrame returns the last frame accepted by the ingestor.
func (s *Service) CurrentFrame() (model.NormalizedFrame, bool) {
	return s.ingestor.CurrentFrame()
}

// RecentAudit returns the newest n audit records.
func (s *Service) RecentAudit(ctx context.Context, n int) ([]model.AuditRecord, error) {
	return s.audit.Recent(ctx, n)
}

// QueryAudit returns the audit records matching f, newest first.
func (s *Service) QueryAudit(ctx context.Context, f repository.AuditFilter) ([]model.AuditRecord, error) {
	return s.audit.Query(ctx, f)
}

// PushTelemetry hands a payload to the http push source.
func (s *Service) PushTelemetry(ctx context.Context, payload []byte) error {
	return s.push.Deliver(ctx, payload)
}

// InjectEvent publishes an externally reported race event.
func (s *Service) InjectEvent(ctx context.Context, ev model.RaceEvent) error {
	return s.ingestor.InjectEvent(ctx, ev)
}

// SwitchSource changes the telemetry source at runtime.
func (s *Service) SwitchSource(ctx context.Context, cfg config.Source) error {
	return s.ingestor.SwitchSource(ctx, cfg.Kind, cfg)
}

// Persist forces a generation write.
func (s *Service) Persist(ctx context.Context) error {
	return s.coord.Persist(ctx)
}

// Status returns service statistics for monitoring.
func (s *Service) Status() Status {
	s.mu.Lock()
	running, startedAt := s.started, s.startedAt
	s.mu.Unlock()
	return Status{
		RunID:     s.runID,
		StartedAt: startedAt,
		Running:   running,
		Ingest:    s.ingestor.Status(),
		State:     s.coord.Status(),
		Queues: map[string]int{
			s.carQ.Name():   s.carQ.Len(),
			s.fieldQ.Name(): s.fieldQ.Len(),
		},
	}
}
