// Package worker runs one twin over its message queue and reports one result
// per cycle.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
)

// Processor is a twin as seen by its worker.
type Processor[S any] interface {
	Update(ctx context.Context, frame model.NormalizedFrame) (S, error)
	ApplyEvent(ctx context.Context, ev model.RaceEvent) (S, error)
	State() S
	// Rebase tells the twin that the following frames come from a new
	// source whose clock and counters are unrelated to the previous one.
	Rebase(ctx context.Context)
}

// Queue defines how workers receive messages.
type Queue interface {
	Dequeue() <-chan model.Message
}

// Result is a twin's state after the last message of a cycle.
type Result[S any] struct {
	Cycle uint64
	State S
	// Frame is the cycle's frame, nil for event-only cycles.
	Frame *model.NormalizedFrame
	// Errs holds the per-message failures of the cycle. The state is still
	// the twin's latest.
	Errs []error
}

// Worker drains a queue into a Processor.
type Worker[S any] struct {
	name    string
	queue   Queue
	proc    Processor[S]
	results chan Result[S]

	shutdown     chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}

	logger logger.Logger
}

// New creates a worker for proc reading q.
func New[S any](q Queue, proc Processor[S], opts ...Option) *Worker[S] {
	cfg := options{name: "worker", logger: logger.Nop(), buffer: 16}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker[S]{
		name:     cfg.name,
		queue:    q,
		proc:     proc,
		results:  make(chan Result[S], cfg.buffer),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   cfg.logger,
	}
}

// Name returns the worker name.
func (w *Worker[S]) Name() string { return w.name }

// Results delivers one Result per completed cycle. It is closed when Run
// returns.
func (w *Worker[S]) Results() <-chan Result[S] { return w.results }

// Done is closed when Run returns.
func (w *Worker[S]) Done() <-chan struct{} { return w.done }

// Run processes messages in order until the queue is closed and drained, ctx
// is canceled or Shutdown gives up waiting.
func (w *Worker[S]) Run(ctx context.Context) {
	defer close(w.done)
	defer close(w.results)

	var (
		cycle uint64
		epoch uint64
		frame *model.NormalizedFrame
		errs  []error
	)
	msgs := w.queue.Dequeue()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if m.Epoch != epoch {
				w.proc.Rebase(ctx)
				epoch = m.Epoch
				w.logger.Debug(ctx, "source epoch changed", logger.Uint64("epoch", epoch))
			}
			if m.Cycle != cycle {
				cycle, frame, errs = m.Cycle, nil, nil
			}
			if m.Kind == model.MessageFrame {
				f := m.Frame
				frame = &f
			}
			if err := w.process(ctx, m); err != nil {
				errs = append(errs, err)
			}
			if !m.Last {
				continue
			}
			res := Result[S]{Cycle: cycle, State: w.proc.State(), Frame: frame, Errs: errs}
			select {
			case w.results <- res:
			case <-ctx.Done():
				return
			case <-w.shutdown:
				return
			}
			cycle, frame, errs = 0, nil, nil
		}
	}
}

func (w *Worker[S]) process(ctx context.Context, m model.Message) error { //nolint:gocritic // hugeParam: Message is passed by value for channel semantics
	start := time.Now()
	var err error
	switch m.Kind {
	case model.MessageFrame:
		_, err = w.proc.Update(ctx, m.Frame)
	case model.MessageEvent:
		_, err = w.proc.ApplyEvent(ctx, m.Event)
	default:
		err = fmt.Errorf("%w: %d", ErrUnknownMessage, m.Kind)
	}
	if err != nil {
		metrics.RecordTwinUpdateError(w.name)
		w.logger.Warn(ctx, "message not applied",
			logger.Uint64("cycle", m.Cycle),
			logger.String("kind", m.Kind.String()),
			logger.Duration("elapsed", time.Since(start)),
			logger.Error(err))
		return fmt.Errorf("cycle %d %s: %w", m.Cycle, m.Kind, err)
	}
	return nil
}

// Shutdown waits for Run to drain its closed queue. If ctx expires first the
// worker is stopped without draining.
func (w *Worker[S]) Shutdown(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.shutdownOnce.Do(func() { close(w.shutdown) })
		w.logger.Warn(ctx, "shutdown timed out before the queue drained")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}
