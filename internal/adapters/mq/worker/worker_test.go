package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/okian/pitwall/internal/adapters/mq/queue"
	"github.com/okian/pitwall/internal/adapters/mq/worker"
	"github.com/okian/pitwall/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// recorder is a Processor that logs what it saw.
type recorder struct {
	mu      sync.Mutex
	seen    []string
	failLap int
}

func (r *recorder) Update(_ context.Context, f model.NormalizedFrame) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f.Lap == r.failLap {
		return r.copyLocked(), errors.New("stale")
	}
	r.seen = append(r.seen, "frame")
	return r.copyLocked(), nil
}

func (r *recorder) ApplyEvent(_ context.Context, ev model.RaceEvent) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, string(ev.Type))
	return r.copyLocked(), nil
}

func (r *recorder) State() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.copyLocked()
}

func (r *recorder) Rebase(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, "rebase")
}

func (r *recorder) failOn(lap int) {
	r.mu.Lock()
	r.failLap = lap
	r.mu.Unlock()
}

func (r *recorder) copyLocked() []string {
	return append([]string(nil), r.seen...)
}

func TestWorker(t *testing.T) {
	ctx := context.Background()

	Convey("Given a worker over a queue", t, func() {
		q := queue.NewInMemoryQueue(queue.WithCapacity(16))
		rec := &recorder{failLap: -1}
		w := worker.New[[]string](q, rec, worker.WithName("field"))
		go w.Run(ctx)

		Convey("When a cycle with a frame and two events is queued", func() {
			events := []model.RaceEvent{{Type: model.EventSafetyCar}, {Type: model.EventRestart}}
			for _, m := range model.CycleMessages(7, model.NormalizedFrame{Lap: 3}, events) {
				So(q.Enqueue(ctx, m), ShouldBeNil)
			}
			res := <-w.Results()

			Convey("Then one result reports the state after the last message", func() {
				So(res.Cycle, ShouldEqual, 7)
				So(res.State, ShouldResemble, []string{"frame", "safety_car", "restart"})
				So(res.Frame, ShouldNotBeNil)
				So(res.Frame.Lap, ShouldEqual, 3)
				So(res.Errs, ShouldBeEmpty)
			})
		})

		Convey("When a frame fails", func() {
			rec.failOn(9)
			So(q.Enqueue(ctx, model.FrameMessage(1, model.NormalizedFrame{Lap: 9}, true)), ShouldBeNil)
			res := <-w.Results()

			Convey("Then the cycle still completes with the error attached", func() {
				So(res.Cycle, ShouldEqual, 1)
				So(res.Errs, ShouldHaveLength, 1)
				So(res.State, ShouldBeEmpty)
			})
		})

		Convey("When an event-only cycle is queued", func() {
			So(q.Enqueue(ctx, model.EventMessage(2, model.RaceEvent{Type: model.EventRestart}, true)), ShouldBeNil)
			res := <-w.Results()

			Convey("Then the result carries no frame", func() {
				So(res.Frame, ShouldBeNil)
				So(res.State, ShouldResemble, []string{"restart"})
			})
		})

		Convey("When the source epoch changes between cycles", func() {
			first := model.FrameMessage(1, model.NormalizedFrame{Lap: 40}, true)
			first.Epoch = 1
			second := model.FrameMessage(2, model.NormalizedFrame{Lap: 41}, true)
			second.Epoch = 1
			third := model.FrameMessage(3, model.NormalizedFrame{Lap: 1}, true)
			third.Epoch = 2
			for _, m := range []model.Message{first, second, third} {
				So(q.Enqueue(ctx, m), ShouldBeNil)
			}
			<-w.Results()
			<-w.Results()
			res := <-w.Results()

			Convey("Then the twin is rebased once per epoch before its first frame", func() {
				So(res.Cycle, ShouldEqual, 3)
				So(res.State, ShouldResemble, []string{"rebase", "frame", "frame", "rebase", "frame"})
			})
		})

		Convey("When the queue is closed after pending cycles", func() {
			for c := uint64(1); c <= 3; c++ {
				So(q.Enqueue(ctx, model.FrameMessage(c, model.NormalizedFrame{Lap: int(c)}, true)), ShouldBeNil)
			}
			So(q.Close(), ShouldBeNil)

			var cycles []uint64
			for res := range w.Results() {
				cycles = append(cycles, res.Cycle)
			}

			Convey("Then the worker drains them in order and stops", func() {
				So(cycles, ShouldResemble, []uint64{1, 2, 3})
				shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
				defer cancel()
				So(w.Shutdown(shutdownCtx), ShouldBeNil)
			})
		})
	})

	Convey("Given a worker whose results nobody reads", t, func() {
		q := queue.NewInMemoryQueue()
		w := worker.New[[]string](q, &recorder{failLap: -1}, worker.WithResultBuffer(0))
		go w.Run(ctx)
		So(q.Enqueue(ctx, model.FrameMessage(1, model.NormalizedFrame{Lap: 1}, true)), ShouldBeNil)

		Convey("When shutdown times out", func() {
			shutdownCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
			defer cancel()
			err := w.Shutdown(shutdownCtx)

			Convey("Then it reports the timeout and the worker exits", func() {
				So(errors.Is(err, context.DeadlineExceeded), ShouldBeTrue)
				select {
				case <-w.Done():
				case <-time.After(time.Second):
					So("worker still running", ShouldBeEmpty)
				}
			})
		})
	})
}
