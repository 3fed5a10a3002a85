package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okian/pitwall/internal/adapters/source"
	"github.com/okian/pitwall/internal/app/ingest"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

var raceStart = time.Date(2026, 5, 24, 13, 0, 0, 0, time.UTC)

func payload(lap int, status string) []byte {
	ts := raceStart.Add(time.Duration(lap) * 90 * time.Second).Format(time.RFC3339)
	return fmt.Appendf(nil, `{"timestamp":%q,"lap":%d,"session_type":"race",`+
		`"track":{"temperature":30,"weather":"sunny","status":%q},`+
		`"cars":[{"id":"44","position":1,"speed":290,"tire":{"compound":"soft","age":%d,"wear":0.1},"fuel_level":0.8,"lap_time":91.5}]}`,
		ts, lap, status, lap)
}

// scripted replays payloads, then blocks until its context ends.
type scripted struct {
	name     string
	payloads [][]byte
	openErr  error
	opens    atomic.Int32
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Open(ctx context.Context) (source.Stream, error) {
	s.opens.Add(1)
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &scriptedStream{name: s.name, payloads: s.payloads}, nil
}

type scriptedStream struct {
	name     string
	payloads [][]byte
	next     int
}

func (s *scriptedStream) Next(ctx context.Context) (model.RawSample, error) {
	if s.next < len(s.payloads) {
		p := s.payloads[s.next]
		s.next++
		return model.RawSample{Source: s.name, Payload: p, ReceivedAt: time.Now()}, nil
	}
	<-ctx.Done()
	return model.RawSample{}, ctx.Err()
}

func (s *scriptedStream) Close() error { return nil }

type fakeSources struct {
	streamed map[string]source.Source
	sim      source.Source
}

func (f *fakeSources) New(cfg config.Source) (source.Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == config.SourceSimulated {
		return f.sim, nil
	}
	src, ok := f.streamed[cfg.Protocol]
	if !ok {
		return nil, source.ErrUnsupportedProtocol
	}
	return src, nil
}

func (f *fakeSources) Fallback() source.Source { return f.sim }

type supervisor struct {
	mu     sync.Mutex
	audits []model.AuditCause
	faults []error
}

func (s *supervisor) Audit(_ context.Context, cause model.AuditCause, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, cause)
}

func (s *supervisor) ReportSourceFault(_ context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, err)
}

func (s *supervisor) count(cause model.AuditCause) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.audits {
		if c == cause {
			n++
		}
	}
	return n
}

func (s *supervisor) faultReports() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.faults...)
}

type sink struct {
	mu   sync.Mutex
	msgs []model.Message
}

func (s *sink) Enqueue(_ context.Context, m model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *sink) messages() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.msgs...)
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

var udpConfig = config.Source{Kind: config.SourceStreamed, Protocol: config.ProtocolUDP, Address: ":0"}

type fixture struct {
	ing     *ingest.Ingestor
	sup     *supervisor
	car     *sink
	field   *sink
	feed    *scripted
	sim     *scripted
	sources *fakeSources
}

func newFixture(initial config.Source, feed, sim *scripted, opts ...ingest.Option) *fixture {
	f := &fixture{
		sup:   &supervisor{},
		car:   &sink{},
		field: &sink{},
		feed:  feed,
		sim:   sim,
	}
	f.sources = &fakeSources{streamed: map[string]source.Source{config.ProtocolUDP: feed}, sim: sim}
	opts = append([]ingest.Option{ingest.WithBackoff(time.Millisecond, 4*time.Millisecond)}, opts...)
	f.ing = ingest.New(initial, f.sources, f.sup, []ingest.Sink{f.car, f.field}, opts...)
	return f
}

func TestIngestion(t *testing.T) {
	Convey("Given a streamed feed with a safety-car period", t, func() {
		feed := &scripted{name: "udp", payloads: [][]byte{
			payload(1, "green"),
			payload(2, "safety_car"),
			payload(3, "green"),
		}}
		f := newFixture(udpConfig, feed, &scripted{name: "simulated"})
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		So(f.ing.Start(ctx), ShouldBeNil)
		defer f.ing.Stop(context.Background())

		So(eventually(func() bool { return f.ing.Status().Accepted == 3 }), ShouldBeTrue)

		Convey("Then both twins receive the same ordered cycles", func() {
			So(eventually(func() bool { return len(f.field.messages()) == 5 }), ShouldBeTrue)
			car, field := f.car.messages(), f.field.messages()
			So(len(car), ShouldEqual, 5)
			for n := range car {
				So(car[n].Cycle, ShouldEqual, field[n].Cycle)
				So(car[n].Kind, ShouldEqual, field[n].Kind)
			}

			So(car[0].Cycle, ShouldEqual, 1)
			So(car[0].Last, ShouldBeTrue)

			So(car[1].Kind, ShouldEqual, model.MessageFrame)
			So(car[1].Last, ShouldBeFalse)
			So(car[2].Kind, ShouldEqual, model.MessageEvent)
			So(car[2].Event.Type, ShouldEqual, model.EventSafetyCar)
			So(car[2].Event.Lap, ShouldEqual, 2)
			So(car[2].Last, ShouldBeTrue)

			So(car[4].Event.Type, ShouldEqual, model.EventRestart)
			So(car[4].Cycle, ShouldEqual, 3)
		})

		Convey("Then the current frame is the latest accepted one", func() {
			cur, ok := f.ing.CurrentFrame()
			So(ok, ShouldBeTrue)
			So(cur.Lap, ShouldEqual, 3)
			st := f.ing.Status()
			So(st.Mode, ShouldEqual, ingest.ModeStreamed)
			So(st.Source, ShouldEqual, "udp")
			So(st.Connected, ShouldBeTrue)
			So(st.Cycles, ShouldEqual, 3)
		})
	})

	Convey("Given duplicate, stale and malformed samples", t, func() {
		feed := &scripted{name: "udp", payloads: [][]byte{
			payload(5, "green"),
			payload(5, "green"),
			payload(4, "green"),
			[]byte(`{"lap":`),
		}}
		f := newFixture(udpConfig, feed, &scripted{name: "simulated"}, ingest.WithMaxFailures(10))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		So(f.ing.Start(ctx), ShouldBeNil)
		defer f.ing.Stop(context.Background())

		So(eventually(func() bool { return f.ing.Status().Rejected == 2 }), ShouldBeTrue)

		Convey("Then only the first frame is broadcast and failures are counted", func() {
			st := f.ing.Status()
			So(st.Accepted, ShouldEqual, 1)
			So(st.Duplicates, ShouldEqual, 1)
			So(st.ConsecutiveFailures, ShouldEqual, 2)
			So(st.LastError, ShouldNotBeEmpty)
			So(len(f.car.messages()), ShouldEqual, 1)

			cur, _ := f.ing.CurrentFrame()
			So(cur.Lap, ShouldEqual, 5)
		})
	})
}

func TestFallback(t *testing.T) {
	Convey("Given a streamed feed that only sends garbage", t, func() {
		feed := &scripted{name: "udp", payloads: [][]byte{[]byte("x"), []byte("y"), []byte("z"), []byte("w")}}
		sim := &scripted{name: "simulated", payloads: [][]byte{payload(1, "green")}}
		f := newFixture(udpConfig, feed, sim, ingest.WithMaxFailures(3))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		So(f.ing.Start(ctx), ShouldBeNil)
		defer f.ing.Stop(context.Background())

		Convey("Then after max_failures it switches to the simulator exactly once", func() {
			So(eventually(func() bool { return f.ing.Status().Accepted == 1 }), ShouldBeTrue)
			st := f.ing.Status()
			So(st.Mode, ShouldEqual, ingest.ModeSimulated)
			So(st.Source, ShouldEqual, "simulated")
			So(st.Fallbacks, ShouldEqual, 1)
			So(st.Rejected, ShouldEqual, 3)
			So(st.ConsecutiveFailures, ShouldEqual, 0)
			So(f.sup.count(model.AuditFallback), ShouldEqual, 1)
		})
	})

	Convey("Given a streamed source that never connects", t, func() {
		feed := &scripted{name: "udp", openErr: errors.New("connection refused")}
		sim := &scripted{name: "simulated", payloads: [][]byte{payload(1, "green")}}
		f := newFixture(udpConfig, feed, sim, ingest.WithMaxReconnectAttempts(2))
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		So(f.ing.Start(ctx), ShouldBeNil)
		defer f.ing.Stop(context.Background())

		Convey("Then it retries with backoff, then falls back", func() {
			So(eventually(func() bool { return f.ing.Status().Mode == ingest.ModeSimulated }), ShouldBeTrue)
			So(feed.opens.Load(), ShouldEqual, 3)
			So(eventually(func() bool { return f.ing.Status().Accepted == 1 }), ShouldBeTrue)
			So(f.sup.count(model.AuditFallback), ShouldEqual, 1)
		})
	})

	Convey("Given a simulator that cannot start", t, func() {
		sim := &scripted{name: "simulated", openErr: errors.New("broken")}
		f := newFixture(config.Source{Kind: config.SourceSimulated}, &scripted{name: "udp"}, sim)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		So(f.ing.Start(ctx), ShouldBeNil)
		defer f.ing.Stop(context.Background())

		Convey("Then the fault is reported once and no fallback is audited", func() {
			So(eventually(func() bool { return sim.opens.Load() >= 3 }), ShouldBeTrue)
			reports := f.sup.faultReports()
			So(len(reports), ShouldEqual, 1)
			So(reports[0], ShouldNotBeNil)
			So(f.sup.count(model.AuditFallback), ShouldEqual, 0)
		})
	})
}

func TestSwitchSource(t *testing.T) {
	Convey("Given an ingestor running the simulator", t, func() {
		feed := &scripted{name: "udp", payloads: [][]byte{payload(7, "green")}}
		sim := &scripted{name: "simulated", payloads: [][]byte{payload(30, "green")}}
		f := newFixture(config.Source{Kind: config.SourceSimulated}, feed, sim)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		So(f.ing.Start(ctx), ShouldBeNil)
		defer f.ing.Stop(context.Background())
		So(eventually(func() bool { return f.ing.Status().Accepted == 1 }), ShouldBeTrue)

		Convey("When switching to a streamed source", func() {
			So(f.ing.SwitchSource(ctx, config.SourceStreamed, udpConfig), ShouldBeNil)

			Convey("Then the new source feeds the twins and the switch is audited", func() {
				So(eventually(func() bool { return f.ing.Status().Accepted == 2 }), ShouldBeTrue)
				st := f.ing.Status()
				So(st.Mode, ShouldEqual, ingest.ModeStreamed)
				So(st.Source, ShouldEqual, "udp")
				So(f.sup.count(model.AuditSourceSwitch), ShouldEqual, 1)
				cur, _ := f.ing.CurrentFrame()
				So(cur.Lap, ShouldEqual, 7)
			})

			Convey("Then frames of the new source carry a new epoch on every queue", func() {
				So(eventually(func() bool { return len(f.field.messages()) == 2 }), ShouldBeTrue)
				So(f.ing.Status().Epoch, ShouldEqual, 2)
				for _, msgs := range [][]model.Message{f.car.messages(), f.field.messages()} {
					So(msgs, ShouldHaveLength, 2)
					So(msgs[0].Frame.Lap, ShouldEqual, 30)
					So(msgs[0].Epoch, ShouldEqual, 1)
					So(msgs[1].Frame.Lap, ShouldEqual, 7)
					So(msgs[1].Epoch, ShouldEqual, 2)
				}
			})
		})

		Convey("When the requested source is invalid", func() {
			err := f.ing.SwitchSource(ctx, config.SourceStreamed, config.Source{Protocol: config.ProtocolKafka})
			So(errors.Is(err, config.ErrInvalidConfig), ShouldBeTrue)

			Convey("Then nothing changes", func() {
				So(f.ing.Status().Source, ShouldEqual, "simulated")
				So(f.sup.count(model.AuditSourceSwitch), ShouldEqual, 0)
			})
		})
	})
}

func TestInjectEvent(t *testing.T) {
	Convey("Given an idle ingestor", t, func() {
		f := newFixture(udpConfig, &scripted{name: "udp"}, &scripted{name: "simulated"})
		ctx := context.Background()

		Convey("Unknown or incomplete events are refused", func() {
			So(errors.Is(f.ing.InjectEvent(ctx, model.RaceEvent{Type: "meteor"}), ingest.ErrInvalidEvent), ShouldBeTrue)
			So(errors.Is(f.ing.InjectEvent(ctx, model.RaceEvent{Type: model.EventPitDetected}), ingest.ErrInvalidEvent), ShouldBeTrue)
			So(f.car.messages(), ShouldBeEmpty)
		})

		Convey("A valid event forms its own cycle on every queue", func() {
			So(f.ing.InjectEvent(ctx, model.RaceEvent{Type: model.EventPitDetected, CarID: "16", Lap: 12}), ShouldBeNil)
			for _, s := range []*sink{f.car, f.field} {
				msgs := s.messages()
				So(len(msgs), ShouldEqual, 1)
				So(msgs[0].Kind, ShouldEqual, model.MessageEvent)
				So(msgs[0].Last, ShouldBeTrue)
				So(msgs[0].Cycle, ShouldEqual, 1)
				So(msgs[0].Event.CarID, ShouldEqual, "16")
				So(msgs[0].Event.Timestamp.IsZero(), ShouldBeFalse)
			}
		})
	})
}

func TestLifecycle(t *testing.T) {
	Convey("Start twice fails and Stop is idempotent", t, func() {
		f := newFixture(udpConfig, &scripted{name: "udp"}, &scripted{name: "simulated"})
		ctx := context.Background()
		So(f.ing.Start(ctx), ShouldBeNil)
		So(errors.Is(f.ing.Start(ctx), ingest.ErrAlreadyStarted), ShouldBeTrue)
		So(f.ing.Stop(ctx), ShouldBeNil)
		So(f.ing.Stop(ctx), ShouldBeNil)
		So(f.ing.Status().Connected, ShouldBeFalse)
	})

	Convey("An invalid initial source fails Start", t, func() {
		f := newFixture(config.Source{Kind: "pigeon"}, &scripted{name: "udp"}, &scripted{name: "simulated"})
		So(errors.Is(f.ing.Start(context.Background()), config.ErrInvalidConfig), ShouldBeTrue)
	})
}
