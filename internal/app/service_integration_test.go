package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/adapters/source"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func pushed(lap int, ts time.Time) []byte {
	return fmt.Appendf(nil, `{"timestamp":%q,"lap":%d,"track":{"temperature":31,"weather":"cloudy","status":"green"},"cars":[`+
		`{"id":"44","position":1,"speed":300,"tire":{"compound":"medium","age":4,"wear":0.12},"fuel_level":0.7,"lap_time":91.2},`+
		`{"id":"16","position":2,"speed":299,"tire":{"compound":"medium","age":4,"wear":0.13},"fuel_level":0.7,"lap_time":91.4}]}`,
		ts.Format(time.RFC3339Nano), lap)
}

func TestServiceIntegration(t *testing.T) {
	Convey("Given a service that ran and stopped", t, func() {
		dir := t.TempDir()
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()

		first, _ := newService(dir)
		So(first.Start(ctx), ShouldBeNil)
		So(eventually(func() bool { return first.Snapshot().Sequence >= 15 }), ShouldBeTrue)
		So(first.Stop(ctx), ShouldBeNil)
		stopped := first.Snapshot()

		store, err := repository.NewGenerationStore(dir)
		So(err, ShouldBeNil)
		gens, err := store.List(ctx)
		So(err, ShouldBeNil)
		So(len(gens), ShouldBeGreaterThan, 0)
		So(gens[0].Sequence, ShouldEqual, stopped.Sequence)

		Convey("When a new service starts over the same state directory", func() {
			second, audit := newService(dir)
			So(second.Start(ctx), ShouldBeNil)
			defer second.Stop(ctx)

			Convey("Then it resumes from the persisted sequence", func() {
				So(second.Snapshot().Sequence, ShouldBeGreaterThanOrEqualTo, stopped.Sequence)
				So(len(audit.ByCause(model.AuditRecovery)), ShouldEqual, 1)
				So(eventually(func() bool { return second.Snapshot().Sequence > stopped.Sequence }), ShouldBeTrue)
			})
		})
	})

	Convey("Given a running service", t, func() {
		svc, audit := newService(t.TempDir())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)
		So(eventually(func() bool { return svc.Snapshot().Sequence >= 2 }), ShouldBeTrue)

		Convey("When telemetry is pushed over http on a clock behind the simulator", func() {
			So(svc.SwitchSource(ctx, config.Source{Kind: config.SourceStreamed, Protocol: config.ProtocolHTTP}), ShouldBeNil)
			So(eventually(func() bool { return svc.Status().Ingest.Source == "http" }), ShouldBeTrue)

			base := time.Now().UTC().Add(-time.Hour)
			for lap := 40; lap <= 42; lap++ {
				ts := base.Add(time.Duration(lap) * time.Second)
				So(eventually(func() bool { return svc.PushTelemetry(ctx, pushed(lap, ts)) == nil }), ShouldBeTrue)
			}

			Convey("Then both twins follow the pushed frames", func() {
				So(eventually(func() bool {
					s := svc.Snapshot()
					return s.Car.Lap == 42 && s.Field.Lap == 42
				}), ShouldBeTrue)
				s := svc.Snapshot()
				So(s.Health, ShouldEqual, model.HealthOK)
				So(s.Car.Current.TireAge, ShouldEqual, 4)
				p, err := svc.Competitor("16")
				So(err, ShouldBeNil)
				So(p.Position, ShouldEqual, 2)
				for _, stop := range p.PitStops {
					So(stop.Lap, ShouldBeLessThan, 40)
				}
			})

			Convey("Then the pushed frame becomes current and the switch is audited", func() {
				So(eventually(func() bool {
					f, ok := svc.CurrentFrame()
					return ok && f.Lap == 42
				}), ShouldBeTrue)
				So(len(audit.ByCause(model.AuditSourceSwitch)), ShouldEqual, 1)
				So(svc.Status().Ingest.Mode, ShouldEqual, config.SourceStreamed)
				So(svc.Status().Ingest.Epoch, ShouldEqual, 2)
			})
		})

		Convey("When a safety car is reported", func() {
			So(svc.InjectEvent(ctx, model.RaceEvent{Type: model.EventSafetyCar}), ShouldBeNil)

			Convey("Then the field twin records it and offers the opportunity", func() {
				So(eventually(func() bool {
					for _, ev := range svc.Snapshot().Field.Events {
						if ev.Type == model.EventSafetyCar {
							return true
						}
					}
					return false
				}), ShouldBeTrue)
			})
		})

		Convey("When pushing while another source is active", func() {
			err := svc.PushTelemetry(ctx, pushed(1, time.Now()))

			Convey("Then the push is refused", func() {
				So(err, ShouldEqual, source.ErrClosed)
			})
		})
	})
}

func TestServiceConcurrency(t *testing.T) {
	Convey("Given readers polling a running service", t, func() {
		svc, _ := newService(t.TempDir())
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		var wg sync.WaitGroup
		var mu sync.Mutex
		var torn []uint64
		for range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				var last uint64
				for range 200 {
					s := svc.Snapshot()
					if s.Sequence < last {
						mu.Lock()
						torn = append(torn, s.Sequence)
						mu.Unlock()
					}
					last = s.Sequence
					_ = svc.Status()
					time.Sleep(time.Millisecond)
				}
			}()
		}
		wg.Wait()

		Convey("Then every reader sees a non-decreasing sequence", func() {
			So(torn, ShouldBeEmpty)
		})
	})
}
