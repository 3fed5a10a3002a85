package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/pitwall/internal/adapters/repository"
	service "github.com/okian/pitwall/internal/app"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func testConfig(dir string) *config.Config {
	cfg := config.New()
	cfg.Race.Laps = 500
	cfg.QueueSize = 64
	cfg.State.Dir = dir
	cfg.State.PersistInterval = 20 * time.Millisecond
	cfg.Telemetry.Simulator.Interval = 5 * time.Millisecond
	cfg.Telemetry.Simulator.LapEvery = 1
	cfg.Telemetry.InitialBackoff = time.Millisecond
	cfg.Telemetry.MaxBackoff = 5 * time.Millisecond
	return cfg
}

func newService(dir string) (*service.Service, *repository.MemoryAudit) {
	store, err := repository.NewGenerationStore(dir, repository.WithGenerations(3))
	So(err, ShouldBeNil)
	audit := repository.NewMemoryAudit(0)
	return service.New(testConfig(dir), store, audit, service.WithLogger(logger.Get())), audit
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestService_Lifecycle(t *testing.T) {
	Convey("Given a service on the simulated source", t, func() {
		svc, _ := newService(t.TempDir())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		Convey("When it starts", func() {
			So(svc.Start(ctx), ShouldBeNil)
			defer svc.Stop(ctx)

			Convey("Then starting again fails", func() {
				So(errors.Is(svc.Start(ctx), service.ErrAlreadyStarted), ShouldBeTrue)
			})

			Convey("Then the status reports a running simulated pipeline", func() {
				st := svc.Status()
				So(st.Running, ShouldBeTrue)
				So(st.RunID, ShouldNotBeEmpty)
				So(st.Ingest.Mode, ShouldEqual, config.SourceSimulated)
				So(st.Queues, ShouldContainKey, "car")
				So(st.Queues, ShouldContainKey, "field")
			})
		})

		Convey("Stopping a service that never started is a no-op", func() {
			So(svc.Stop(ctx), ShouldBeNil)
		})
	})
}

func TestService_Pipeline(t *testing.T) {
	Convey("Given a running service", t, func() {
		svc, audit := newService(t.TempDir())
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop(ctx)

		Convey("Then frames flow through both twins into the snapshot", func() {
			So(eventually(func() bool { return svc.Snapshot().Sequence >= 10 }), ShouldBeTrue)
			snap := svc.Snapshot()
			So(snap.Car.ID, ShouldEqual, "44")
			So(snap.Car.Lap, ShouldBeGreaterThan, 0)
			So(len(snap.Field.Competitors), ShouldEqual, 19)
			So(snap.Field.Lap-snap.Car.Lap, ShouldBeBetweenOrEqual, -1, 1)

			frame, ok := svc.CurrentFrame()
			So(ok, ShouldBeTrue)
			So(len(frame.Cars), ShouldEqual, 20)

			So(len(audit.ByCause("commit")), ShouldBeGreaterThanOrEqualTo, 10)
		})

		Convey("Then competitors can be looked up", func() {
			So(eventually(func() bool { return svc.Snapshot().Sequence >= 1 }), ShouldBeTrue)
			p, err := svc.Competitor("16")
			So(err, ShouldBeNil)
			So(p.ID, ShouldEqual, "16")

			_, err = svc.Competitor("99")
			So(errors.Is(err, service.ErrUnknownCar), ShouldBeTrue)
		})

		Convey("Then the audit trail is readable", func() {
			So(eventually(func() bool { return svc.Snapshot().Sequence >= 3 }), ShouldBeTrue)
			recs, err := svc.RecentAudit(ctx, 2)
			So(err, ShouldBeNil)
			So(len(recs), ShouldEqual, 2)
		})
	})
}
