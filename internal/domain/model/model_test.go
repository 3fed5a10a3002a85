package model_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/okian/pitwall/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func sampleFrame() model.NormalizedFrame {
	return model.NormalizedFrame{
		Timestamp:   time.Date(2026, 5, 24, 13, 0, 0, 0, time.UTC),
		Lap:         12,
		SessionType: model.SessionRace,
		Track:       model.Track{Temperature: 31, Weather: model.WeatherSunny, Status: model.TrackGreen},
		Cars: []model.CarSample{
			{ID: "1", Position: 1, Speed: 301, Tire: model.Tire{Compound: model.CompoundMedium, Age: 12, Wear: 0.3}, FuelLevel: 0.7, LapTime: 91.2, SectorTimes: []float64{30.1, 30.5, 30.6}},
			{ID: "44", Position: 2, Speed: 299, Tire: model.Tire{Compound: model.CompoundHard, Age: 10, Wear: 0.2}, FuelLevel: 0.72, LapTime: 91.5, SectorTimes: []float64{30.2, 30.6, 30.7}},
		},
	}
}

func TestNormalizedFrame(t *testing.T) {
	Convey("Given a frame", t, func() {
		f := sampleFrame()

		Convey("When looking up a car", func() {
			c, ok := f.Car("44")
			So(ok, ShouldBeTrue)
			So(c.Position, ShouldEqual, 2)

			_, ok = f.Car("99")
			So(ok, ShouldBeFalse)
		})

		Convey("When cloned and the clone is mutated", func() {
			c := f.Clone()
			c.Cars[0].SectorTimes[0] = 99
			c.Cars[1].Speed = 0

			Convey("Then the original is untouched", func() {
				So(f.Cars[0].SectorTimes[0], ShouldEqual, 30.1)
				So(f.Cars[1].Speed, ShouldEqual, 299)
			})
		})

		Convey("When fingerprinted", func() {
			a := f.Fingerprint()
			same := sampleFrame()
			other := sampleFrame()
			other.Cars[0].Tire.Wear = 0.31

			So(a, ShouldNotBeEmpty)
			So(same.Fingerprint(), ShouldEqual, a)
			So(other.Fingerprint(), ShouldNotEqual, a)
		})
	})
}

func TestTrackStatus(t *testing.T) {
	Convey("Neutralized covers both safety car variants", t, func() {
		So(model.TrackSafetyCar.Neutralized(), ShouldBeTrue)
		So(model.TrackVirtualSafetyCar.Neutralized(), ShouldBeTrue)
		So(model.TrackYellow.Neutralized(), ShouldBeFalse)
	})
}

func TestEventType(t *testing.T) {
	Convey("Known event types are valid", t, func() {
		for _, e := range []model.EventType{model.EventPitDetected, model.EventSafetyCar, model.EventVirtualSafetyCar, model.EventRestart} {
			So(e.Valid(), ShouldBeTrue)
		}
		So(model.EventType("blue_flag").Valid(), ShouldBeFalse)
	})
}

func TestSnapshotClone(t *testing.T) {
	Convey("Given a populated snapshot", t, func() {
		s := model.SystemSnapshot{
			Sequence: 7,
			Health:   model.HealthOK,
			Car: model.CarTwinState{
				ID:      "44",
				Current: model.CarCurrent{TireTemp: []float64{90, 90, 88, 88}},
			},
			Field: model.FieldTwinState{
				Competitors: []model.CompetitorProfile{
					{ID: "1", PitStops: []model.PitStop{{Lap: 20}}},
				},
				Opportunities: []model.StrategicOpportunity{{Type: model.OpportunityDRS, TargetID: "1"}},
				Events:        []model.RaceEvent{{Type: model.EventSafetyCar, Lap: 5}},
			},
		}

		Convey("Then a clone is equal but shares no slices", func() {
			c := s.Clone()
			So(cmp.Diff(s, c), ShouldBeEmpty)

			c.Car.Current.TireTemp[0] = 0
			c.Field.Competitors[0].PitStops[0].Lap = 1
			c.Field.Opportunities[0].Probability = 1
			c.Field.Events[0].Lap = 99

			So(s.Car.Current.TireTemp[0], ShouldEqual, 90)
			So(s.Field.Competitors[0].PitStops[0].Lap, ShouldEqual, 20)
			So(s.Field.Opportunities[0].Probability, ShouldEqual, 0)
			So(s.Field.Events[0].Lap, ShouldEqual, 5)
		})

		Convey("Then competitors can be looked up", func() {
			c, ok := s.Field.Competitor("1")
			So(ok, ShouldBeTrue)
			So(c.PitStops, ShouldHaveLength, 1)
		})
	})
}

func TestAuditRecord(t *testing.T) {
	Convey("NewAuditRecord assigns unique ids", t, func() {
		ts := time.Date(2026, 5, 24, 13, 0, 0, 0, time.FixedZone("CEST", 7200))
		a := model.NewAuditRecord(ts, model.AuditFallback, 3, "switched to simulated")
		b := model.NewAuditRecord(ts, model.AuditFallback, 3, "switched to simulated")

		So(a.ID, ShouldNotEqual, b.ID)
		So(a.Timestamp.Location(), ShouldEqual, time.UTC)
		So(a.Cause, ShouldEqual, model.AuditFallback)
		So(a.Sequence, ShouldEqual, uint64(3))
	})
}

func TestCycleMessages(t *testing.T) {
	Convey("Given a frame with two derived events", t, func() {
		f := sampleFrame()
		events := []model.RaceEvent{
			{Type: model.EventSafetyCar, Lap: 12},
			{Type: model.EventPitDetected, CarID: "1", Lap: 12},
		}
		msgs := model.CycleMessages(4, f, events)

		Convey("Then the frame leads and only the final message is last", func() {
			So(msgs, ShouldHaveLength, 3)
			So(msgs[0].Kind, ShouldEqual, model.MessageFrame)
			So(msgs[0].Last, ShouldBeFalse)
			So(msgs[1].Kind, ShouldEqual, model.MessageEvent)
			So(msgs[1].Last, ShouldBeFalse)
			So(msgs[2].Last, ShouldBeTrue)
			for _, m := range msgs {
				So(m.Cycle, ShouldEqual, uint64(4))
			}
		})
	})

	Convey("Given a frame alone", t, func() {
		msgs := model.CycleMessages(1, sampleFrame(), nil)
		So(msgs, ShouldHaveLength, 1)
		So(msgs[0].Last, ShouldBeTrue)
		So(msgs[0].Kind.String(), ShouldEqual, "frame")
	})
}
