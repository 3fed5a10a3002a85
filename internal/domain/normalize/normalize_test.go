package normalize_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/domain/normalize"
	"github.com/okian/pitwall/internal/timeutil"
	. "github.com/smartystreets/goconvey/convey"
)

const nested = `{
  "timestamp": "2026-05-24T13:05:00Z",
  "lap": 25,
  "session_type": "race",
  "track": {"temperature": 34.5, "weather": "cloudy", "status": "green"},
  "cars": [
    {"id": "44", "position": 2, "speed": 298.1, "tire": {"compound": "medium", "age": 25, "wear": 0.45}, "fuel_level": 0.62, "lap_time": 92.4, "sector_times": [30.1, 31.0, 31.3]},
    {"id": "1", "position": 1, "speed": 301.0, "tire": {"compound": "hard", "age": 10, "wear": 0.15}, "fuel_level": 0.60, "lap_time": 92.1, "sector_times": [30.0, 31.0, 31.1]}
  ]
}`

const flat = `{
  "lap": 3,
  "track_temperature": 28,
  "track_status": "safety_car",
  "cars": [
    {"car_id": "16", "position": 1, "speed": 180, "tire_compound": "soft", "tire_age": 3, "tire_wear": 0.05, "fuel_level": 0.95}
  ]
}`

type slowClock struct {
	timeutil.RealClock
	lag time.Duration
}

func (c slowClock) Since(time.Time) time.Duration { return c.lag }

func TestNormalize(t *testing.T) {
	ctx := context.Background()
	received := time.Date(2026, 5, 24, 13, 6, 0, 0, time.UTC)

	Convey("Given a normalizer", t, func() {
		n := normalize.New()

		Convey("When a nested payload arrives", func() {
			f, err := n.Normalize(ctx, model.RawSample{Payload: []byte(nested), ReceivedAt: received})

			Convey("Then the frame is valid and ordered by position", func() {
				So(err, ShouldBeNil)
				So(f.Lap, ShouldEqual, 25)
				So(f.Timestamp, ShouldEqual, time.Date(2026, 5, 24, 13, 5, 0, 0, time.UTC))
				So(f.Track.Weather, ShouldEqual, model.WeatherCloudy)
				So(f.Cars, ShouldHaveLength, 2)
				So(f.Cars[0].ID, ShouldEqual, "1")
				So(f.Cars[1].ID, ShouldEqual, "44")
				So(f.Cars[1].Tire.Wear, ShouldEqual, 0.45)
				So(f.Cars[1].SectorTimes, ShouldResemble, []float64{30.1, 31.0, 31.3})
			})
		})

		Convey("When a flat payload arrives", func() {
			f, err := n.Normalize(ctx, model.RawSample{Payload: []byte(flat), ReceivedAt: received})

			Convey("Then flat fields map and defaults fill the gaps", func() {
				So(err, ShouldBeNil)
				So(f.Timestamp, ShouldEqual, received)
				So(f.SessionType, ShouldEqual, model.SessionRace)
				So(f.Track.Temperature, ShouldEqual, 28)
				So(f.Track.Weather, ShouldEqual, model.WeatherSunny)
				So(f.Track.Status, ShouldEqual, model.TrackSafetyCar)
				So(f.Cars[0].ID, ShouldEqual, "16")
				So(f.Cars[0].Tire.Compound, ShouldEqual, model.CompoundSoft)
				So(f.Cars[0].Tire.Age, ShouldEqual, 3)
				So(f.Cars[0].LapTime, ShouldEqual, 0)
			})
		})

		Convey("When payloads break the contract", func() {
			cases := map[string]string{
				"not json":          `{"lap":`,
				"missing lap":       `{"cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":0,"wear":0},"fuel_level":1}]}`,
				"no cars":           `{"lap":1,"cars":[]}`,
				"wear above one":    `{"lap":1,"cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":0,"wear":1.2},"fuel_level":1}]}`,
				"unknown compound":  `{"lap":1,"cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"slick","age":0,"wear":0},"fuel_level":1}]}`,
				"hot track":         `{"lap":1,"track":{"temperature":75},"cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":0,"wear":0},"fuel_level":1}]}`,
				"lap time too fast": `{"lap":1,"cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":0,"wear":0},"fuel_level":1,"lap_time":12}]}`,
				"two sectors":       `{"lap":1,"cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":0,"wear":0},"fuel_level":1,"sector_times":[30,30]}]}`,
				"position zero":     `{"lap":1,"cars":[{"id":"1","position":0,"speed":1,"tire":{"compound":"soft","age":0,"wear":0},"fuel_level":1}]}`,
				"fractional age":    `{"lap":1,"cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":2.5,"wear":0},"fuel_level":1}]}`,
				"bad session":       `{"lap":1,"session_type":"warmup","cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":0,"wear":0},"fuel_level":1}]}`,
				"missing fuel":      `{"lap":1,"cars":[{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":0,"wear":0}}]}`,
			}

			for name, payload := range cases {
				Convey("Then "+name+" is a schema violation", func() {
					_, err := n.Normalize(ctx, model.RawSample{Payload: []byte(payload), ReceivedAt: received})
					So(errors.Is(err, faults.ErrSchemaViolation), ShouldBeTrue)
				})
			}
		})

		Convey("When two cars share an id", func() {
			payload := `{"lap":1,"cars":[
				{"id":"1","position":1,"speed":1,"tire":{"compound":"soft","age":0,"wear":0},"fuel_level":1},
				{"id":"1","position":2,"speed":1,"tire":{"compound":"soft","age":0,"wear":0},"fuel_level":1}]}`
			_, err := n.Normalize(ctx, model.RawSample{Payload: []byte(payload), ReceivedAt: received})

			Convey("Then the whole frame is rejected", func() {
				So(errors.Is(err, normalize.ErrDuplicateCar), ShouldBeTrue)
				So(errors.Is(err, faults.ErrSchemaViolation), ShouldBeTrue)
			})
		})
	})

	Convey("Given a normalizer whose clock reports a slow validation", t, func() {
		n := normalize.New(normalize.WithBudget(250*time.Millisecond), normalize.WithClock(slowClock{lag: 300 * time.Millisecond}))

		Convey("Then a valid payload still fails the budget", func() {
			_, err := n.Normalize(ctx, model.RawSample{Payload: []byte(nested), ReceivedAt: received})
			So(errors.Is(err, faults.ErrLatencyBudgetExceeded), ShouldBeTrue)
		})
	})
}

func TestDetect(t *testing.T) {
	Convey("Dialects are told apart by layout", t, func() {
		d, err := normalize.Detect([]byte(nested))
		So(err, ShouldBeNil)
		So(d, ShouldEqual, normalize.DialectNested)

		d, err = normalize.Detect([]byte(flat))
		So(err, ShouldBeNil)
		So(d, ShouldEqual, normalize.DialectFlat)

		_, err = normalize.Detect([]byte("nope"))
		So(errors.Is(err, normalize.ErrMalformed), ShouldBeTrue)
	})
}
