// Package normalize turns source-native telemetry payloads into validated
// NormalizedFrames. A frame is either fully valid or rejected as a whole.
package normalize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/timeutil"
)

// Field defaults applied when a payload omits them.
const (
	DefaultTemperature = 25.0
	DefaultWeather     = model.WeatherSunny
	DefaultStatus      = model.TrackGreen
	DefaultSession     = model.SessionRace
)

// Accepted ranges.
const (
	MinTemperature = -10.0
	MaxTemperature = 60.0
	MaxPosition    = 40
	MaxSpeed       = 400.0
	MinLapTime     = 30.0
	MaxLapTime     = 300.0
	SectorCount    = 3
)

// Dialect names a wire layout.
type Dialect string

const (
	DialectNested Dialect = "nested"
	DialectFlat   Dialect = "flat"
)

// Normalizer validates raw samples against the frame contract.
type Normalizer struct {
	budget time.Duration
	clock  timeutil.Clock
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		budget: 250 * time.Millisecond,
		clock:  timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Normalize decodes and validates raw. Errors are *faults.Error of kind
// SchemaViolation, or LatencyBudgetExceeded when validation overran the budget.
func (n *Normalizer) Normalize(ctx context.Context, raw model.RawSample) (model.NormalizedFrame, error) {
	start := n.clock.Now()

	if err := ctx.Err(); err != nil {
		return model.NormalizedFrame{}, err
	}

	var w wireFrame
	dec := json.NewDecoder(bytes.NewReader(raw.Payload))
	if err := dec.Decode(&w); err != nil {
		return model.NormalizedFrame{}, faults.New(faults.KindSchemaViolation, "decode", fmt.Errorf("%w: %w", ErrMalformed, err))
	}

	frame, err := w.toFrame(raw.ReceivedAt)
	if err != nil {
		return model.NormalizedFrame{}, faults.New(faults.KindSchemaViolation, "validate", err)
	}

	if elapsed := n.clock.Since(start); n.budget > 0 && elapsed > n.budget {
		return model.NormalizedFrame{}, faults.Newf(faults.KindLatencyBudgetExceeded, "normalize",
			"took %s, budget %s", elapsed, n.budget)
	}
	return frame, nil
}

// Detect reports which dialect a payload uses.
func Detect(payload []byte) (Dialect, error) {
	var w wireFrame
	if err := json.Unmarshal(payload, &w); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return w.dialect(), nil
}

type wireTrack struct {
	Temperature *float64 `json:"temperature"`
	Weather     string   `json:"weather"`
	Status      string   `json:"status"`
	TrackStatus string   `json:"track_status"`
}

type wireTire struct {
	Compound  string   `json:"compound"`
	Age       *float64 `json:"age"`
	Wear      *float64 `json:"wear"`
	WearLevel *float64 `json:"wear_level"`
}

type wireCar struct {
	ID          string    `json:"id"`
	CarID       string    `json:"car_id"`
	Position    *float64  `json:"position"`
	Speed       *float64  `json:"speed"`
	Tire        *wireTire `json:"tire"`
	FuelLevel   *float64  `json:"fuel_level"`
	LapTime     *float64  `json:"lap_time"`
	SectorTimes []float64 `json:"sector_times"`

	// flat dialect
	TireCompound string   `json:"tire_compound"`
	TireAge      *float64 `json:"tire_age"`
	TireWear     *float64 `json:"tire_wear"`
}

type wireFrame struct {
	Timestamp       *time.Time `json:"timestamp"`
	Lap             *float64   `json:"lap"`
	SessionType     string     `json:"session_type"`
	Track           *wireTrack `json:"track"`
	TrackConditions *wireTrack `json:"track_conditions"`
	Cars            []wireCar  `json:"cars"`

	// flat dialect
	TrackTemperature *float64 `json:"track_temperature"`
	Weather          string   `json:"weather"`
	TrackStatus      string   `json:"track_status"`
}

func (w *wireFrame) dialect() Dialect {
	if w.Track != nil || w.TrackConditions != nil {
		return DialectNested
	}
	for _, c := range w.Cars {
		if c.Tire != nil {
			return DialectNested
		}
	}
	return DialectFlat
}

func (w *wireFrame) track() wireTrack {
	switch {
	case w.Track != nil:
		return *w.Track
	case w.TrackConditions != nil:
		return *w.TrackConditions
	default:
		return wireTrack{Temperature: w.TrackTemperature, Weather: w.Weather, TrackStatus: w.TrackStatus}
	}
}

func (w *wireFrame) toFrame(receivedAt time.Time) (model.NormalizedFrame, error) {
	var f model.NormalizedFrame

	switch {
	case w.Timestamp != nil && !w.Timestamp.IsZero():
		f.Timestamp = w.Timestamp.UTC()
	case !receivedAt.IsZero():
		f.Timestamp = receivedAt.UTC()
	default:
		return f, fmt.Errorf("%w: timestamp", ErrMissingField)
	}

	if w.Lap == nil {
		return f, fmt.Errorf("%w: lap", ErrMissingField)
	}
	lap, err := wholeNumber("lap", *w.Lap, 0, math.MaxInt32)
	if err != nil {
		return f, err
	}
	f.Lap = lap

	f.SessionType = DefaultSession
	if w.SessionType != "" {
		f.SessionType = model.SessionType(w.SessionType)
		if !validSession(f.SessionType) {
			return f, fmt.Errorf("%w: session_type %q", ErrOutOfRange, w.SessionType)
		}
	}

	if f.Track, err = normalizeTrack(w.track()); err != nil {
		return f, err
	}

	if len(w.Cars) == 0 {
		return f, fmt.Errorf("%w: cars", ErrMissingField)
	}
	seen := make(map[string]struct{}, len(w.Cars))
	f.Cars = make([]model.CarSample, 0, len(w.Cars))
	for i := range w.Cars {
		c, err := normalizeCar(&w.Cars[i])
		if err != nil {
			return f, fmt.Errorf("car %d: %w", i, err)
		}
		if _, dup := seen[c.ID]; dup {
			return f, fmt.Errorf("%w: %q", ErrDuplicateCar, c.ID)
		}
		seen[c.ID] = struct{}{}
		f.Cars = append(f.Cars, c)
	}
	sort.SliceStable(f.Cars, func(i, j int) bool { return f.Cars[i].Position < f.Cars[j].Position })
	return f, nil
}

func normalizeTrack(t wireTrack) (model.Track, error) {
	out := model.Track{Temperature: DefaultTemperature, Weather: DefaultWeather, Status: DefaultStatus}

	if t.Temperature != nil {
		if err := inRange("track.temperature", *t.Temperature, MinTemperature, MaxTemperature); err != nil {
			return out, err
		}
		out.Temperature = *t.Temperature
	}
	if t.Weather != "" {
		out.Weather = model.Weather(t.Weather)
		if !validWeather(out.Weather) {
			return out, fmt.Errorf("%w: weather %q", ErrOutOfRange, t.Weather)
		}
	}
	status := t.Status
	if status == "" {
		status = t.TrackStatus
	}
	if status != "" {
		out.Status = model.TrackStatus(status)
		if !validStatus(out.Status) {
			return out, fmt.Errorf("%w: track status %q", ErrOutOfRange, status)
		}
	}
	return out, nil
}

func normalizeCar(c *wireCar) (model.CarSample, error) {
	var out model.CarSample

	out.ID = c.ID
	if out.ID == "" {
		out.ID = c.CarID
	}
	if out.ID == "" {
		return out, fmt.Errorf("%w: id", ErrMissingField)
	}

	tire := c.Tire
	if tire == nil {
		tire = &wireTire{Compound: c.TireCompound, Age: c.TireAge, Wear: c.TireWear}
	}
	wear := tire.Wear
	if wear == nil {
		wear = tire.WearLevel
	}

	switch {
	case c.Position == nil:
		return out, fmt.Errorf("%w: position", ErrMissingField)
	case c.Speed == nil:
		return out, fmt.Errorf("%w: speed", ErrMissingField)
	case tire.Compound == "":
		return out, fmt.Errorf("%w: tire.compound", ErrMissingField)
	case tire.Age == nil:
		return out, fmt.Errorf("%w: tire.age", ErrMissingField)
	case wear == nil:
		return out, fmt.Errorf("%w: tire.wear", ErrMissingField)
	case c.FuelLevel == nil:
		return out, fmt.Errorf("%w: fuel_level", ErrMissingField)
	}

	var err error
	if out.Position, err = wholeNumber("position", *c.Position, 1, MaxPosition); err != nil {
		return out, err
	}
	if err = inRange("speed", *c.Speed, 0, MaxSpeed); err != nil {
		return out, err
	}
	out.Speed = *c.Speed

	out.Tire.Compound = model.Compound(tire.Compound)
	if !validCompound(out.Tire.Compound) {
		return out, fmt.Errorf("%w: compound %q", ErrOutOfRange, tire.Compound)
	}
	if out.Tire.Age, err = wholeNumber("tire.age", *tire.Age, 0, math.MaxInt32); err != nil {
		return out, err
	}
	if err = inRange("tire.wear", *wear, 0, 1); err != nil {
		return out, err
	}
	out.Tire.Wear = *wear

	if err = inRange("fuel_level", *c.FuelLevel, 0, 1); err != nil {
		return out, err
	}
	out.FuelLevel = *c.FuelLevel

	if c.LapTime != nil && *c.LapTime != 0 {
		if err = inRange("lap_time", *c.LapTime, MinLapTime, MaxLapTime); err != nil {
			return out, err
		}
		out.LapTime = *c.LapTime
	}

	if len(c.SectorTimes) > 0 {
		if len(c.SectorTimes) != SectorCount {
			return out, fmt.Errorf("%w: sector_times has %d entries", ErrOutOfRange, len(c.SectorTimes))
		}
		for _, s := range c.SectorTimes {
			if err = inRange("sector_time", s, 0, MaxLapTime); err != nil {
				return out, err
			}
		}
		out.SectorTimes = append([]float64(nil), c.SectorTimes...)
	}
	return out, nil
}

func inRange(name string, v, lo, hi float64) error {
	if math.IsNaN(v) || v < lo || v > hi {
		return fmt.Errorf("%w: %s %v not in [%v, %v]", ErrOutOfRange, name, v, lo, hi)
	}
	return nil
}

func wholeNumber(name string, v float64, lo, hi int) (int, error) {
	if v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: %s %v is not a whole number", ErrOutOfRange, name, v)
	}
	if err := inRange(name, v, float64(lo), float64(hi)); err != nil {
		return 0, err
	}
	return int(v), nil
}

func validWeather(w model.Weather) bool {
	switch w {
	case model.WeatherSunny, model.WeatherCloudy, model.WeatherRain, model.WeatherDrizzle, model.WeatherStorm:
		return true
	}
	return false
}

func validStatus(s model.TrackStatus) bool {
	switch s {
	case model.TrackGreen, model.TrackYellow, model.TrackRed, model.TrackSafetyCar, model.TrackVirtualSafetyCar:
		return true
	}
	return false
}

func validCompound(c model.Compound) bool {
	switch c {
	case model.CompoundSoft, model.CompoundMedium, model.CompoundHard, model.CompoundIntermediate, model.CompoundWet:
		return true
	}
	return false
}

func validSession(s model.SessionType) bool {
	switch s {
	case model.SessionPractice, model.SessionQualifying, model.SessionRace, model.SessionSprint:
		return true
	}
	return false
}
