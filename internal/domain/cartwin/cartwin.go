// Package cartwin models the controlled car: tire wear and fuel burn, the pit
// window they imply and the car's pace against its own recent baseline.
package cartwin

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/timeutil"
	"github.com/okian/pitwall/pkg/logger"
	"github.com/okian/pitwall/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	minRegressionSamples = 3
	minDegradation       = 0.001
	maxDegradation       = 0.1
	minConsumption       = 0.001
	maxConsumption       = 0.2
	minPerfDelta         = -5.0
	maxPerfDelta         = 10.0
	lapTimeHistory       = 50
)

// Twin is the controlled car's model. Update is called by a single worker;
// readers may call the accessors concurrently.
type Twin struct {
	historySize        int
	fuelWindow         int
	safetyMargin       int
	baselineLaps       int
	baselineWindow     int
	measuredWeight     float64
	defaultDegradation float64
	defaultConsumption float64
	budget             time.Duration
	raceLaps           int

	log   logger.Logger
	clock timeutil.Clock

	mu sync.RWMutex
	tr tracker
}

// wearPoint is one lap's wear observation inside the current stint.
type wearPoint struct {
	lap  int
	wear float64
	temp float64
}

type fuelPoint struct {
	lap  int
	fuel float64
}

// tracker is everything Update mutates. It is copied, advanced and swapped in
// as a unit.
type tracker struct {
	state    model.CarTwinState
	wear     []wearPoint
	fuel     []fuelPoint
	lapTimes []float64

	applied bool
	// rebased is set until the first frame of a new source is applied.
	rebased bool
	lastTS  time.Time
	lastAge int
}

func (t tracker) clone() tracker {
	out := t
	out.state = t.state.Clone()
	out.wear = slices.Clone(t.wear)
	out.fuel = slices.Clone(t.fuel)
	out.lapTimes = slices.Clone(t.lapTimes)
	return out
}

// New creates a Twin for carID in a race of raceLaps laps.
func New(carID string, raceLaps int, opts ...Option) *Twin {
	t := &Twin{
		historySize:        10,
		fuelWindow:         5,
		safetyMargin:       2,
		baselineLaps:       3,
		baselineWindow:     10,
		measuredWeight:     0.5,
		defaultDegradation: 0.008,
		defaultConsumption: 0.015,
		budget:             200 * time.Millisecond,
		raceLaps:           raceLaps,
		log:                logger.Nop(),
		clock:              timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.tr.state = model.CarTwinState{
		ID: carID,
		Current: model.CarCurrent{
			TireTemp:  make([]float64, 4),
			FuelLevel: 1,
		},
		Predictions: model.CarPredictions{
			DegradationRate: t.defaultDegradation,
			ConsumptionRate: t.defaultConsumption,
		},
		Strategy: model.CarStrategy{Stint: 1},
	}
	return t
}

// Restore seeds the twin from a recovered state. History windows start empty
// and the next frame is taken as the start of a new source.
func (t *Twin) Restore(s model.CarTwinState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	applied := !s.UpdatedAt.IsZero()
	t.tr = tracker{
		state:   s.Clone(),
		applied: applied,
		rebased: applied,
		lastTS:  s.UpdatedAt,
		lastAge: s.Current.TireAge,
	}
}

// Rebase marks the start of a new source. The next frame is not ordered
// against the previous source's clock, a tire age drop on it is not a pit
// stop and the wear and fuel windows restart from it. Counters such as the
// stint and pit stops carry over.
func (t *Twin) Rebase(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.tr.applied {
		return
	}
	t.tr.rebased = true
	t.tr.wear = nil
	t.tr.fuel = nil
	t.log.Debug(ctx, "car twin rebased", logger.Int("lap", t.tr.state.Lap))
}

// Update applies frame. A frame with the same timestamp and lap as the last
// applied one is a no-op. On error the previous state stays in place.
func (t *Twin) Update(ctx context.Context, frame model.NormalizedFrame) (model.CarTwinState, error) {
	start := t.clock.Now()
	carID := t.ID()

	ctx, span := tracer.Start(ctx, "cartwin.Update", trace.WithAttributes(
		attribute.String(carIDKey, carID),
		attribute.Int("lap", frame.Lap),
	))
	defer span.End()

	t.mu.RLock()
	cur := t.tr.clone()
	t.mu.RUnlock()

	ordered := cur.applied && !cur.rebased
	if ordered && frame.Timestamp.Equal(cur.lastTS) && frame.Lap == cur.state.Lap {
		return cur.state, nil
	}
	if ordered && frame.Timestamp.Before(cur.lastTS) {
		err := fmt.Errorf("%w: %s before %s", ErrStaleFrame, frame.Timestamp, cur.lastTS)
		span.SetStatus(codes.Error, err.Error())
		return cur.state, err
	}

	car, ok := frame.Car(carID)
	if !ok {
		metrics.RecordTwinUpdateError("car")
		span.SetStatus(codes.Error, ErrCarNotInFrame.Error())
		return cur.state, fmt.Errorf("%w: %s", ErrCarNotInFrame, carID)
	}

	pitted := t.advance(&cur, frame, car)

	elapsed := t.clock.Since(start)
	over := t.budget > 0 && elapsed > t.budget
	if over {
		metrics.RecordBudgetExceeded("car_twin")
		t.log.Warn(ctx, "car twin update exceeded budget",
			logger.Duration("elapsed", elapsed),
			logger.Duration("budget", t.budget),
			logger.Int("lap", frame.Lap))
	}
	measureUpdate(ctx, carID, elapsed, over)
	metrics.RecordTwinUpdateLatency("car", float64(elapsed)/float64(time.Millisecond))
	if pitted {
		countPitStop(ctx, carID)
		metrics.RecordPitStop("car")
		t.log.Info(ctx, "pit stop detected",
			logger.String("car_id", carID),
			logger.Int("lap", frame.Lap),
			logger.Int("stint", cur.state.Strategy.Stint))
	}

	t.mu.Lock()
	t.tr = cur
	t.mu.Unlock()

	return cur.state.Clone(), nil
}

// advance moves tr forward by one frame and reports whether a pit stop was
// detected.
func (t *Twin) advance(tr *tracker, frame model.NormalizedFrame, car model.CarSample) bool {
	s := &tr.state
	prevLap := s.Lap
	prevWear := s.Current.TireWear
	fresh := !tr.applied || tr.rebased
	pitted := !fresh && car.Tire.Age < tr.lastAge

	if pitted {
		s.Strategy.Stint++
		s.Strategy.PitStops++
		tr.wear = tr.wear[:0]
		tr.fuel = tr.fuel[:0]
		s.Current.TireWear = 0
		s.Current.FuelLevel = 1
		tr.wear = append(tr.wear, wearPoint{lap: frame.Lap, temp: frame.Track.Temperature})
	} else {
		s.Current.FuelLevel = car.FuelLevel
		switch {
		case fresh:
			s.Current.TireWear = car.Tire.Wear
		case frame.Lap > prevLap:
			s.Current.TireWear = t.blendWear(tr, prevWear, car.Tire.Wear, frame.Lap-prevLap)
		default:
			s.Current.TireWear = math.Max(prevWear, car.Tire.Wear)
		}
		s.Current.TireWear = math.Min(1, s.Current.TireWear)
		tr.wear = pushWear(tr.wear, wearPoint{lap: frame.Lap, wear: s.Current.TireWear, temp: frame.Track.Temperature}, t.historySize)
		tr.fuel = pushFuel(tr.fuel, fuelPoint{lap: frame.Lap, fuel: car.FuelLevel}, t.fuelWindow+1)
	}

	if car.LapTime > 0 && (fresh || frame.Lap > prevLap) {
		tr.lapTimes = append(tr.lapTimes, car.LapTime)
		if len(tr.lapTimes) > lapTimeHistory {
			tr.lapTimes = tr.lapTimes[len(tr.lapTimes)-lapTimeHistory:]
		}
	}

	s.Lap = frame.Lap
	s.UpdatedAt = frame.Timestamp
	s.Sequence++
	s.Current.Speed = car.Speed
	s.Current.LapTime = car.LapTime
	s.Current.TireCompound = car.Tire.Compound
	s.Current.TireAge = car.Tire.Age
	s.Current.Position = car.Position
	s.Current.TireTemp = tireTemps(car.Speed, s.Current.TireWear)

	s.Predictions.DegradationRate = t.degradationRate(tr)
	s.Predictions.ConsumptionRate = t.consumptionRate(tr)
	s.Predictions.PerformanceDelta = t.performanceDelta(tr.lapTimes, car.LapTime)
	t.planStops(s)

	tr.applied = true
	tr.rebased = false
	tr.lastTS = frame.Timestamp
	tr.lastAge = car.Tire.Age
	return pitted
}

// blendWear mixes the measured wear delta with the regression rate projected
// over lapDelta laps. Wear never decreases within a stint.
func (t *Twin) blendWear(tr *tracker, prev, measured float64, lapDelta int) float64 {
	delta := measured - prev
	if rate, ok := regressionRate(tr.wear); ok {
		delta = t.measuredWeight*delta + (1-t.measuredWeight)*rate*float64(lapDelta)
	}
	return prev + math.Max(0, delta)
}

func (t *Twin) degradationRate(tr *tracker) float64 {
	if rate, ok := regressionRate(tr.wear); ok {
		return clamp(rate, minDegradation, maxDegradation)
	}
	if n := len(tr.wear); n >= 2 {
		first, last := tr.wear[0], tr.wear[n-1]
		if laps := last.lap - first.lap; laps > 0 {
			return clamp((last.wear-first.wear)/float64(laps), minDegradation, maxDegradation)
		}
	}
	return t.defaultDegradation
}

func (t *Twin) consumptionRate(tr *tracker) float64 {
	deltas := fuelDeltas(tr.fuel)
	if len(deltas) > t.fuelWindow {
		deltas = deltas[len(deltas)-t.fuelWindow:]
	}
	if len(deltas) == 0 {
		return t.defaultConsumption
	}
	return clamp(mean(deltas), minConsumption, maxConsumption)
}

func (t *Twin) performanceDelta(lapTimes []float64, current float64) float64 {
	if current <= 0 || len(lapTimes) == 0 {
		return 0
	}
	window := lapTimes
	if len(window) > t.baselineWindow {
		window = window[len(window)-t.baselineWindow:]
	}
	best := slices.Clone(window)
	slices.Sort(best)
	if len(best) > t.baselineLaps {
		best = best[:t.baselineLaps]
	}
	return clamp(current-mean(best), minPerfDelta, maxPerfDelta)
}

// planStops derives the pit lap and window from the current rates.
func (t *Twin) planStops(s *model.CarTwinState) {
	tireLaps := (1 - s.Current.TireWear) / s.Predictions.DegradationRate
	fuelLaps := s.Current.FuelLevel / s.Predictions.ConsumptionRate
	limiting := math.Min(tireLaps, fuelLaps)

	lo := s.Lap + 1
	hi := max(t.raceLaps-1, lo)
	pit := s.Lap + wholeLaps(limiting) - t.safetyMargin
	pit = min(max(pit, lo), hi)

	start := max(lo, pit-1)
	end := min(t.raceLaps, s.Lap+wholeLaps(tireLaps))
	end = max(end, start)

	s.Predictions.PredictedPitLap = pit
	s.Strategy.PitWindow = model.PitWindow{start, end}
	s.Strategy.TireLifeRemaining = round2(tireLaps)
	s.Strategy.FuelLapsRemaining = round2(fuelLaps)
}

// State returns a copy of the current state.
func (t *Twin) State() model.CarTwinState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tr.state.Clone()
}

// ID returns the modeled car's id.
func (t *Twin) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tr.state.ID
}

// PredictTireDegradation returns the per-lap wear rate.
func (t *Twin) PredictTireDegradation() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tr.state.Predictions.DegradationRate
}

// PredictFuel returns the per-lap fuel consumption and the laps the current
// load lasts.
func (t *Twin) PredictFuel() (rate, lapsRemaining float64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tr.state.Predictions.ConsumptionRate, t.tr.state.Strategy.FuelLapsRemaining
}

// PitWindow returns the recommended stop window and lap.
func (t *Twin) PitWindow() (model.PitWindow, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tr.state.Strategy.PitWindow, t.tr.state.Predictions.PredictedPitLap
}

// PerformanceDelta returns seconds off the recent baseline; positive is slower.
func (t *Twin) PerformanceDelta() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tr.state.Predictions.PerformanceDelta
}

func pushWear(ws []wearPoint, p wearPoint, limit int) []wearPoint {
	if n := len(ws); n > 0 && ws[n-1].lap == p.lap {
		ws[n-1] = p
	} else {
		ws = append(ws, p)
	}
	if len(ws) > limit {
		ws = ws[len(ws)-limit:]
	}
	return ws
}

func pushFuel(fs []fuelPoint, p fuelPoint, limit int) []fuelPoint {
	if n := len(fs); n > 0 && fs[n-1].lap == p.lap {
		fs[n-1] = p
	} else {
		fs = append(fs, p)
	}
	if len(fs) > limit {
		fs = fs[len(fs)-limit:]
	}
	return fs
}

// fuelDeltas returns per-lap burn between consecutive points; refuels are
// skipped.
func fuelDeltas(fs []fuelPoint) []float64 {
	out := make([]float64, 0, len(fs))
	for i := 1; i < len(fs); i++ {
		laps := fs[i].lap - fs[i-1].lap
		burn := fs[i-1].fuel - fs[i].fuel
		if laps <= 0 || burn < 0 {
			continue
		}
		out = append(out, burn/float64(laps))
	}
	return out
}

func tireTemps(speed, wear float64) []float64 {
	base := 80 + speed/300*30 + wear*20
	return []float64{round2(base + 2), round2(base + 2), round2(base), round2(base)}
}

// wholeLaps floors a lap projection, tolerating float noise just below an
// integer.
func wholeLaps(v float64) int {
	return int(math.Floor(v + 1e-9))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
