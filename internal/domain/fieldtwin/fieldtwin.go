// Package fieldtwin models the competitive field: a behavioral profile per
// competitor and the strategic opportunities the field currently offers.
package fieldtwin

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
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

// FieldTarget is the target id of opportunities that concern the whole field.
const FieldTarget = "field"

// Twin is the field model. Update and the event methods are called by a
// single worker; readers may call the accessors concurrently.
type Twin struct {
	ourID             string
	raceLaps          int
	lapWindow         int
	positionWindow    int
	undercutThreshold float64
	undercutFrames    int
	maxOpportunities  int
	eventHistory      int
	budget            time.Duration

	log   logger.Logger
	clock timeutil.Clock

	mu sync.RWMutex
	st field
}

// ourCar tracks the controlled car only as far as the field needs it.
type ourCar struct {
	present bool
	sample  model.CarSample
	pace    pace
	cumTime float64
	cumLaps int
	gap     float64
}

// field is everything Update mutates, advanced on a copy and swapped in.
type field struct {
	seq       uint64
	lap       int
	updatedAt time.Time
	applied   bool
	// rebased is set until the first frame of a new source is applied.
	rebased   bool
	status    model.TrackStatus

	comps   map[string]competitor
	us      ourCar
	streaks map[string]int

	eventOpps []model.StrategicOpportunity
	opps      []model.StrategicOpportunity
	events    []model.RaceEvent
}

func (f field) clone() field {
	out := f
	out.comps = make(map[string]competitor, len(f.comps))
	for id, c := range f.comps {
		out.comps[id] = c.clone()
	}
	out.us.pace = f.us.pace.clone()
	out.us.sample.SectorTimes = slices.Clone(f.us.sample.SectorTimes)
	out.streaks = maps.Clone(f.streaks)
	if out.streaks == nil {
		out.streaks = make(map[string]int)
	}
	out.eventOpps = slices.Clone(f.eventOpps)
	out.opps = slices.Clone(f.opps)
	out.events = slices.Clone(f.events)
	return out
}

// New creates a field twin that treats ourID as the controlled car.
func New(ourID string, raceLaps int, opts ...Option) *Twin {
	t := &Twin{
		ourID:             ourID,
		raceLaps:          raceLaps,
		lapWindow:         20,
		positionWindow:    50,
		undercutThreshold: 0.5,
		undercutFrames:    3,
		maxOpportunities:  5,
		eventHistory:      20,
		budget:            300 * time.Millisecond,
		log:               logger.Nop(),
		clock:             timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.st = field{
		comps:   make(map[string]competitor),
		streaks: make(map[string]int),
		status:  model.TrackGreen,
	}
	return t
}

// Restore seeds the twin from a recovered state. Rolling windows start empty.
func (t *Twin) Restore(s model.FieldTwinState) {
	f := field{
		seq:       s.Sequence,
		lap:       s.Lap,
		updatedAt: s.UpdatedAt,
		applied:   !s.UpdatedAt.IsZero(),
		rebased:   !s.UpdatedAt.IsZero(),
		status:    model.TrackGreen,
		comps:     make(map[string]competitor, len(s.Competitors)),
		streaks:   make(map[string]int),
		events:    slices.Clone(s.Events),
	}
	for _, p := range s.Competitors {
		c := competitor{profile: p}
		c.profile.PitStops = slices.Clone(p.PitStops)
		c.lastAge = p.Tire.Age
		if n := len(p.PitStops); n > 0 {
			c.lastPit = p.PitStops[n-1].Lap
		}
		f.comps[p.ID] = c
	}
	for _, o := range s.Opportunities {
		switch o.Type {
		case model.OpportunityPitResp, model.OpportunitySafetyCar, model.OpportunityRestart:
			f.eventOpps = append(f.eventOpps, o)
		}
	}
	f.opps = slices.Clone(s.Opportunities)

	t.mu.Lock()
	t.st = f
	t.mu.Unlock()
}

// Rebase marks the start of a new source. The next frame is not ordered
// against the previous source's clock, tire age drops on it are not pit stops
// and the lap windows restart. Profiles, stops and behavior scores carry over.
func (t *Twin) Rebase(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.st.applied {
		return
	}
	t.st.rebased = true
	for id, c := range t.st.comps {
		c.pace = pace{}
		t.st.comps[id] = c
	}
	t.st.us.pace = pace{}
	t.st.streaks = make(map[string]int)
	t.log.Debug(ctx, "field twin rebased", logger.Int("lap", t.st.lap))
}

// Update folds frame into every competitor profile. A competitor whose tire
// age dropped is treated as having pitted and the pit event is applied in the
// same call.
func (t *Twin) Update(ctx context.Context, frame model.NormalizedFrame) (model.FieldTwinState, error) {
	start := t.clock.Now()
	ctx, span := tracer.Start(ctx, "fieldtwin.Update", trace.WithAttributes(
		attribute.Int("lap", frame.Lap),
		attribute.Int("cars", len(frame.Cars)),
	))
	defer span.End()

	t.mu.RLock()
	cur := t.st.clone()
	t.mu.RUnlock()

	ordered := cur.applied && !cur.rebased
	if ordered && frame.Timestamp.Equal(cur.updatedAt) && frame.Lap == cur.lap {
		return t.snapshot(&cur), nil
	}
	if ordered && frame.Timestamp.Before(cur.updatedAt) {
		err := fmt.Errorf("%w: %s before %s", ErrStaleFrame, frame.Timestamp, cur.updatedAt)
		span.SetStatus(codes.Error, err.Error())
		return t.snapshot(&cur), err
	}

	type pit struct {
		id   string
		stop model.PitStop
	}
	var pits []pit
	newLaps := make(map[string]bool)

	cur.us.present = false
	for _, car := range frame.Cars {
		if car.ID == t.ourID {
			cur.us.present = true
			cur.us.sample = car
			if cur.us.pace.observe(frame.Lap, car, t.lapWindow) {
				cur.us.cumTime += car.LapTime
				cur.us.cumLaps++
			}
			continue
		}
		c, seen := cur.comps[car.ID]
		if !seen {
			c = newCompetitor(car.ID)
		}
		before := c.profile
		prevAge := c.lastAge
		if c.observe(frame.Lap, car, t.lapWindow, t.positionWindow) {
			newLaps[car.ID] = true
		}
		if seen && !cur.rebased && car.Tire.Age < prevAge {
			pits = append(pits, pit{id: car.ID, stop: model.PitStop{
				Lap:            frame.Lap,
				TireAgeBefore:  prevAge,
				CompoundBefore: before.Tire.Compound,
				CompoundAfter:  car.Tire.Compound,
				PositionBefore: before.Position,
				PositionAfter:  car.Position,
			}})
		}
		cur.comps[car.ID] = c
	}

	cur.seq++
	cur.lap = frame.Lap
	cur.updatedAt = frame.Timestamp
	cur.applied = true
	cur.rebased = false
	cur.status = frame.Track.Status

	t.derive(&cur, newLaps)

	for _, p := range pits {
		ev := model.RaceEvent{Type: model.EventPitDetected, CarID: p.id, Lap: frame.Lap, Timestamp: frame.Timestamp}
		stop := p.stop
		if err := t.applyEvent(ctx, &cur, ev, &stop); err != nil {
			t.log.Warn(ctx, "pit event not applied", logger.String("car_id", p.id), logger.Error(err))
		}
	}
	t.detect(ctx, &cur, true)

	elapsed := t.clock.Since(start)
	over := t.budget > 0 && elapsed > t.budget
	if over {
		metrics.RecordBudgetExceeded("field_twin")
		t.log.Warn(ctx, "field twin update exceeded budget",
			logger.Duration("elapsed", elapsed),
			logger.Duration("budget", t.budget),
			logger.Int("lap", frame.Lap))
	}
	measureUpdate(ctx, elapsed, over)
	metrics.RecordTwinUpdateLatency("field", float64(elapsed)/float64(time.Millisecond))

	out := t.snapshot(&cur)
	t.mu.Lock()
	t.st = cur
	t.mu.Unlock()
	return out, nil
}

// OnEvent applies a race event at the current lap. pit_detected requires a
// known carID.
func (t *Twin) OnEvent(ctx context.Context, eventType model.EventType, carID string) (model.FieldTwinState, error) {
	t.mu.RLock()
	lap, ts := t.st.lap, t.st.updatedAt
	t.mu.RUnlock()
	if ts.IsZero() {
		ts = t.clock.Now().UTC()
	}
	return t.ApplyEvent(ctx, model.RaceEvent{Type: eventType, CarID: carID, Lap: lap, Timestamp: ts})
}

// ApplyEvent applies ev and re-runs opportunity detection.
func (t *Twin) ApplyEvent(ctx context.Context, ev model.RaceEvent) (model.FieldTwinState, error) {
	ctx, span := tracer.Start(ctx, "fieldtwin.ApplyEvent", trace.WithAttributes(
		attribute.String(eventTypeKey, string(ev.Type)),
		attribute.String("car_id", ev.CarID),
	))
	defer span.End()

	t.mu.RLock()
	cur := t.st.clone()
	t.mu.RUnlock()

	if ev.Lap < cur.lap {
		ev.Lap = cur.lap
	}
	if err := t.applyEvent(ctx, &cur, ev, nil); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return t.snapshot(&cur), err
	}
	cur.seq++
	t.detect(ctx, &cur, false)

	out := t.snapshot(&cur)
	t.mu.Lock()
	t.st = cur
	t.mu.Unlock()
	return out, nil
}

// applyEvent mutates f for ev. stop carries the observed pit when the event
// was detected from telemetry.
func (t *Twin) applyEvent(ctx context.Context, f *field, ev model.RaceEvent, stop *model.PitStop) error {
	if !ev.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	lap := max(ev.Lap, f.lap)

	switch ev.Type {
	case model.EventPitDetected:
		if ev.CarID == "" {
			return ErrMissingEventCar
		}
		c, ok := f.comps[ev.CarID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCar, ev.CarID)
		}
		if n := len(c.profile.PitStops); n > 0 && c.profile.PitStops[n-1].Lap == lap {
			return nil
		}
		if stop == nil {
			stop = &model.PitStop{
				Lap:            lap,
				TireAgeBefore:  c.lastAge,
				CompoundBefore: c.profile.Tire.Compound,
				CompoundAfter:  c.profile.Tire.Compound,
				PositionBefore: c.profile.Position,
				PositionAfter:  c.profile.Position,
			}
		}
		c.recordPit(*stop)
		c.updateStrategy(t.raceLaps)
		c.updatePitProbability(lap, t.raceLaps)
		f.comps[ev.CarID] = c
		delete(f.streaks, ev.CarID)
		metrics.RecordPitStop("field")

		if threatRank(c.profile.ThreatLevel) >= threatRank(model.ThreatMedium) {
			f.addEventOpportunity(model.StrategicOpportunity{
				Type: model.OpportunityPitResp, TargetID: ev.CarID, Probability: 0.7,
				ExecutionLap: lap + 1, DetectedLap: lap,
			})
		}
		t.log.Info(ctx, "competitor pit stop",
			logger.String("car_id", ev.CarID),
			logger.Int("lap", lap),
			logger.Float64("undercut_tendency", c.profile.Profile.UndercutTendency))

	case model.EventSafetyCar, model.EventVirtualSafetyCar:
		f.addEventOpportunity(model.StrategicOpportunity{
			Type: model.OpportunitySafetyCar, TargetID: FieldTarget, Probability: 0.9,
			ExecutionLap: lap, DetectedLap: lap,
		})

	case model.EventRestart:
		f.addEventOpportunity(model.StrategicOpportunity{
			Type: model.OpportunityRestart, TargetID: FieldTarget, Probability: 0.6,
			ExecutionLap: lap, DetectedLap: lap,
		})
	}

	ev.Lap = lap
	f.events = append(f.events, ev)
	if len(f.events) > t.eventHistory {
		f.events = f.events[len(f.events)-t.eventHistory:]
	}
	countEvent(ctx, string(ev.Type))
	metrics.RecordRaceEvent(string(ev.Type))
	return nil
}

func (f *field) addEventOpportunity(o model.StrategicOpportunity) {
	for i, e := range f.eventOpps {
		if e.Type == o.Type && e.TargetID == o.TargetID {
			f.eventOpps[i] = o
			return
		}
	}
	f.eventOpps = append(f.eventOpps, o)
}

// derive recomputes every competitor's derived fields after a frame.
func (t *Twin) derive(f *field, newLaps map[string]bool) {
	leaderLaps, leaderCum, leaderKnown := f.leaderTiming()

	lastLapAt := make(map[int]float64, len(f.comps)+1)
	for _, c := range f.comps {
		lastLapAt[c.profile.Position] = c.profile.LastLapTime
	}
	if f.us.present {
		lastLapAt[f.us.sample.Position] = f.us.sample.LapTime
		f.us.gap = gapToLeader(f.us.sample.Position, f.us.cumLaps, f.us.cumTime, leaderLaps, leaderCum, leaderKnown)
	}

	for id, c := range f.comps {
		p := &c.profile
		p.GapToLeader = gapToLeader(p.Position, c.cumLaps, c.cumTime, leaderLaps, leaderCum, leaderKnown)
		if newLaps[id] {
			c.updateDefense(lastLapAt[p.Position+1])
			c.updateTireManagement()
		}
		c.updateStrategy(t.raceLaps)
		c.updatePitProbability(f.lap, t.raceLaps)
		p.PredictedLapTime = c.pace.predict(p.Tire.Wear, p.FuelLevel, p.LastLapTime)
		f.comps[id] = c
	}

	us := f.view()
	for id, c := range f.comps {
		c.updateThreat(us)
		f.comps[id] = c
	}
}

// leaderTiming returns the cumulative timing of the car in P1.
func (f *field) leaderTiming() (laps int, cum float64, ok bool) {
	if f.us.present && f.us.sample.Position == 1 {
		return f.us.cumLaps, f.us.cumTime, true
	}
	for _, c := range f.comps {
		if c.profile.Position == 1 {
			return c.cumLaps, c.cumTime, true
		}
	}
	return 0, 0, false
}

func gapToLeader(position, laps int, cum float64, leaderLaps int, leaderCum float64, leaderKnown bool) float64 {
	if position == 1 {
		return 0
	}
	if leaderKnown && laps > 0 && laps == leaderLaps {
		return round3(max(0, cum-leaderCum))
	}
	return float64(position-1) * defaultGap
}

func (f *field) view() ourView {
	if !f.us.present {
		return ourView{}
	}
	return ourView{
		present:   true,
		position:  f.us.sample.Position,
		gap:       f.us.gap,
		tireAge:   f.us.sample.Tire.Age,
		predicted: f.us.pace.predict(f.us.sample.Tire.Wear, f.us.sample.FuelLevel, f.us.sample.LapTime),
	}
}

// snapshot renders f as a FieldTwinState ordered by position.
func (t *Twin) snapshot(f *field) model.FieldTwinState {
	out := model.FieldTwinState{
		Sequence:      f.seq,
		Lap:           f.lap,
		UpdatedAt:     f.updatedAt,
		Competitors:   make([]model.CompetitorProfile, 0, len(f.comps)),
		Opportunities: slices.Clone(f.opps),
		Events:        slices.Clone(f.events),
	}
	for _, c := range f.comps {
		p := c.profile
		p.PitStops = slices.Clone(p.PitStops)
		out.Competitors = append(out.Competitors, p)
	}
	sort.Slice(out.Competitors, func(i, j int) bool {
		a, b := out.Competitors[i], out.Competitors[j]
		if a.Position != b.Position {
			return a.Position < b.Position
		}
		return a.ID < b.ID
	})
	return out
}

// State returns a copy of the current state.
func (t *Twin) State() model.FieldTwinState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshot(&t.st)
}

// PredictLapTimes returns each competitor's predicted next lap time.
func (t *Twin) PredictLapTimes() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.st.comps))
	for id, c := range t.st.comps {
		out[id] = c.profile.PredictedLapTime
	}
	return out
}

// DetectOpportunities re-evaluates opportunities against the current state
// without advancing undercut streaks.
func (t *Twin) DetectOpportunities(ctx context.Context) []model.StrategicOpportunity {
	t.mu.RLock()
	cur := t.st.clone()
	t.mu.RUnlock()
	t.detect(ctx, &cur, false)
	return cur.opps
}
