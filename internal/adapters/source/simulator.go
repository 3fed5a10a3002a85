package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/timeutil"
)

// SimulatedName is the name of the simulated source.
const SimulatedName = "simulated"

// Dialects the simulator can emit.
const (
	DialectNested = "nested"
	DialectFlat   = "flat"
)

const (
	pitWear           = 0.7
	safetyCarChance   = 0.01
	safetyCarLaps     = 3
	safetyCarSlowdown = 25.0
)

// grid is the simulated entry list; car 44 is the default controlled car.
var grid = []string{
	"1", "11", "44", "63", "16", "55", "4", "81", "14", "18",
	"31", "10", "23", "2", "22", "3", "77", "24", "27", "20",
}

var wearRates = map[model.Compound]float64{
	model.CompoundSoft:   0.04,
	model.CompoundMedium: 0.03,
	model.CompoundHard:   0.02,
}

var compounds = []model.Compound{model.CompoundSoft, model.CompoundMedium, model.CompoundHard}

// Simulator is a deterministic race generator. Two simulators with the same
// seed produce the same sequence of frames.
type Simulator struct {
	seed     int64
	interval time.Duration
	lapEvery int
	dialect  string
	clock    timeutil.Clock
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithSeed sets the random seed.
func WithSeed(seed int64) SimulatorOption {
	return func(s *Simulator) { s.seed = seed }
}

// WithInterval sets the pause between frames. Zero emits frames immediately.
func WithInterval(d time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if d >= 0 {
			s.interval = d
		}
	}
}

// WithLapEvery sets how many frames make one lap.
func WithLapEvery(n int) SimulatorOption {
	return func(s *Simulator) {
		if n > 0 {
			s.lapEvery = n
		}
	}
}

// WithDialect selects the nested or flat wire layout.
func WithDialect(d string) SimulatorOption {
	return func(s *Simulator) {
		if d == DialectNested || d == DialectFlat {
			s.dialect = d
		}
	}
}

// WithSimulatorClock replaces the wall clock.
func WithSimulatorClock(c timeutil.Clock) SimulatorOption {
	return func(s *Simulator) {
		if c != nil {
			s.clock = c
		}
	}
}

// NewSimulator creates a simulator.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		seed:     1,
		interval: time.Second,
		lapEvery: 5,
		dialect:  DialectNested,
		clock:    timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Source.
func (s *Simulator) Name() string { return SimulatedName }

// Open starts a fresh race. It never fails.
func (s *Simulator) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seed := uint64(s.seed)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	r := &simRace{
		rng:         rng,
		start:       s.clock.Now().UTC(),
		lap:         1,
		temperature: 25,
		weather:     model.WeatherSunny,
		status:      model.TrackGreen,
	}
	for i, id := range grid {
		base := 80 + rng.Float64()*6
		r.cars = append(r.cars, &simCar{
			id:       id,
			position: i + 1,
			base:     base,
			compound: compounds[rng.IntN(len(compounds))],
			age:      rng.IntN(16),
			wear:     round3(rng.Float64() * 0.3),
			fuel:     round3(0.6 + rng.Float64()*0.4),
			lapTime:  round3(base),
			speed:    280 + rng.Float64()*40,
		})
	}
	return &simStream{sim: s, race: r}, nil
}

type simCar struct {
	id       string
	position int
	base     float64
	compound model.Compound
	age      int
	wear     float64
	fuel     float64
	lapTime  float64
	speed    float64
	total    float64
}

type simRace struct {
	rng         *rand.Rand
	start       time.Time
	frame       int
	lap         int
	temperature float64
	weather     model.Weather
	status      model.TrackStatus
	scLapsLeft  int
	cars        []*simCar
}

type simStream struct {
	sim  *Simulator
	race *simRace

	mu     sync.Mutex
	closed bool
}

func (st *simStream) Next(ctx context.Context) (model.RawSample, error) {
	if st.sim.interval > 0 {
		select {
		case <-ctx.Done():
			return model.RawSample{}, ctx.Err()
		case <-st.sim.clock.After(st.sim.interval):
		}
	} else if err := ctx.Err(); err != nil {
		return model.RawSample{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return model.RawSample{}, ErrClosed
	}
	st.race.advance(st.sim.lapEvery)
	payload, err := st.race.encode(st.sim.dialect, st.sim.interval)
	if err != nil {
		return model.RawSample{}, fmt.Errorf("encode simulated frame: %w", err)
	}
	return sample(SimulatedName, payload, st.sim.clock.Now().UTC()), nil
}

func (st *simStream) Close() error {
	st.mu.Lock()
	st.closed = true
	st.mu.Unlock()
	return nil
}

// advance moves the race by one frame; every lapEvery frames a lap completes.
func (r *simRace) advance(lapEvery int) {
	r.frame++
	r.temperature = math.Max(15, math.Min(45, r.temperature+(r.rng.Float64()-0.5)*0.4))
	for _, c := range r.cars {
		c.speed = math.Max(200, math.Min(340, c.speed+(r.rng.Float64()-0.5)*10))
	}
	if r.frame == 1 || r.frame%lapEvery != 0 {
		return
	}

	r.lap++
	switch {
	case r.scLapsLeft > 0:
		r.scLapsLeft--
		if r.scLapsLeft == 0 {
			r.status = model.TrackGreen
		}
	case r.rng.Float64() < safetyCarChance:
		r.status = model.TrackSafetyCar
		r.scLapsLeft = safetyCarLaps
	}

	for _, c := range r.cars {
		c.age++
		c.wear = math.Min(1, round3(c.wear+wearRates[c.compound]*(0.8+r.rng.Float64()*0.4)))
		c.fuel = math.Max(0, round3(c.fuel-(0.012+r.rng.Float64()*0.006)))
		lt := c.base + 2*c.wear + 0.5*c.fuel + (r.rng.Float64()-0.5)*0.6
		if r.status.Neutralized() {
			lt += safetyCarSlowdown
		}
		c.lapTime = round3(lt)
		c.total += c.lapTime
		if c.wear >= pitWear {
			c.compound = compounds[r.rng.IntN(len(compounds))]
			c.age = 0
			c.wear = 0
			c.total += 22
		}
	}
	sort.SliceStable(r.cars, func(i, j int) bool { return r.cars[i].total < r.cars[j].total })
	for i, c := range r.cars {
		c.position = i + 1
	}
}

type nestedTrack struct {
	Temperature float64 `json:"temperature"`
	Weather     string  `json:"weather"`
	TrackStatus string  `json:"track_status"`
}

type nestedTire struct {
	Compound  string  `json:"compound"`
	Age       int     `json:"age"`
	WearLevel float64 `json:"wear_level"`
}

type nestedCar struct {
	CarID       string     `json:"car_id"`
	Position    int        `json:"position"`
	Speed       float64    `json:"speed"`
	Tire        nestedTire `json:"tire"`
	FuelLevel   float64    `json:"fuel_level"`
	LapTime     float64    `json:"lap_time"`
	SectorTimes []float64  `json:"sector_times"`
}

type nestedFrame struct {
	Timestamp       time.Time   `json:"timestamp"`
	Lap             int         `json:"lap"`
	SessionType     string      `json:"session_type"`
	TrackConditions nestedTrack `json:"track_conditions"`
	Cars            []nestedCar `json:"cars"`
}

type flatCar struct {
	ID           string  `json:"id"`
	Position     int     `json:"position"`
	Speed        float64 `json:"speed"`
	TireCompound string  `json:"tire_compound"`
	TireAge      int     `json:"tire_age"`
	TireWear     float64 `json:"tire_wear"`
	FuelLevel    float64 `json:"fuel_level"`
	LapTime      float64 `json:"lap_time"`
}

type flatFrame struct {
	Timestamp        time.Time `json:"timestamp"`
	Lap              int       `json:"lap"`
	TrackTemperature float64   `json:"track_temperature"`
	Weather          string    `json:"weather"`
	TrackStatus      string    `json:"track_status"`
	Cars             []flatCar `json:"cars"`
}

func (r *simRace) encode(dialect string, interval time.Duration) ([]byte, error) {
	step := interval
	if step <= 0 {
		step = time.Second
	}
	ts := r.start.Add(time.Duration(r.frame) * step)

	if dialect == DialectFlat {
		f := flatFrame{
			Timestamp:        ts,
			Lap:              r.lap,
			TrackTemperature: round3(r.temperature),
			Weather:          string(r.weather),
			TrackStatus:      string(r.status),
		}
		for _, c := range r.cars {
			f.Cars = append(f.Cars, flatCar{
				ID: c.id, Position: c.position, Speed: round3(c.speed),
				TireCompound: string(c.compound), TireAge: c.age, TireWear: c.wear,
				FuelLevel: c.fuel, LapTime: c.lapTime,
			})
		}
		return json.Marshal(f)
	}

	f := nestedFrame{
		Timestamp:   ts,
		Lap:         r.lap,
		SessionType: string(model.SessionRace),
		TrackConditions: nestedTrack{
			Temperature: round3(r.temperature),
			Weather:     string(r.weather),
			TrackStatus: string(r.status),
		},
	}
	for _, c := range r.cars {
		f.Cars = append(f.Cars, nestedCar{
			CarID:       c.id,
			Position:    c.position,
			Speed:       round3(c.speed),
			Tire:        nestedTire{Compound: string(c.compound), Age: c.age, WearLevel: c.wear},
			FuelLevel:   c.fuel,
			LapTime:     c.lapTime,
			SectorTimes: []float64{round3(c.lapTime * 0.32), round3(c.lapTime * 0.38), round3(c.lapTime * 0.30)},
		})
	}
	return json.Marshal(f)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
