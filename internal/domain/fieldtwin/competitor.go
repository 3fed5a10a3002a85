package fieldtwin

import (
	"math"
	"slices"

	"github.com/okian/pitwall/internal/domain/model"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Strategy labels.
const (
	StrategyOneStop   = "one_stop"
	StrategyTwoStop   = "two_stop"
	StrategyThreeStop = "three_stop"
)

// EWMA weights of the behavioral scores.
const (
	undercutAlpha       = 0.3
	defenseAlpha        = 0.1
	tireManagementAlpha = 0.2
	undercutGainNudge   = 0.1
	initialScore        = 0.5
	minLapsForProfile   = 5
	consistencyLaps     = 10
	referenceWearRate   = 0.05
	defaultGap          = 1.5
)

// optimalStint is the expected stint length per compound, in laps.
var optimalStint = map[model.Compound]float64{
	model.CompoundSoft:         20,
	model.CompoundMedium:       30,
	model.CompoundHard:         40,
	model.CompoundIntermediate: 25,
	model.CompoundWet:          30,
}

// lapSample is one completed lap with the conditions it was driven on.
type lapSample struct {
	lap     int
	lapTime float64
	wear    float64
	fuel    float64
}

// pace is the rolling lap history shared by competitors and our own car.
type pace struct {
	laps []lapSample
}

func (p pace) clone() pace {
	return pace{laps: slices.Clone(p.laps)}
}

// observe records the sample when it starts a new lap. It reports whether a
// lap was added.
func (p *pace) observe(lap int, c model.CarSample, window int) bool {
	if c.LapTime <= 0 {
		return false
	}
	if n := len(p.laps); n > 0 && p.laps[n-1].lap >= lap {
		return false
	}
	p.laps = append(p.laps, lapSample{lap: lap, lapTime: c.LapTime, wear: c.Tire.Wear, fuel: c.FuelLevel})
	if len(p.laps) > window {
		p.laps = p.laps[len(p.laps)-window:]
	}
	return true
}

func (p *pace) times() []float64 {
	out := make([]float64, len(p.laps))
	for i, l := range p.laps {
		out[i] = l.lapTime
	}
	return out
}

func (p *pace) rollingMean() float64 {
	if len(p.laps) == 0 {
		return 0
	}
	return stat.Mean(p.times(), nil)
}

// rates returns per-lap wear and fuel rates across the window, ignoring
// resets from stops.
func (p *pace) rates() (wearRate, fuelRate float64) {
	var wearSum, fuelSum float64
	var wearLaps, fuelLaps int
	for i := 1; i < len(p.laps); i++ {
		d := p.laps[i].lap - p.laps[i-1].lap
		if d <= 0 {
			continue
		}
		if w := p.laps[i].wear - p.laps[i-1].wear; w >= 0 {
			wearSum += w
			wearLaps += d
		}
		if f := p.laps[i-1].fuel - p.laps[i].fuel; f >= 0 {
			fuelSum += f
			fuelLaps += d
		}
	}
	if wearLaps > 0 {
		wearRate = wearSum / float64(wearLaps)
	}
	if fuelLaps > 0 {
		fuelRate = fuelSum / float64(fuelLaps)
	}
	return wearRate, fuelRate
}

// predict returns the degradation-adjusted next lap time: the cleanest lap
// corrected for wear and fuel, projected one lap forward.
func (p *pace) predict(wear, fuel, fallback float64) float64 {
	if len(p.laps) == 0 {
		return fallback
	}
	clean := math.Inf(1)
	for _, l := range p.laps {
		clean = math.Min(clean, l.lapTime-2*l.wear-0.5*l.fuel)
	}
	wearRate, fuelRate := p.rates()
	return round3(clean + 2*(wear+wearRate) + 0.5*math.Max(0, fuel-fuelRate))
}

// competitor is the mutable model behind one CompetitorProfile.
type competitor struct {
	profile   model.CompetitorProfile
	pace      pace
	positions []int
	lastAge   int
	lastPit   int
	cumTime   float64
	cumLaps   int
}

func newCompetitor(id string) competitor {
	return competitor{
		profile: model.CompetitorProfile{
			ID:                id,
			PredictedStrategy: StrategyOneStop,
			ThreatLevel:       model.ThreatLow,
			Profile: model.BehaviorProfile{
				UndercutTendency:  initialScore,
				AggressiveDefense: initialScore,
				TireManagement:    initialScore,
			},
		},
	}
}

func (c competitor) clone() competitor {
	out := c
	out.profile.PitStops = slices.Clone(c.profile.PitStops)
	out.pace = c.pace.clone()
	out.positions = slices.Clone(c.positions)
	return out
}

// observe folds one car sample in and reports whether a new lap completed.
func (c *competitor) observe(lap int, s model.CarSample, lapWindow, posWindow int) bool {
	p := &c.profile
	p.Position = s.Position
	p.Tire = s.Tire
	p.FuelLevel = s.FuelLevel
	if s.LapTime > 0 {
		p.LastLapTime = s.LapTime
	}

	c.positions = append(c.positions, s.Position)
	if len(c.positions) > posWindow {
		c.positions = c.positions[len(c.positions)-posWindow:]
	}
	c.lastAge = s.Tire.Age

	newLap := c.pace.observe(lap, s, lapWindow)
	if newLap {
		c.cumTime += s.LapTime
		c.cumLaps++
	}
	return newLap
}

// recordPit appends a stop and updates the undercut tendency.
func (c *competitor) recordPit(stop model.PitStop) {
	p := &c.profile
	stint := optimalStint[stop.CompoundBefore]
	if stint == 0 {
		stint = optimalStint[model.CompoundMedium]
	}
	optimalLap := float64(c.lastPit) + stint
	signal := clamp01(initialScore + (optimalLap-float64(stop.Lap))/stint)
	p.Profile.UndercutTendency = ewma(p.Profile.UndercutTendency, signal, undercutAlpha)
	if stop.PositionAfter < stop.PositionBefore {
		p.Profile.UndercutTendency = clamp01(p.Profile.UndercutTendency + undercutGainNudge)
	}

	p.PitStops = append(p.PitStops, stop)
	c.lastPit = stop.Lap
	c.pace.laps = c.pace.laps[:0]
}

// updateDefense applies the pressure signal when the car behind was faster
// on its last lap.
func (c *competitor) updateDefense(behindLapTime float64) {
	if behindLapTime <= 0 || c.profile.LastLapTime <= 0 || behindLapTime >= c.profile.LastLapTime {
		return
	}
	signal := clamp01(initialScore + (c.pace.rollingMean() - c.profile.LastLapTime))
	c.profile.Profile.AggressiveDefense = ewma(c.profile.Profile.AggressiveDefense, signal, defenseAlpha)
}

func (c *competitor) updateTireManagement() {
	if len(c.pace.laps) < minLapsForProfile {
		return
	}
	times := c.pace.times()
	if len(times) > consistencyLaps {
		times = times[len(times)-consistencyLaps:]
	}
	consistency := clamp01(1 - (floats.Max(times)-floats.Min(times))/5)
	wearRate, _ := c.pace.rates()
	signal := 0.5*consistency + 0.5*clamp01(1-wearRate/referenceWearRate)
	c.profile.Profile.TireManagement = ewma(c.profile.Profile.TireManagement, signal, tireManagementAlpha)
}

func (c *competitor) updateStrategy(raceLaps int) {
	p := &c.profile
	switch n := len(p.PitStops); {
	case n == 0:
		p.PredictedStrategy = StrategyOneStop
	case n == 1:
		if float64(p.PitStops[0].Lap) > float64(raceLaps)/2 {
			p.PredictedStrategy = StrategyOneStop
		} else {
			p.PredictedStrategy = StrategyTwoStop
		}
	default:
		p.PredictedStrategy = StrategyThreeStop
	}
}

// updatePitProbability estimates the chance of a stop within the next few
// laps from tire state, strategy phase and fuel.
func (c *competitor) updatePitProbability(lap, raceLaps int) {
	p := &c.profile
	tireFactor := math.Min(1, float64(p.Tire.Age)/25+p.Tire.Wear*0.5)
	fuelFactor := math.Max(0, 1-p.FuelLevel/0.3)
	p.PitProbability = round3(math.Min(1, 0.4*tireFactor+0.4*c.strategyFactor(lap, raceLaps)+0.2*fuelFactor))
}

func (c *competitor) strategyFactor(lap, raceLaps int) float64 {
	planned := map[string]int{StrategyOneStop: 1, StrategyTwoStop: 2, StrategyThreeStop: 3}[c.profile.PredictedStrategy]
	if planned <= len(c.profile.PitStops) || raceLaps <= 0 {
		return 0
	}
	expected := float64(raceLaps) / float64(planned+1)
	ratio := float64(lap-c.lastPit) / expected
	switch {
	case ratio >= 1:
		return 0.8
	case ratio >= 0.75:
		return 0.6
	case ratio >= 0.5:
		return 0.3
	default:
		return 0
	}
}

// ourView is what threat and opportunity scoring need to know about our car.
type ourView struct {
	present   bool
	position  int
	gap       float64
	tireAge   int
	predicted float64
}

func (c *competitor) updateThreat(us ourView) {
	p := &c.profile
	if !us.present {
		p.ThreatLevel = model.ThreatLow
		return
	}
	diff := abs(p.Position - us.position)
	gap := math.Abs(p.GapToLeader - us.gap)

	threat := model.ThreatLow
	switch {
	case diff > 3:
	case diff > 1:
		threat = model.ThreatMedium
	case gap < 5:
		threat = model.ThreatMedium
		if p.PitProbability > 0.6 || p.Profile.UndercutTendency > 0.7 {
			threat = model.ThreatHigh
		}
	case gap < 15:
		threat = model.ThreatMedium
	}

	if p.Tire.Age < 5 {
		switch threat {
		case model.ThreatLow:
			threat = model.ThreatMedium
		case model.ThreatMedium:
			threat = model.ThreatHigh
		}
	}
	if diff == 1 && gap < 1.5 && p.Tire.Age < us.tireAge {
		threat = model.ThreatCritical
	}
	p.ThreatLevel = threat
}

func threatRank(t model.ThreatLevel) int {
	switch t {
	case model.ThreatMedium:
		return 1
	case model.ThreatHigh:
		return 2
	case model.ThreatCritical:
		return 3
	default:
		return 0
	}
}

func ewma(prev, signal, alpha float64) float64 {
	return round3(clamp01((1-alpha)*prev + alpha*signal))
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
