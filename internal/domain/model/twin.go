package model

import "time"

// CarCurrent holds the controlled car's current metrics.
type CarCurrent struct {
	Speed        float64   `json:"speed"`
	TireTemp     []float64 `json:"tire_temp"`
	TireWear     float64   `json:"tire_wear"`
	FuelLevel    float64   `json:"fuel_level"`
	LapTime      float64   `json:"lap_time"`
	TireCompound Compound  `json:"tire_compound,omitempty"`
	TireAge      int       `json:"tire_age"`
	Position     int       `json:"position,omitempty"`
}

// CarPredictions holds the car twin's derived predictions.
type CarPredictions struct {
	DegradationRate  float64 `json:"degradation_rate"`
	ConsumptionRate  float64 `json:"consumption_rate"`
	PredictedPitLap  int     `json:"predicted_pit_lap"`
	PerformanceDelta float64 `json:"performance_delta"`
}

// PitWindow is the inclusive lap range [start, end] for the next stop.
type PitWindow [2]int

// CarStrategy holds strategy metrics for the controlled car.
type CarStrategy struct {
	PitWindow         PitWindow `json:"pit_window"`
	TireLifeRemaining float64   `json:"tire_life_remaining"`
	FuelLapsRemaining float64   `json:"fuel_laps_remaining"`
	Stint             int       `json:"stint"`
	PitStops          int       `json:"pit_stops"`
}

// CarTwinState is the controlled car's modeled state.
type CarTwinState struct {
	ID          string         `json:"id"`
	Sequence    uint64         `json:"sequence"`
	Lap         int            `json:"lap"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Current     CarCurrent     `json:"current"`
	Predictions CarPredictions `json:"predictions"`
	Strategy    CarStrategy    `json:"strategy"`
}

// Clone returns a deep copy.
func (s CarTwinState) Clone() CarTwinState {
	out := s
	out.Current.TireTemp = append([]float64(nil), s.Current.TireTemp...)
	return out
}

// ThreatLevel grades how much a competitor endangers our race.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "low"
	ThreatMedium   ThreatLevel = "medium"
	ThreatHigh     ThreatLevel = "high"
	ThreatCritical ThreatLevel = "critical"
)

// BehaviorProfile holds EWMA behavioral scores, each in [0,1].
type BehaviorProfile struct {
	UndercutTendency  float64 `json:"undercut_tendency"`
	AggressiveDefense float64 `json:"aggressive_defense"`
	TireManagement    float64 `json:"tire_management"`
}

// PitStop records one observed stop.
type PitStop struct {
	Lap            int      `json:"lap"`
	TireAgeBefore  int      `json:"tire_age_before"`
	CompoundBefore Compound `json:"compound_before"`
	CompoundAfter  Compound `json:"compound_after"`
	PositionBefore int      `json:"position_before"`
	PositionAfter  int      `json:"position_after"`
}

// CompetitorProfile is the field twin's model of one competitor.
type CompetitorProfile struct {
	ID                string          `json:"id"`
	Position          int             `json:"position"`
	GapToLeader       float64         `json:"gap_to_leader"`
	PredictedStrategy string          `json:"predicted_strategy"`
	PitProbability    float64         `json:"pit_probability"`
	ThreatLevel       ThreatLevel     `json:"threat_level"`
	PredictedLapTime  float64         `json:"predicted_lap_time"`
	Tire              Tire            `json:"tire"`
	FuelLevel         float64         `json:"fuel_level"`
	LastLapTime       float64         `json:"last_lap_time"`
	PitStops          []PitStop       `json:"pit_stops"`
	Profile           BehaviorProfile `json:"profile"`
}

// OpportunityType names a strategic opportunity.
type OpportunityType string

const (
	OpportunityUndercut  OpportunityType = "undercut_window"
	OpportunityOvercut   OpportunityType = "overcut_window"
	OpportunityDRS       OpportunityType = "drs_overtake"
	OpportunityPitResp   OpportunityType = "pit_response"
	OpportunitySafetyCar OpportunityType = "safety_car_opportunity"
	OpportunityRestart   OpportunityType = "restart_opportunity"
)

// StrategicOpportunity is a detected, time-bounded advantage window.
type StrategicOpportunity struct {
	Type         OpportunityType `json:"type"`
	TargetID     string          `json:"target_id"`
	Probability  float64         `json:"probability"`
	ExecutionLap int             `json:"execution_lap"`
	DetectedLap  int             `json:"detected_lap"`
}

// EventType names a discrete race event.
type EventType string

const (
	EventPitDetected      EventType = "pit_detected"
	EventSafetyCar        EventType = "safety_car"
	EventVirtualSafetyCar EventType = "virtual_safety_car"
	EventRestart          EventType = "restart"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventPitDetected, EventSafetyCar, EventVirtualSafetyCar, EventRestart:
		return true
	}
	return false
}

// RaceEvent is a discrete race event.
type RaceEvent struct {
	Type      EventType `json:"type"`
	CarID     string    `json:"car_id,omitempty"`
	Lap       int       `json:"lap"`
	Timestamp time.Time `json:"timestamp"`
}

// FieldTwinState is the field twin's modeled state.
type FieldTwinState struct {
	Sequence      uint64                 `json:"sequence"`
	Lap           int                    `json:"lap"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Competitors   []CompetitorProfile    `json:"competitors"`
	Opportunities []StrategicOpportunity `json:"opportunities"`
	Events        []RaceEvent            `json:"events"`
}

// Competitor returns the profile for id.
func (s *FieldTwinState) Competitor(id string) (CompetitorProfile, bool) {
	for _, c := range s.Competitors {
		if c.ID == id {
			return c, true
		}
	}
	return CompetitorProfile{}, false
}

// Clone returns a deep copy.
func (s FieldTwinState) Clone() FieldTwinState {
	out := s
	if s.Competitors != nil {
		out.Competitors = make([]CompetitorProfile, len(s.Competitors))
	}
	for i, c := range s.Competitors {
		c.PitStops = append([]PitStop(nil), c.PitStops...)
		out.Competitors[i] = c
	}
	out.Opportunities = append([]StrategicOpportunity(nil), s.Opportunities...)
	out.Events = append([]RaceEvent(nil), s.Events...)
	return out
}
