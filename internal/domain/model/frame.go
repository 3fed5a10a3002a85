// Package model contains the domain types passed between ingestion, the twins
// and the state coordinator. JSON names are the persisted and wire contract.
package model

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Weather conditions accepted from telemetry.
type Weather string

const (
	WeatherSunny   Weather = "sunny"
	WeatherCloudy  Weather = "cloudy"
	WeatherRain    Weather = "rain"
	WeatherDrizzle Weather = "drizzle"
	WeatherStorm   Weather = "storm"
)

// TrackStatus is the race control flag state.
type TrackStatus string

const (
	TrackGreen            TrackStatus = "green"
	TrackYellow           TrackStatus = "yellow"
	TrackRed              TrackStatus = "red"
	TrackSafetyCar        TrackStatus = "safety_car"
	TrackVirtualSafetyCar TrackStatus = "virtual_safety_car"
)

// Neutralized reports whether the field runs behind a (virtual) safety car.
func (s TrackStatus) Neutralized() bool {
	return s == TrackSafetyCar || s == TrackVirtualSafetyCar
}

// Compound is a tire compound.
type Compound string

const (
	CompoundSoft         Compound = "soft"
	CompoundMedium       Compound = "medium"
	CompoundHard         Compound = "hard"
	CompoundIntermediate Compound = "intermediate"
	CompoundWet          Compound = "wet"
)

// SessionType is the session the telemetry belongs to.
type SessionType string

const (
	SessionPractice   SessionType = "practice"
	SessionQualifying SessionType = "qualifying"
	SessionRace       SessionType = "race"
	SessionSprint     SessionType = "sprint"
)

// RawSample is a source-native payload awaiting validation.
type RawSample struct {
	Source     string
	Payload    []byte
	ReceivedAt time.Time
}

// Track holds track conditions.
type Track struct {
	Temperature float64     `json:"temperature"`
	Weather     Weather     `json:"weather"`
	Status      TrackStatus `json:"status"`
}

// Tire is the tire state of one car.
type Tire struct {
	Compound Compound `json:"compound"`
	Age      int      `json:"age"`
	Wear     float64  `json:"wear"`
}

// CarSample is one car's telemetry inside a frame.
type CarSample struct {
	ID          string    `json:"id"`
	Position    int       `json:"position"`
	Speed       float64   `json:"speed"`
	Tire        Tire      `json:"tire"`
	FuelLevel   float64   `json:"fuel_level"`
	LapTime     float64   `json:"lap_time"`
	SectorTimes []float64 `json:"sector_times"`
}

// NormalizedFrame is a validated telemetry snapshot for one instant. Cars are
// ordered by position.
type NormalizedFrame struct {
	Timestamp   time.Time   `json:"timestamp"`
	Lap         int         `json:"lap"`
	SessionType SessionType `json:"session_type,omitempty"`
	Track       Track       `json:"track"`
	Cars        []CarSample `json:"cars"`
}

// Car returns the sample for id.
func (f *NormalizedFrame) Car(id string) (CarSample, bool) {
	for _, c := range f.Cars {
		if c.ID == id {
			return c, true
		}
	}
	return CarSample{}, false
}

// Clone returns a deep copy.
func (f NormalizedFrame) Clone() NormalizedFrame {
	out := f
	if f.Cars != nil {
		out.Cars = make([]CarSample, len(f.Cars))
	}
	for i, c := range f.Cars {
		c.SectorTimes = append([]float64(nil), c.SectorTimes...)
		out.Cars[i] = c
	}
	return out
}

// Fingerprint identifies a frame by content. Identical frames delivered twice
// share a fingerprint.
func (f *NormalizedFrame) Fingerprint() string {
	b, err := json.Marshal(f)
	if err != nil {
		return strconv.FormatInt(f.Timestamp.UnixNano(), 16) + "-" + strconv.Itoa(f.Lap)
	}
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}
