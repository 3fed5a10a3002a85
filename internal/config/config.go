// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - New() returns a Config populated with defaults.
// - Nested sections map to nested koanf keys (telemetry.max_failures).
// - Validation errors wrap ErrInvalidConfig.
package config

import (
	"fmt"
	"time"
)

// Source kinds.
const (
	SourceSimulated = "simulated"
	SourceStreamed  = "streamed"
)

// Streamed protocols.
const (
	ProtocolUDP       = "udp"
	ProtocolTCP       = "tcp"
	ProtocolWebSocket = "websocket"
	ProtocolMQTT      = "mqtt"
	ProtocolKafka     = "kafka"
	ProtocolPubSub    = "pubsub"
	ProtocolSerial    = "serial"
	ProtocolHTTP      = "http"
	ProtocolFile      = "file"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects text or json log output.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":9080".
	Addr string `koanf:"addr"`

	// QueueSize bounds each twin's message queue.
	QueueSize int `koanf:"queue_size"`

	// DedupeSize sets the number of frame fingerprints remembered.
	DedupeSize int `koanf:"dedupe_size"`

	Race      Race      `koanf:"race"`
	Telemetry Telemetry `koanf:"telemetry"`
	CarTwin   CarTwin   `koanf:"car_twin"`
	FieldTwin FieldTwin `koanf:"field_twin"`
	State     State     `koanf:"state"`
	Audit     Audit     `koanf:"audit"`
}

// Race describes the event being modeled.
type Race struct {
	// Laps is the scheduled race distance.
	Laps int `koanf:"laps"`
	// CarID is the controlled car.
	CarID string `koanf:"car_id"`
}

// Telemetry configures ingestion and fallback.
type Telemetry struct {
	Source Source `koanf:"source"`

	MaxFailures          int           `koanf:"max_failures"`
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	InitialBackoff       time.Duration `koanf:"initial_backoff"`
	MaxBackoff           time.Duration `koanf:"max_backoff"`
	NormalizeBudget      time.Duration `koanf:"normalize_budget"`

	Simulator Simulator `koanf:"simulator"`
}

// Source selects and parameterizes a telemetry source. Fields irrelevant to
// the chosen protocol are ignored.
type Source struct {
	Kind     string `koanf:"kind" json:"kind"`
	Protocol string `koanf:"protocol" json:"protocol,omitempty"`

	// Address is host:port for udp/tcp, a ws:// URL for websocket, a broker
	// URL for mqtt, a device path for serial or a file path for replay.
	Address string `koanf:"address" json:"address,omitempty"`

	// Topic names the mqtt/kafka topic or the pubsub subscription URL.
	Topic string `koanf:"topic" json:"topic,omitempty"`

	Brokers  []string `koanf:"brokers" json:"brokers,omitempty"`
	GroupID  string   `koanf:"group_id" json:"group_id,omitempty"`
	ClientID string   `koanf:"client_id" json:"client_id,omitempty"`
	BaudRate int      `koanf:"baud_rate" json:"baud_rate,omitempty"`

	// Interval paces file replay. Zero replays as fast as the consumer reads.
	Interval time.Duration `koanf:"interval" json:"interval,omitempty"`
}

// Validate checks that the source can be constructed.
func (s Source) Validate() error {
	switch s.Kind {
	case SourceSimulated:
		return nil
	case SourceStreamed:
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidConfig, s.Kind)
	}
	switch s.Protocol {
	case ProtocolHTTP:
		return nil
	case ProtocolUDP, ProtocolTCP, ProtocolWebSocket, ProtocolMQTT, ProtocolSerial, ProtocolFile:
		if s.Address == "" {
			return fmt.Errorf("%w: %s source needs an address", ErrInvalidConfig, s.Protocol)
		}
	case ProtocolKafka:
		if len(s.Brokers) == 0 || s.Topic == "" {
			return fmt.Errorf("%w: kafka source needs brokers and topic", ErrInvalidConfig)
		}
	case ProtocolPubSub:
		if s.Topic == "" {
			return fmt.Errorf("%w: pubsub source needs a subscription url in topic", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown protocol %q", ErrInvalidConfig, s.Protocol)
	}
	if s.Protocol == ProtocolMQTT && s.Topic == "" {
		return fmt.Errorf("%w: mqtt source needs a topic", ErrInvalidConfig)
	}
	return nil
}

// Simulator parameterizes the simulated source.
type Simulator struct {
	Seed     int64         `koanf:"seed"`
	Interval time.Duration `koanf:"interval"`
	// LapEvery is how many frames make one lap.
	LapEvery int `koanf:"lap_every"`
}

// CarTwin configures the controlled-car model.
type CarTwin struct {
	HistorySize        int           `koanf:"history_size"`
	FuelWindow         int           `koanf:"fuel_window"`
	SafetyMargin       int           `koanf:"safety_margin"`
	BaselineLaps       int           `koanf:"baseline_laps"`
	BaselineWindow     int           `koanf:"baseline_window"`
	MeasuredWeight     float64       `koanf:"measured_weight"`
	DefaultDegradation float64       `koanf:"default_degradation"`
	DefaultConsumption float64       `koanf:"default_consumption"`
	UpdateBudget       time.Duration `koanf:"update_budget"`
}

// FieldTwin configures the competitor model.
type FieldTwin struct {
	LapWindow         int           `koanf:"lap_window"`
	PositionWindow    int           `koanf:"position_window"`
	UndercutThreshold float64       `koanf:"undercut_threshold"`
	UndercutFrames    int           `koanf:"undercut_frames"`
	MaxOpportunities  int           `koanf:"max_opportunities"`
	EventHistory      int           `koanf:"event_history"`
	UpdateBudget      time.Duration `koanf:"update_budget"`
}

// State configures the coordinator and its generation store.
type State struct {
	Dir                string        `koanf:"dir"`
	Generations        int           `koanf:"generations"`
	PersistInterval    time.Duration `koanf:"persist_interval"`
	MaxPersistFailures int           `koanf:"max_persist_failures"`
	LapTolerance       int           `koanf:"lap_tolerance"`
	StrictConsistency  bool          `koanf:"strict_consistency"`
}

// Audit configures the audit log.
type Audit struct {
	// Path is the sqlite database file. ":memory:" keeps the log in process.
	Path       string `koanf:"path"`
	MaxEntries int    `koanf:"max_entries"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:   "info",
		LogFormat:  "text",
		Addr:       ":9080",
		QueueSize:  1024,
		DedupeSize: 4096,
		Race: Race{
			Laps:  58,
			CarID: "44",
		},
		Telemetry: Telemetry{
			Source:               Source{Kind: SourceSimulated},
			MaxFailures:          5,
			MaxReconnectAttempts: 5,
			InitialBackoff:       500 * time.Millisecond,
			MaxBackoff:           10 * time.Second,
			NormalizeBudget:      250 * time.Millisecond,
			Simulator: Simulator{
				Seed:     1,
				Interval: time.Second,
				LapEvery: 5,
			},
		},
		CarTwin: CarTwin{
			HistorySize:        10,
			FuelWindow:         5,
			SafetyMargin:       2,
			BaselineLaps:       3,
			BaselineWindow:     10,
			MeasuredWeight:     0.5,
			DefaultDegradation: 0.008,
			DefaultConsumption: 0.015,
			UpdateBudget:       200 * time.Millisecond,
		},
		FieldTwin: FieldTwin{
			LapWindow:         20,
			PositionWindow:    50,
			UndercutThreshold: 0.5,
			UndercutFrames:    3,
			MaxOpportunities:  5,
			EventHistory:      20,
			UpdateBudget:      300 * time.Millisecond,
		},
		State: State{
			Dir:                "data/state",
			Generations:        5,
			PersistInterval:    5 * time.Second,
			MaxPersistFailures: 3,
			LapTolerance:       1,
		},
		Audit: Audit{
			Path:       "data/audit.db",
			MaxEntries: 10_000,
		},
	}
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.QueueSize <= 0:
		return fmt.Errorf("%w: queue_size must be positive", ErrInvalidConfig)
	case c.Race.Laps < 2:
		return fmt.Errorf("%w: race.laps must be at least 2", ErrInvalidConfig)
	case c.Race.CarID == "":
		return fmt.Errorf("%w: race.car_id must not be empty", ErrInvalidConfig)
	case c.Telemetry.MaxFailures <= 0:
		return fmt.Errorf("%w: telemetry.max_failures must be positive", ErrInvalidConfig)
	case c.Telemetry.InitialBackoff <= 0 || c.Telemetry.MaxBackoff < c.Telemetry.InitialBackoff:
		return fmt.Errorf("%w: telemetry backoff must satisfy 0 < initial_backoff <= max_backoff", ErrInvalidConfig)
	case c.CarTwin.HistorySize < 3:
		return fmt.Errorf("%w: car_twin.history_size must be at least 3", ErrInvalidConfig)
	case c.CarTwin.MeasuredWeight < 0 || c.CarTwin.MeasuredWeight > 1:
		return fmt.Errorf("%w: car_twin.measured_weight must be in [0,1]", ErrInvalidConfig)
	case c.FieldTwin.UndercutFrames <= 0:
		return fmt.Errorf("%w: field_twin.undercut_frames must be positive", ErrInvalidConfig)
	case c.State.Dir == "":
		return fmt.Errorf("%w: state.dir must not be empty", ErrInvalidConfig)
	case c.State.Generations <= 0:
		return fmt.Errorf("%w: state.generations must be positive", ErrInvalidConfig)
	case c.State.PersistInterval <= 0:
		return fmt.Errorf("%w: state.persist_interval must be positive", ErrInvalidConfig)
	case c.Audit.Path == "":
		return fmt.Errorf("%w: audit.path must not be empty", ErrInvalidConfig)
	}
	return c.Telemetry.Source.Validate()
}
