package source

import (
	"fmt"

	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/timeutil"
)

// Factory builds sources from configuration.
type Factory struct {
	Simulator config.Simulator
	// Push receives payloads from the HTTP endpoint when the http protocol
	// is selected.
	Push  *Push
	Clock timeutil.Clock
	// OpenPort overrides the serial opener.
	OpenPort PortOpener
}

// New returns the source described by cfg.
func (f Factory) New(cfg config.Source) (Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := f.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Kind == config.SourceSimulated {
		return f.Fallback(), nil
	}
	switch cfg.Protocol {
	case config.ProtocolUDP:
		return NewUDP(cfg.Address), nil
	case config.ProtocolTCP:
		return NewTCP(cfg.Address), nil
	case config.ProtocolWebSocket:
		return NewWebSocket(cfg.Address), nil
	case config.ProtocolMQTT:
		return NewMQTT(cfg.Address, cfg.Topic, cfg.ClientID), nil
	case config.ProtocolKafka:
		return NewKafka(cfg.Brokers, cfg.Topic, cfg.GroupID), nil
	case config.ProtocolPubSub:
		return NewPubSub(cfg.Topic), nil
	case config.ProtocolSerial:
		return NewSerial(cfg.Address, cfg.BaudRate, f.OpenPort), nil
	case config.ProtocolFile:
		return NewFile(cfg.Address, cfg.Interval, clock), nil
	case config.ProtocolHTTP:
		if f.Push == nil {
			return nil, fmt.Errorf("%w: http source has no push endpoint", ErrUnsupportedProtocol)
		}
		return f.Push, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedProtocol, cfg.Protocol)
}

// Fallback returns the simulator used when streamed telemetry is lost.
func (f Factory) Fallback() Source {
	opts := []SimulatorOption{
		WithSeed(f.Simulator.Seed),
		WithInterval(f.Simulator.Interval),
		WithLapEvery(f.Simulator.LapEvery),
	}
	if f.Clock != nil {
		opts = append(opts, WithSimulatorClock(f.Clock))
	}
	return NewSimulator(opts...)
}
