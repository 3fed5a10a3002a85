package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
)

const mqttTimeout = 5 * time.Second

// MQTT subscribes to a topic; every message carries one frame.
type MQTT struct {
	broker   string
	topic    string
	clientID string
}

// NewMQTT creates an MQTT source.
func NewMQTT(broker, topic, clientID string) *MQTT {
	if clientID == "" {
		clientID = "pitwall"
	}
	return &MQTT{broker: broker, topic: topic, clientID: clientID}
}

// Name implements Source.
func (m *MQTT) Name() string { return "mqtt" }

// Open connects to the broker and subscribes.
func (m *MQTT) Open(ctx context.Context) (Stream, error) {
	s := &mqttStream{msgs: make(chan []byte, 256), lost: make(chan error, 1), done: make(chan struct{})}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.broker)
	opts.SetClientID(m.clientID)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(mqttTimeout)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		select {
		case s.lost <- err:
		default:
		}
	}
	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if err := wait(ctx, token); err != nil {
		return nil, faults.New(faults.KindSourceUnavailable, "mqtt.connect", err)
	}
	sub := s.client.Subscribe(m.topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case s.msgs <- msg.Payload():
		case <-s.done:
		}
	})
	if err := wait(ctx, sub); err != nil {
		s.client.Disconnect(250)
		return nil, faults.New(faults.KindSourceUnavailable, "mqtt.subscribe", err)
	}
	return s, nil
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.Done():
		return t.Error()
	case <-time.After(mqttTimeout):
		return fmt.Errorf("mqtt: timed out after %s", mqttTimeout)
	}
}

type mqttStream struct {
	client mqtt.Client
	msgs   chan []byte
	lost   chan error
	done   chan struct{}
	once   sync.Once
}

func (s *mqttStream) Next(ctx context.Context) (model.RawSample, error) {
	select {
	case <-ctx.Done():
		return model.RawSample{}, ctx.Err()
	case <-s.done:
		return model.RawSample{}, ErrClosed
	case p := <-s.msgs:
		return sample("mqtt", p, time.Now().UTC()), nil
	case err := <-s.lost:
		return model.RawSample{}, faults.New(faults.KindSourceUnavailable, "mqtt.read", err)
	}
}

func (s *mqttStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.client.Disconnect(250)
	})
	return nil
}
