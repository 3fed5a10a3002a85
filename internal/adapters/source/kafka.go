package source

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/segmentio/kafka-go"
)

// Kafka consumes frames from a topic. With a group id offsets are committed
// after each message is handed out.
type Kafka struct {
	brokers []string
	topic   string
	groupID string
}

// NewKafka creates a Kafka source.
func NewKafka(brokers []string, topic, groupID string) *Kafka {
	return &Kafka{brokers: brokers, topic: topic, groupID: groupID}
}

// Name implements Source.
func (k *Kafka) Name() string { return "kafka" }

// Open creates the reader. The connection is established lazily on the
// first fetch, so broker failures surface from Next.
func (k *Kafka) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       k.topic,
		GroupID:     k.groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.LastOffset,
	}
	if err := cfg.Validate(); err != nil {
		return nil, faults.New(faults.KindSourceUnavailable, "kafka.open", err)
	}
	return &kafkaStream{reader: kafka.NewReader(cfg), commit: k.groupID != ""}, nil
}

type kafkaStream struct {
	reader *kafka.Reader
	commit bool
}

func (s *kafkaStream) Next(ctx context.Context) (model.RawSample, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return model.RawSample{}, ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			return model.RawSample{}, ErrClosed
		}
		return model.RawSample{}, faults.New(faults.KindSourceUnavailable, "kafka.fetch", err)
	}
	if s.commit {
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			return model.RawSample{}, faults.New(faults.KindSourceUnavailable, "kafka.commit", err)
		}
	}
	at := msg.Time
	if at.IsZero() {
		at = time.Now()
	}
	return sample("kafka", msg.Value, at.UTC()), nil
}

func (s *kafkaStream) Close() error { return s.reader.Close() }
