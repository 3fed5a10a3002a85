package source

import (
	"context"
	"time"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/mempubsub"
)

// PubSub receives frames from a gocloud subscription URL such as
// "mem://frames". Other drivers are enabled by importing them.
type PubSub struct {
	url  string
	open func(ctx context.Context, url string) (*pubsub.Subscription, error)
}

// NewPubSub creates a pubsub source for a subscription URL.
func NewPubSub(url string) *PubSub {
	return &PubSub{url: url, open: pubsub.OpenSubscription}
}

// Name implements Source.
func (p *PubSub) Name() string { return "pubsub" }

// Open opens the subscription.
func (p *PubSub) Open(ctx context.Context) (Stream, error) {
	sub, err := p.open(ctx, p.url)
	if err != nil {
		return nil, faults.New(faults.KindSourceUnavailable, "pubsub.open", err)
	}
	return &pubsubStream{sub: sub}, nil
}

type pubsubStream struct {
	sub *pubsub.Subscription
}

func (s *pubsubStream) Next(ctx context.Context) (model.RawSample, error) {
	msg, err := s.sub.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return model.RawSample{}, ctx.Err()
		}
		return model.RawSample{}, faults.New(faults.KindSourceUnavailable, "pubsub.receive", err)
	}
	msg.Ack()
	return sample("pubsub", msg.Body, time.Now().UTC()), nil
}

func (s *pubsubStream) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.sub.Shutdown(ctx)
}
