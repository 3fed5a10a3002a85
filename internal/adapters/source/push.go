package source

import (
	"context"
	"sync"
	"time"

	"github.com/okian/pitwall/internal/domain/model"
)

// Push is fed by the HTTP ingestion endpoint. Deliver never blocks: when
// the buffer is full the payload is rejected with ErrPushFull.
type Push struct {
	ch chan []byte

	mu     sync.Mutex
	active bool
}

// NewPush creates a push source buffering up to size payloads.
func NewPush(size int) *Push {
	if size <= 0 {
		size = 256
	}
	return &Push{ch: make(chan []byte, size)}
}

// Name implements Source.
func (p *Push) Name() string { return "http" }

// Open marks the source active. Payloads delivered while no stream is open
// are rejected.
func (p *Push) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
	return &pushStream{p: p, done: make(chan struct{})}, nil
}

// Active reports whether a stream is open.
func (p *Push) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Deliver queues one payload.
func (p *Push) Deliver(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.Active() {
		return ErrClosed
	}
	select {
	case p.ch <- payload:
		return nil
	default:
		return ErrPushFull
	}
}

type pushStream struct {
	p    *Push
	done chan struct{}
	once sync.Once
}

func (s *pushStream) Next(ctx context.Context) (model.RawSample, error) {
	select {
	case <-ctx.Done():
		return model.RawSample{}, ctx.Err()
	case <-s.done:
		return model.RawSample{}, ErrClosed
	case payload := <-s.p.ch:
		return sample("http", payload, time.Now().UTC()), nil
	}
}

func (s *pushStream) Close() error {
	s.once.Do(func() {
		s.p.mu.Lock()
		s.p.active = false
		s.p.mu.Unlock()
		close(s.done)
	})
	return nil
}
