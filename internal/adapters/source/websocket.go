package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
)

// WebSocket dials a ws:// feed and reads one frame per message.
type WebSocket struct {
	url    string
	dialer *websocket.Dialer
}

// NewWebSocket creates a websocket source for url.
func NewWebSocket(url string) *WebSocket {
	return &WebSocket{url: url, dialer: websocket.DefaultDialer}
}

// Name implements Source.
func (w *WebSocket) Name() string { return "websocket" }

// Open dials the feed.
func (w *WebSocket) Open(ctx context.Context) (Stream, error) {
	conn, resp, err := w.dialer.DialContext(ctx, w.url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, faults.New(faults.KindSourceUnavailable, "websocket.open", err)
	}
	s := &wsStream{conn: conn, msgs: make(chan []byte, 64), errs: make(chan error, 1), done: make(chan struct{})}
	go s.read()
	return s, nil
}

type wsStream struct {
	conn *websocket.Conn
	msgs chan []byte
	errs chan error
	done chan struct{}
	once sync.Once
}

func (s *wsStream) read() {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			s.errs <- err
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		select {
		case s.msgs <- data:
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) Next(ctx context.Context) (model.RawSample, error) {
	select {
	case <-ctx.Done():
		return model.RawSample{}, ctx.Err()
	case <-s.done:
		return model.RawSample{}, ErrClosed
	case p := <-s.msgs:
		return sample("websocket", p, time.Now().UTC()), nil
	case err := <-s.errs:
		select {
		case p := <-s.msgs:
			s.errs <- err
			return sample("websocket", p, time.Now().UTC()), nil
		default:
		}
		s.errs <- err
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
			return model.RawSample{}, faults.New(faults.KindSourceUnavailable, "websocket.read", ErrClosed)
		}
		return model.RawSample{}, faults.New(faults.KindSourceUnavailable, "websocket.read", err)
	}
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
