package feedsim

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/pkg/logger"
)

// ErrUnknownProtocol is returned for protocols feed-sim cannot speak.
var ErrUnknownProtocol = errors.New("unknown feed protocol")

// Sender delivers frames to the service over one transport.
type Sender interface {
	// Open blocks until frames can be delivered.
	Open(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	// Source is the service-side source config that consumes this sender.
	Source() config.Source
	Close() error
}

func newSender(cfg *Config, client *HTTPClient) (Sender, error) {
	switch cfg.Protocol {
	case config.ProtocolHTTP:
		return &httpSender{client: client}, nil
	case config.ProtocolUDP, config.ProtocolTCP:
		return &dialSender{network: cfg.Protocol, addr: cfg.Target}, nil
	case config.ProtocolWebSocket:
		return newWSSender(cfg.Target)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.Protocol)
	}
}

// httpSender pushes frames to POST /telemetry, retrying while throttled.
type httpSender struct {
	client  *HTTPClient
	retries int
}

func (s *httpSender) Open(context.Context) error { return nil }

func (s *httpSender) Source() config.Source {
	return config.Source{Kind: config.SourceStreamed, Protocol: config.ProtocolHTTP}
}

func (s *httpSender) Send(ctx context.Context, payload []byte) error {
	backoff := pushRetryBackoff
	for attempt := 0; ; attempt++ {
		err := s.client.PushTelemetry(ctx, payload)
		if !errors.Is(err, ErrThrottled) || attempt >= pushRetries {
			return err
		}
		s.retries++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *httpSender) Close() error { return nil }

// dialSender writes newline-terminated frames to a udp or tcp listener.
type dialSender struct {
	network string
	addr    string
	conn    net.Conn
}

func (s *dialSender) Source() config.Source {
	return config.Source{Kind: config.SourceStreamed, Protocol: s.network, Address: s.addr}
}

// Open dials until the service's listener is up or connectTimeout passes.
func (s *dialSender) Open(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, s.network, s.addr)
		if err == nil {
			s.conn = conn
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("dial %s %s: %w", s.network, s.addr, err)
		case <-time.After(pollInterval):
		}
	}
}

func (s *dialSender) Send(_ context.Context, payload []byte) error {
	if s.conn == nil {
		return net.ErrClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if s.network == config.ProtocolUDP {
		_, err := s.conn.Write(payload)
		return err
	}
	_, err := s.conn.Write(append(payload, '\n'))
	return err
}

func (s *dialSender) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// wsSender serves a websocket feed; the service dials in as a client.
type wsSender struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{}
	once  sync.Once
}

func newWSSender(addr string) (*wsSender, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	s := &wsSender{ln: ln, ready: make(chan struct{})}
	mux := http.NewServeMux()
	mux.HandleFunc(websocketPath, s.handle)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: writeTimeout}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Get().Error(context.Background(), "websocket feed server failed", logger.Error(err))
		}
	}()
	return s, nil
}

// URL is the address the service must dial.
func (s *wsSender) URL() string { return "ws://" + s.ln.Addr().String() + websocketPath }

func (s *wsSender) Source() config.Source {
	return config.Source{Kind: config.SourceStreamed, Protocol: config.ProtocolWebSocket, Address: s.URL()}
}

func (s *wsSender) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })

	// drain control frames so close and ping are handled
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
}

// Open waits for the service to connect.
func (s *wsSender) Open(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(connectTimeout):
		return fmt.Errorf("no websocket client connected to %s", s.URL())
	}
}

func (s *wsSender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return net.ErrClosed
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = s.conn.Close()
	}
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
