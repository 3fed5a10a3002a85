package source

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
)

const maxLine = 1 << 20

// TCP accepts connections and reads newline-delimited JSON frames from each.
type TCP struct {
	addr string
}

// NewTCP creates a TCP source listening on addr.
func NewTCP(addr string) *TCP { return &TCP{addr: addr} }

// Name implements Source.
func (t *TCP) Name() string { return "tcp" }

// Open starts listening. Lines from every accepted connection are merged
// into one stream.
func (t *TCP) Open(ctx context.Context) (Stream, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", t.addr)
	if err != nil {
		return nil, faults.New(faults.KindSourceUnavailable, "tcp.open", err)
	}
	s := &tcpStream{
		ln:    ln,
		lines: make(chan []byte, 64),
		done:  make(chan struct{}),
		conns: make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

type tcpStream struct {
	ln    net.Listener
	lines chan []byte
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// Addr reports the listening address.
func (s *tcpStream) Addr() net.Addr { return s.ln.Addr() }

func (s *tcpStream) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.read(conn)
	}
}

func (s *tcpStream) read(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := append([]byte(nil), line...)
		select {
		case s.lines <- payload:
		case <-s.done:
			return
		}
	}
}

func (s *tcpStream) Next(ctx context.Context) (model.RawSample, error) {
	select {
	case <-ctx.Done():
		return model.RawSample{}, ctx.Err()
	case <-s.done:
		return model.RawSample{}, ErrClosed
	case p := <-s.lines:
		return sample("tcp", p, time.Now().UTC()), nil
	}
}

func (s *tcpStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ln.Close()
		s.mu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
