package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
)

const (
	maxDatagram  = 64 * 1024
	pollInterval = 250 * time.Millisecond
)

// UDP listens for one JSON frame per datagram.
type UDP struct {
	addr string
}

// NewUDP creates a UDP source listening on addr.
func NewUDP(addr string) *UDP { return &UDP{addr: addr} }

// Name implements Source.
func (u *UDP) Name() string { return "udp" }

// Open binds the socket.
func (u *UDP) Open(ctx context.Context) (Stream, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, "udp", u.addr)
	if err != nil {
		return nil, faults.New(faults.KindSourceUnavailable, "udp.open", err)
	}
	return &udpStream{conn: conn, buf: make([]byte, maxDatagram)}, nil
}

type udpStream struct {
	conn net.PacketConn
	buf  []byte
}

// LocalAddr reports the bound address.
func (s *udpStream) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *udpStream) Next(ctx context.Context) (model.RawSample, error) {
	for {
		if err := ctx.Err(); err != nil {
			return model.RawSample{}, err
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return model.RawSample{}, fmt.Errorf("udp deadline: %w", err)
		}
		n, _, err := s.conn.ReadFrom(s.buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return model.RawSample{}, ErrClosed
			}
			return model.RawSample{}, faults.New(faults.KindSourceUnavailable, "udp.read", err)
		}
		payload := make([]byte, n)
		copy(payload, s.buf[:n])
		return sample("udp", payload, time.Now().UTC()), nil
	}
}

func (s *udpStream) Close() error { return s.conn.Close() }
