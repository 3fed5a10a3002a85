package source

import (
	"context"
	"io"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/timeutil"
	"go.bug.st/serial"
)

const defaultBaudRate = 115200

// PortOpener opens a serial device.
type PortOpener func(path string, baud int) (io.ReadCloser, error)

// OpenPort opens a real serial port with 8N1 framing.
func OpenPort(path string, baud int) (io.ReadCloser, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Serial reads newline-delimited frames from a serial device.
type Serial struct {
	path  string
	baud  int
	open  PortOpener
	clock timeutil.Clock
}

// NewSerial creates a serial source. A nil opener uses OpenPort.
func NewSerial(path string, baud int, open PortOpener) *Serial {
	if baud <= 0 {
		baud = defaultBaudRate
	}
	if open == nil {
		open = OpenPort
	}
	return &Serial{path: path, baud: baud, open: open, clock: timeutil.RealClock{}}
}

// Name implements Source.
func (s *Serial) Name() string { return "serial" }

// Open opens the device.
func (s *Serial) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	port, err := s.open(s.path, s.baud)
	if err != nil {
		return nil, faults.New(faults.KindSourceUnavailable, "serial.open", err)
	}
	return newLineStream("serial", port, false, 0, s.clock), nil
}
