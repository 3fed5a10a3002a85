package source

import (
	"context"
	"os"
	"time"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/timeutil"
)

// File replays a recorded session, one JSON frame per line. The stream
// ends with io.EOF.
type File struct {
	path     string
	interval time.Duration
	clock    timeutil.Clock
}

// NewFile creates a replay source. interval paces the replay; zero replays
// as fast as the consumer reads.
func NewFile(path string, interval time.Duration, clock timeutil.Clock) *File {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &File{path: path, interval: interval, clock: clock}
}

// Name implements Source.
func (f *File) Name() string { return "file" }

// Open opens the recording from the start.
func (f *File) Open(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, faults.New(faults.KindSourceUnavailable, "file.open", err)
	}
	return newLineStream("file", fh, true, f.interval, f.clock), nil
}
