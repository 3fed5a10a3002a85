package source

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/okian/pitwall/internal/domain/faults"
	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/internal/timeutil"
)

// lineStream reads newline-delimited frames from a reader in a background
// goroutine so Next can honor ctx even when the reader blocks.
type lineStream struct {
	name     string
	rc       io.ReadCloser
	interval time.Duration
	clock    timeutil.Clock
	finite   bool

	lines chan []byte
	errs  chan error
	done  chan struct{}
	once  sync.Once
}

func newLineStream(name string, rc io.ReadCloser, finite bool, interval time.Duration, clock timeutil.Clock) *lineStream {
	s := &lineStream{
		name:     name,
		rc:       rc,
		interval: interval,
		clock:    clock,
		finite:   finite,
		lines:    make(chan []byte, 64),
		errs:     make(chan error, 1),
		done:     make(chan struct{}),
	}
	go s.scan()
	return s
}

func (s *lineStream) scan() {
	sc := bufio.NewScanner(s.rc)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case s.lines <- bytes.Clone(line):
		case <-s.done:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	s.errs <- err
}

func (s *lineStream) Next(ctx context.Context) (model.RawSample, error) {
	if s.interval > 0 {
		select {
		case <-ctx.Done():
			return model.RawSample{}, ctx.Err()
		case <-s.clock.After(s.interval):
		}
	}
	select {
	case <-ctx.Done():
		return model.RawSample{}, ctx.Err()
	case <-s.done:
		return model.RawSample{}, ErrClosed
	case line := <-s.lines:
		return sample(s.name, line, s.clock.Now().UTC()), nil
	case err := <-s.errs:
		// Lines scanned before the error still belong to the stream.
		select {
		case line := <-s.lines:
			s.errs <- err
			return sample(s.name, line, s.clock.Now().UTC()), nil
		default:
		}
		s.errs <- err
		if errors.Is(err, io.EOF) && s.finite {
			return model.RawSample{}, io.EOF
		}
		return model.RawSample{}, faults.New(faults.KindSourceUnavailable, s.name+".read", err)
	}
}

func (s *lineStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.rc.Close()
	})
	return err
}
