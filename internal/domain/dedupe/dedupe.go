// Package dedupe tracks frame fingerprints so a frame redelivered by a source
// is broadcast to the twins at most once.
package dedupe

import (
	"context"
	"sync"
)

// Deduper remembers recently seen fingerprints.
type Deduper interface {
	// SeenAndRecord reports whether fp was already seen and records it if not.
	SeenAndRecord(ctx context.Context, fp string) bool

	// Unrecord forgets fp so a later delivery is accepted again. Used when a
	// recorded frame could not be enqueued.
	Unrecord(ctx context.Context, fp string)

	Size() int64
}

// window keeps the newest maxSize fingerprints in a ring; the oldest is
// evicted first. maxSize <= 0 means unbounded.
type window struct {
	mu      sync.Mutex
	seen    map[string]int // fingerprint -> ring slot, -1 when unbounded
	ring    []string
	next    int
	maxSize int
}

// NewWindow creates a fingerprint window.
func NewWindow(opts ...Option) Deduper {
	w := &window{maxSize: 4096}
	for _, opt := range opts {
		opt(w)
	}
	w.seen = make(map[string]int)
	if w.maxSize > 0 {
		w.ring = make([]string, w.maxSize)
	}
	return w
}

func (w *window) SeenAndRecord(_ context.Context, fp string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[fp]; ok {
		return true
	}
	if w.maxSize <= 0 {
		w.seen[fp] = -1
		return false
	}

	if old := w.ring[w.next]; old != "" {
		if slot, ok := w.seen[old]; ok && slot == w.next {
			delete(w.seen, old)
		}
	}
	w.ring[w.next] = fp
	w.seen[fp] = w.next
	w.next = (w.next + 1) % w.maxSize
	return false
}

func (w *window) Unrecord(_ context.Context, fp string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	slot, ok := w.seen[fp]
	if !ok {
		return
	}
	delete(w.seen, fp)
	if slot >= 0 {
		w.ring[slot] = ""
	}
}

func (w *window) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.seen))
}
