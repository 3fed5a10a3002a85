package dedupe

// Option configures a fingerprint window.
type Option func(*window)

// WithMaxSize bounds the number of fingerprints kept. Values <= 0 disable
// eviction.
func WithMaxSize(maxSize int) Option {
	return func(w *window) {
		w.maxSize = maxSize
	}
}
