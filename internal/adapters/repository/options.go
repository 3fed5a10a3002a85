package repository

import "github.com/okian/pitwall/pkg/logger"

// GenerationOption configures a GenerationStore.
type GenerationOption func(*GenerationStore)

// WithGenerations sets how many generations are kept on disk.
func WithGenerations(n int) GenerationOption {
	return func(s *GenerationStore) {
		if n > 0 {
			s.keep = n
		}
	}
}

// WithGenerationLogger sets the logger of the generation store.
func WithGenerationLogger(l logger.Logger) GenerationOption {
	return func(s *GenerationStore) {
		if l != nil {
			s.log = l
		}
	}
}

// AuditOption configures an AuditStore.
type AuditOption func(*AuditStore)

// WithMaxEntries caps the audit log; older records are trimmed on append.
// Zero or less keeps everything.
func WithMaxEntries(n int) AuditOption {
	return func(s *AuditStore) {
		s.maxEntries = n
	}
}

// WithAuditLogger sets the logger of the audit store.
func WithAuditLogger(l logger.Logger) AuditOption {
	return func(s *AuditStore) {
		if l != nil {
			s.log = l
		}
	}
}
