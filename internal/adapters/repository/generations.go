package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
)

const (
	generationPrefix = "gen-"
	generationSuffix = ".json"
	corruptSuffix    = ".corrupt"
	tempPattern      = ".gen-*.tmp"
	defaultKeep      = 5
)

// Generation identifies one persisted file.
type Generation struct {
	Sequence uint64
	Path     string
}

// GenerationStore keeps the newest snapshot generations as JSON files in a
// directory. A generation becomes visible only through an atomic rename, so a
// reader never sees a partially written file under a generation name.
type GenerationStore struct {
	dir  string
	keep int
	log  logger.Logger
}

// NewGenerationStore creates dir if needed and removes temp files left by an
// interrupted write.
func NewGenerationStore(dir string, opts ...GenerationOption) (*GenerationStore, error) {
	s := &GenerationStore{dir: dir, keep: defaultKeep, log: logger.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	leftovers, err := filepath.Glob(filepath.Join(dir, tempPattern))
	if err != nil {
		return nil, fmt.Errorf("scan state dir: %w", err)
	}
	for _, p := range leftovers {
		if err := os.Remove(p); err != nil {
			s.log.Warn(context.Background(), "failed to remove stale temp file", logger.String("path", p), logger.Error(err))
		}
	}
	return s, nil
}

// Dir returns the state directory.
func (s *GenerationStore) Dir() string { return s.dir }

// GenerationName returns the file name of sequence.
func GenerationName(sequence uint64) string {
	return fmt.Sprintf("%s%020d%s", generationPrefix, sequence, generationSuffix)
}

// Save writes rec to a temp file, syncs it and renames it into place.
func (s *GenerationStore) Save(ctx context.Context, rec model.PersistedRecord) (Generation, error) {
	if err := ctx.Err(); err != nil {
		return Generation{}, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Generation{}, fmt.Errorf("encode generation %d: %w", rec.Sequence, err)
	}

	tmp, err := os.CreateTemp(s.dir, tempPattern)
	if err != nil {
		return Generation{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return Generation{}, fmt.Errorf("write generation %d: %w", rec.Sequence, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return Generation{}, fmt.Errorf("sync generation %d: %w", rec.Sequence, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return Generation{}, fmt.Errorf("close generation %d: %w", rec.Sequence, err)
	}

	g := Generation{Sequence: rec.Sequence, Path: filepath.Join(s.dir, GenerationName(rec.Sequence))}
	if err := os.Rename(tmpPath, g.Path); err != nil {
		cleanup()
		return Generation{}, fmt.Errorf("publish generation %d: %w", rec.Sequence, err)
	}
	s.syncDir()

	if err := s.prune(ctx, g.Sequence); err != nil {
		s.log.Warn(ctx, "failed to prune generations", logger.Error(err))
	}
	return g, nil
}

// syncDir makes the rename durable where the platform supports it.
func (s *GenerationStore) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// List returns the generations in the directory, newest first. Temp files and
// foreign files are ignored.
func (s *GenerationStore) List(ctx context.Context) ([]Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state dir: %w", err)
	}
	var out []Generation
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		seq, ok := parseGeneration(e.Name())
		if !ok {
			continue
		}
		out = append(out, Generation{Sequence: seq, Path: filepath.Join(s.dir, e.Name())})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	return out, nil
}

func parseGeneration(name string) (uint64, bool) {
	if !strings.HasPrefix(name, generationPrefix) || !strings.HasSuffix(name, generationSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, generationPrefix), generationSuffix)
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// Load reads g and checks that it is a complete record of its own sequence.
func (s *GenerationStore) Load(ctx context.Context, g Generation) (model.PersistedRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.PersistedRecord{}, err
	}
	data, err := os.ReadFile(g.Path)
	if err != nil {
		return model.PersistedRecord{}, fmt.Errorf("read generation %d: %w", g.Sequence, err)
	}
	var rec model.PersistedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.PersistedRecord{}, fmt.Errorf("%w: %d: %v", ErrCorruptGeneration, g.Sequence, err)
	}
	if err := validateRecord(rec, g.Sequence); err != nil {
		return model.PersistedRecord{}, err
	}
	return rec, nil
}

func validateRecord(rec model.PersistedRecord, sequence uint64) error {
	switch {
	case rec.Sequence != sequence:
		return fmt.Errorf("%w: %d: record sequence %d", ErrCorruptGeneration, sequence, rec.Sequence)
	case rec.Snapshot.Sequence != rec.Sequence:
		return fmt.Errorf("%w: %d: snapshot sequence %d", ErrCorruptGeneration, sequence, rec.Snapshot.Sequence)
	case rec.Timestamp.IsZero():
		return fmt.Errorf("%w: %d: missing timestamp", ErrCorruptGeneration, sequence)
	case rec.Snapshot.Health != model.HealthOK && rec.Snapshot.Health != model.HealthDegraded:
		return fmt.Errorf("%w: %d: health %q", ErrCorruptGeneration, sequence, rec.Snapshot.Health)
	}
	return nil
}

// Quarantine renames g to a name List ignores. The file stays on disk for
// inspection.
func (s *GenerationStore) Quarantine(ctx context.Context, g Generation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(g.Path, g.Path+corruptSuffix); err != nil {
		return fmt.Errorf("quarantine generation %d: %w", g.Sequence, err)
	}
	s.syncDir()
	s.log.Warn(ctx, "generation quarantined", logger.Uint64("sequence", g.Sequence), logger.String("path", g.Path+corruptSuffix))
	return nil
}

// prune removes all but the newest keep generations. The generation just
// written is never removed, even when older-numbered files outrank it.
func (s *GenerationStore) prune(ctx context.Context, written uint64) error {
	gens, err := s.List(ctx)
	if err != nil {
		return err
	}
	if len(gens) <= s.keep {
		return nil
	}
	for _, g := range gens[s.keep:] {
		if g.Sequence == written {
			s.log.Warn(ctx, "newer generations outrank the one just written", logger.Uint64("sequence", written))
			continue
		}
		if err := os.Remove(g.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove generation %d: %w", g.Sequence, err)
		}
	}
	return nil
}
