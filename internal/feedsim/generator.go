package feedsim

import (
	"context"
	"fmt"

	"github.com/okian/pitwall/internal/adapters/source"
	"github.com/okian/pitwall/pkg/logger"
)

// generateFrames draws cfg.Frames payloads from a simulator seeded with
// cfg.Seed. The same config always yields the same frames.
func generateFrames(ctx context.Context, cfg *Config, stats *Stats) ([][]byte, error) {
	logger.Get().Info(ctx, "generating frames",
		logger.Int("frames", cfg.Frames),
		logger.Int64("seed", cfg.Seed),
		logger.String("dialect", cfg.Dialect))

	sim := source.NewSimulator(
		source.WithSeed(cfg.Seed),
		source.WithInterval(0),
		source.WithLapEvery(cfg.LapEvery),
		source.WithDialect(cfg.Dialect),
	)
	stream, err := sim.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("open simulator: %w", err)
	}
	defer func() { _ = stream.Close() }()

	frames := make([][]byte, 0, cfg.Frames)
	for i := 0; i < cfg.Frames; i++ {
		s, err := stream.Next(ctx)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		frames = append(frames, s.Payload)
	}

	stats.FramesGenerated = len(frames)
	logger.Get().Info(ctx, "generated frames successfully", logger.Int("count", len(frames)))
	return frames, nil
}
