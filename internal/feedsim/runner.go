package feedsim

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/okian/pitwall/pkg/logger"
)

const directoryPermission = 0o750

// Run streams simulated frames into a running service and verifies that
// they were ingested.
func Run(ctx context.Context, cfg *Config) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	log := logger.Get()

	log.Info(ctx, "starting feed run",
		logger.String("baseURL", cfg.BaseURL),
		logger.String("protocol", cfg.Protocol),
		logger.String("target", cfg.Target),
		logger.Int("frames", cfg.Frames),
		logger.Duration("interval", cfg.Interval),
		logger.Bool("switch", cfg.Switch))

	client := newHTTPClient(cfg.BaseURL, cfg.Timeout)

	// Step 1: Check service health
	if err := client.Health(ctx); err != nil {
		return stats, fmt.Errorf("service health check failed: %w", err)
	}

	before, err := client.Status(ctx)
	if err != nil {
		return stats, fmt.Errorf("read status: %w", err)
	}
	stats.AcceptedBefore = before.Ingest.Accepted
	stats.SequenceBefore = before.State.Sequence

	// Step 2: Generate frames
	frames, err := generateFrames(ctx, cfg, stats)
	if err != nil {
		return stats, fmt.Errorf("frame generation failed: %w", err)
	}

	// Step 3: Point the service at our feed
	sender, err := newSender(cfg, client)
	if err != nil {
		return stats, err
	}
	defer func() {
		if err := sender.Close(); err != nil {
			log.Warn(ctx, "failed to close sender", logger.Error(err))
		}
	}()

	src := sender.Source()
	if cfg.Switch {
		if err := client.SwitchSource(ctx, src); err != nil {
			return stats, err
		}
	}
	if err := waitFor(ctx, connectTimeout, func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.Ingest.Source == src.Protocol && st.Ingest.Connected
	}); err != nil {
		return stats, fmt.Errorf("service did not attach to the %s feed: %w", src.Protocol, err)
	}
	if err := sender.Open(ctx); err != nil {
		return stats, fmt.Errorf("open %s feed: %w", src.Protocol, err)
	}

	// Step 4: Stream
	if err := stream(ctx, cfg, sender, frames, stats); err != nil {
		return stats, err
	}

	// Step 5: Wait for the service to catch up, then verify
	target := stats.AcceptedBefore + uint64(stats.FramesSent)
	_ = waitFor(ctx, cfg.Settle, func() bool {
		st, err := client.Status(ctx)
		return err == nil && st.Ingest.Accepted >= target
	})
	if err := verifyResults(ctx, cfg, client, stats); err != nil {
		return stats, fmt.Errorf("result verification failed: %w", err)
	}

	// Step 6: Save frames for file replay
	if cfg.Output != "" {
		if err := saveFrames(ctx, cfg.Output, frames); err != nil {
			log.Warn(ctx, "failed to save frames to file", logger.Error(err))
		}
	}

	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	displayFinalStats(stats)

	log.Info(ctx, "feed run completed successfully")
	return stats, nil
}

// stream sends frames in order, paced by cfg.Interval.
func stream(ctx context.Context, cfg *Config, sender Sender, frames [][]byte, stats *Stats) error {
	log := logger.Get()
	lastReport := time.Now()
	for i, f := range frames {
		if err := sender.Send(ctx, f); err != nil {
			stats.FramesFailed++
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn(ctx, "frame not delivered", logger.Int("frame", i), logger.Error(err))
		} else {
			stats.FramesSent++
		}
		if cfg.Verbose && time.Since(lastReport) >= time.Second {
			lastReport = time.Now()
			log.Info(ctx, "progress", logger.Int("sent", stats.FramesSent), logger.Int("total", len(frames)))
		}
		if cfg.Interval > 0 && i < len(frames)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Interval):
			}
		}
	}
	if hs, ok := sender.(*httpSender); ok {
		stats.FramesRetried = hs.retries
	}
	return nil
}

// waitFor polls cond until it holds or d passes.
func waitFor(ctx context.Context, d time.Duration, cond func() bool) error {
	deadline := time.Now().Add(d)
	for {
		if cond() {
			return nil
		}
		if time.Now().After(deadline) {
			return context.DeadlineExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// saveFrames writes one frame per line, the format the file source replays.
func saveFrames(ctx context.Context, filename string, frames [][]byte) error {
	if len(frames) == 0 {
		return fmt.Errorf("no frames to save")
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, directoryPermission); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	w := bufio.NewWriter(file)
	for _, f := range frames {
		_, _ = w.Write(f)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write frames: %w", err)
	}
	if err := file.Close(); err != nil {
		return err
	}
	logger.Get().Info(ctx, "frames saved to file", logger.String("filename", filename))
	return nil
}

// displayFinalStats logs the final run statistics.
func displayFinalStats(stats *Stats) {
	var framesPerSecond float64
	if stats.Duration > 0 {
		framesPerSecond = float64(stats.FramesSent) / stats.Duration.Seconds()
	}
	logger.Get().Info(context.Background(), "final statistics",
		logger.Int("framesGenerated", stats.FramesGenerated),
		logger.Int("framesSent", stats.FramesSent),
		logger.Int("framesRetried", stats.FramesRetried),
		logger.Int("framesFailed", stats.FramesFailed),
		logger.Uint64("accepted", stats.AcceptedAfter-stats.AcceptedBefore),
		logger.Uint64("sequenceBefore", stats.SequenceBefore),
		logger.Uint64("sequenceAfter", stats.SequenceAfter),
		logger.String("duration", stats.Duration.String()),
		logger.Float64("framesPerSecond", framesPerSecond))
}
