package feedsim

import (
	"context"
	"fmt"
	"sort"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/logger"
)

// verifyResults checks that the service ingested the feed and committed new
// state from it.
func verifyResults(ctx context.Context, cfg *Config, client *HTTPClient, stats *Stats) error {
	log := logger.Get()
	log.Info(ctx, "verifying results")

	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	stats.AcceptedAfter = st.Ingest.Accepted
	stats.SequenceAfter = st.State.Sequence

	if stats.FramesSent == 0 {
		return fmt.Errorf("no frames were delivered")
	}
	if stats.AcceptedAfter <= stats.AcceptedBefore {
		return fmt.Errorf("service accepted no frames (accepted=%d)", stats.AcceptedAfter)
	}
	if stats.SequenceAfter <= stats.SequenceBefore {
		return fmt.Errorf("sequence did not advance past %d", stats.SequenceBefore)
	}
	if got := stats.AcceptedAfter - stats.AcceptedBefore; got < uint64(stats.FramesSent) {
		// udp may drop, and the simulator may also have run before the switch
		log.Warn(ctx, "fewer frames accepted than sent",
			logger.Uint64("accepted", got),
			logger.Int("sent", stats.FramesSent))
	}

	snap, err := client.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if err := verifySnapshot(snap); err != nil {
		return err
	}
	displayTopCompetitors(ctx, snap, cfg.Verbose)

	log.Info(ctx, "result verification completed")
	return nil
}

// verifySnapshot checks that the field is consistently ordered.
func verifySnapshot(snap model.SystemSnapshot) error {
	if snap.Sequence == 0 {
		return fmt.Errorf("snapshot has no committed state")
	}
	seen := make(map[int]string, len(snap.Field.Competitors))
	for _, c := range snap.Field.Competitors {
		if c.Position <= 0 {
			continue
		}
		if other, dup := seen[c.Position]; dup {
			return fmt.Errorf("competitors %s and %s share position %d", other, c.ID, c.Position)
		}
		seen[c.Position] = c.ID
	}
	return nil
}

func displayTopCompetitors(ctx context.Context, snap model.SystemSnapshot, verbose bool) {
	field := append([]model.CompetitorProfile(nil), snap.Field.Competitors...)
	sort.Slice(field, func(i, j int) bool { return field[i].Position < field[j].Position })

	n := min(topCompetitorsShown, len(field))
	log := logger.Get()
	log.Info(ctx, "field after feed",
		logger.Uint64("sequence", snap.Sequence),
		logger.Int("lap", snap.Field.Lap),
		logger.Int("competitors", len(field)),
		logger.String("health", string(snap.Health)))
	for _, c := range field[:n] {
		log.Info(ctx, "competitor",
			logger.Int("position", c.Position),
			logger.String("id", c.ID),
			logger.Float64("gap", c.GapToLeader),
			logger.String("threat", string(c.ThreatLevel)))
	}
	if verbose {
		log.Info(ctx, "controlled car",
			logger.String("id", snap.Car.ID),
			logger.Int("lap", snap.Car.Lap),
			logger.Any("pit_window", snap.Car.Strategy))
	}
}
