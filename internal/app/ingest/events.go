package ingest

import "github.com/okian/pitwall/internal/domain/model"

// deriveEvents compares two consecutive accepted frames. Entering a
// neutralized status yields a safety-car event; leaving one for green
// yields a restart.
func deriveEvents(prev *model.NormalizedFrame, next *model.NormalizedFrame) []model.RaceEvent {
	if prev == nil {
		if next.Track.Status.Neutralized() {
			return []model.RaceEvent{neutralization(next)}
		}
		return nil
	}
	from, to := prev.Track.Status, next.Track.Status
	if from == to {
		return nil
	}
	switch {
	case to.Neutralized():
		return []model.RaceEvent{neutralization(next)}
	case from.Neutralized() && to == model.TrackGreen:
		return []model.RaceEvent{{Type: model.EventRestart, Lap: next.Lap, Timestamp: next.Timestamp}}
	}
	return nil
}

func neutralization(f *model.NormalizedFrame) model.RaceEvent {
	t := model.EventSafetyCar
	if f.Track.Status == model.TrackVirtualSafetyCar {
		t = model.EventVirtualSafetyCar
	}
	return model.RaceEvent{Type: t, Lap: f.Lap, Timestamp: f.Timestamp}
}
