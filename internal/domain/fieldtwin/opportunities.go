package fieldtwin

import (
	"context"
	"math"
	"sort"

	"github.com/okian/pitwall/internal/domain/model"
	"github.com/okian/pitwall/pkg/metrics"
)

const (
	undercutReach     = 3
	overcutMinAge     = 15
	overcutMaxPitProb = 0.3
	drsGap            = 1.0
	maxProbability    = 0.9
)

// detect rebuilds f.opps from the competitor profiles and the pending event
// opportunities. With advance set, undercut streaks move by one frame.
func (t *Twin) detect(ctx context.Context, f *field, advance bool) {
	us := f.view()
	var found []model.StrategicOpportunity

	for id, c := range f.comps {
		p := c.profile
		ahead := us.present && p.Position < us.position

		if ahead && us.position-p.Position <= undercutReach {
			advantage := p.PredictedLapTime - us.predicted
			if advance {
				if us.predicted > 0 && p.PredictedLapTime > 0 && advantage > t.undercutThreshold {
					f.streaks[id]++
				} else {
					delete(f.streaks, id)
				}
			}
			if f.streaks[id] >= t.undercutFrames {
				found = append(found, model.StrategicOpportunity{
					Type:         model.OpportunityUndercut,
					TargetID:     id,
					Probability:  round3(math.Min(maxProbability, 0.4+0.2*advantage+0.2*p.PitProbability)),
					ExecutionLap: f.lap + 1,
					DetectedLap:  f.lap,
				})
			}
		} else if advance {
			delete(f.streaks, id)
		}

		if ahead && p.Tire.Age > overcutMinAge && p.PitProbability < overcutMaxPitProb && p.ThreatLevel != model.ThreatLow {
			found = append(found, model.StrategicOpportunity{
				Type: model.OpportunityOvercut, TargetID: id, Probability: 0.6,
				ExecutionLap: f.lap + 3, DetectedLap: f.lap,
			})
		}

		if us.present && p.Position == us.position-1 && math.Abs(p.GapToLeader-us.gap) < drsGap && f.status == model.TrackGreen {
			found = append(found, model.StrategicOpportunity{
				Type: model.OpportunityDRS, TargetID: id, Probability: 0.4,
				ExecutionLap: f.lap, DetectedLap: f.lap,
			})
		}
	}

	live := f.eventOpps[:0]
	for _, o := range f.eventOpps {
		if o.ExecutionLap >= f.lap {
			live = append(live, o)
		}
	}
	f.eventOpps = live
	found = append(found, f.eventOpps...)

	sort.SliceStable(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if a.Probability != b.Probability {
			return a.Probability > b.Probability
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.TargetID < b.TargetID
	})
	if len(found) > t.maxOpportunities {
		found = found[:t.maxOpportunities]
	}
	f.opps = found

	byType := map[string]int64{
		string(model.OpportunityUndercut):  0,
		string(model.OpportunityOvercut):   0,
		string(model.OpportunityDRS):       0,
		string(model.OpportunityPitResp):   0,
		string(model.OpportunitySafetyCar): 0,
		string(model.OpportunityRestart):   0,
	}
	for _, o := range found {
		byType[string(o.Type)]++
	}
	recordOpportunities(ctx, byType)
	metrics.UpdateOpportunities(len(found))
}
