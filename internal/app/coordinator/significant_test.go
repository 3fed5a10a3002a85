package coordinator

import (
	"testing"

	"github.com/okian/pitwall/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func TestSignificant(t *testing.T) {
	Convey("Given a baseline snapshot", t, func() {
		prev := &model.SystemSnapshot{
			Sequence: 4,
			Health:   model.HealthOK,
			Field: model.FieldTwinState{
				Competitors: []model.CompetitorProfile{{ID: "1"}, {ID: "16"}},
				Opportunities: []model.StrategicOpportunity{
					{Type: model.OpportunityDRS, TargetID: "16"},
				},
			},
		}
		next := func() *model.SystemSnapshot {
			s := prev.Clone()
			s.Sequence++
			return &s
		}

		Convey("A routine lap is not significant", func() {
			n := next()
			n.Car.Lap = 12
			n.Field.Lap = 12
			So(significant(prev, n), ShouldBeFalse)
		})

		Convey("A health change is significant", func() {
			n := next()
			n.Health = model.HealthDegraded
			So(significant(prev, n), ShouldBeTrue)
		})

		Convey("Our own stop is significant", func() {
			n := next()
			n.Car.Strategy.PitStops = 1
			So(significant(prev, n), ShouldBeTrue)
		})

		Convey("A competitor stop is significant", func() {
			n := next()
			n.Field.Competitors[1].PitStops = []model.PitStop{{Lap: 12}}
			So(significant(prev, n), ShouldBeTrue)
		})

		Convey("A changed opportunity target is significant", func() {
			n := next()
			n.Field.Opportunities[0].TargetID = "1"
			So(significant(prev, n), ShouldBeTrue)
		})

		Convey("A new opportunity is significant", func() {
			n := next()
			n.Field.Opportunities = append(n.Field.Opportunities, model.StrategicOpportunity{Type: model.OpportunityUndercut, TargetID: "1"})
			So(significant(prev, n), ShouldBeTrue)
		})
	})
}
