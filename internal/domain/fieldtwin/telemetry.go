package fieldtwin

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/okian/pitwall/internal/domain/fieldtwin")
var meter = otel.Meter("github.com/okian/pitwall/internal/domain/fieldtwin")

const (
	eventTypeKey       = "event_type"
	opportunityTypeKey = "opportunity_type"
)

var (
	// updateDuration measures one Update call.
	updateDuration metric.Float64Histogram
	// budgetOverruns counts updates that exceeded the soft budget.
	budgetOverruns metric.Int64Counter
	// raceEvents counts applied race events by type.
	raceEvents metric.Int64Counter
	// openOpportunities is the size of the published opportunity list by type.
	openOpportunities metric.Int64Gauge
)

func init() {
	var err error
	updateDuration, err = meter.Float64Histogram(
		"fieldtwin.update.duration",
		metric.WithDescription("The duration of a single field twin update."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("fieldtwin: failed to init 'fieldtwin.update.duration' instrument")
	}

	budgetOverruns, err = meter.Int64Counter(
		"fieldtwin.update.budget_overruns",
		metric.WithDescription("The number of field twin updates that exceeded the latency budget."),
	)
	if err != nil {
		panic("fieldtwin: failed to init 'fieldtwin.update.budget_overruns' instrument")
	}

	raceEvents, err = meter.Int64Counter(
		"fieldtwin.events",
		metric.WithDescription("The number of race events applied to the field model."),
	)
	if err != nil {
		panic("fieldtwin: failed to init 'fieldtwin.events' instrument")
	}

	openOpportunities, err = meter.Int64Gauge(
		"fieldtwin.opportunities",
		metric.WithDescription("The number of published strategic opportunities."),
	)
	if err != nil {
		panic("fieldtwin: failed to init 'fieldtwin.opportunities' instrument")
	}
}

func measureUpdate(ctx context.Context, d time.Duration, overBudget bool) {
	updateDuration.Record(ctx, float64(d)/float64(time.Millisecond))
	if overBudget {
		budgetOverruns.Add(ctx, 1)
	}
}

func countEvent(ctx context.Context, eventType string) {
	raceEvents.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(eventTypeKey, eventType))))
}

func recordOpportunities(ctx context.Context, byType map[string]int64) {
	for typ, n := range byType {
		openOpportunities.Record(ctx, n, metric.WithAttributeSet(attribute.NewSet(attribute.String(opportunityTypeKey, typ))))
	}
}
