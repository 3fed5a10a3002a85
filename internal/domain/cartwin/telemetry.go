package cartwin

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/okian/pitwall/internal/domain/cartwin")
var meter = otel.Meter("github.com/okian/pitwall/internal/domain/cartwin")

// carIDKey labels every record with the modeled car.
const carIDKey = "car_id"

var (
	// updateDuration measures one Update call, including no-op duplicates.
	updateDuration metric.Float64Histogram
	// budgetOverruns counts updates that exceeded the soft budget.
	budgetOverruns metric.Int64Counter
	// pitStops counts detected stops of the controlled car.
	pitStops metric.Int64Counter
)

func init() {
	var err error
	updateDuration, err = meter.Float64Histogram(
		"cartwin.update.duration",
		metric.WithDescription("The duration of a single car twin update."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("cartwin: failed to init 'cartwin.update.duration' instrument")
	}

	budgetOverruns, err = meter.Int64Counter(
		"cartwin.update.budget_overruns",
		metric.WithDescription("The number of car twin updates that exceeded the latency budget."),
	)
	if err != nil {
		panic("cartwin: failed to init 'cartwin.update.budget_overruns' instrument")
	}

	pitStops, err = meter.Int64Counter(
		"cartwin.pit_stops",
		metric.WithDescription("The number of pit stops detected for the controlled car."),
	)
	if err != nil {
		panic("cartwin: failed to init 'cartwin.pit_stops' instrument")
	}
}

func measureUpdate(ctx context.Context, carID string, d time.Duration, overBudget bool) {
	attrs := metric.WithAttributeSet(attribute.NewSet(attribute.String(carIDKey, carID)))
	updateDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
	if overBudget {
		budgetOverruns.Add(ctx, 1, attrs)
	}
}

func countPitStop(ctx context.Context, carID string) {
	pitStops.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(carIDKey, carID))))
}
