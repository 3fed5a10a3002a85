package coordinator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("github.com/okian/pitwall/internal/app/coordinator")
var meter = otel.Meter("github.com/okian/pitwall/internal/app/coordinator")

const outcomeKey = "outcome"

var (
	// commits counts merges by outcome.
	commits metric.Int64Counter
	// persistDuration measures one generation write.
	persistDuration metric.Float64Histogram
)

func init() {
	var err error
	commits, err = meter.Int64Counter(
		"coordinator.commits",
		metric.WithDescription("The number of snapshot merges by outcome."),
	)
	if err != nil {
		panic("coordinator: failed to init 'coordinator.commits' instrument")
	}

	persistDuration, err = meter.Float64Histogram(
		"coordinator.persist.duration",
		metric.WithDescription("The duration of writing one snapshot generation."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		panic("coordinator: failed to init 'coordinator.persist.duration' instrument")
	}
}

func countCommit(ctx context.Context, outcome string) {
	commits.Add(ctx, 1, metric.WithAttributeSet(attribute.NewSet(attribute.String(outcomeKey, outcome))))
}

func measurePersist(ctx context.Context, d time.Duration, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	persistDuration.Record(ctx, float64(d)/float64(time.Millisecond),
		metric.WithAttributeSet(attribute.NewSet(attribute.String(outcomeKey, outcome))))
}
