package ingest

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/okian/pitwall/internal/app/ingest")
