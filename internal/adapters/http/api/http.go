// Package api declares the operational HTTP surface: health, status,
// read-only snapshots, the audit trail and the push ingress.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/okian/pitwall/internal/adapters/repository"
	service "github.com/okian/pitwall/internal/app"
	"github.com/okian/pitwall/internal/config"
	"github.com/okian/pitwall/internal/domain/model"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service.
type Dependencies interface {
	Snapshot() model.SystemSnapshot
	Competitor(id string) (model.CompetitorProfile, error)
	Status() service.Status
	QueryAudit(ctx context.Context, f repository.AuditFilter) ([]model.AuditRecord, error)

	PushTelemetry(ctx context.Context, payload []byte) error
	InjectEvent(ctx context.Context, ev model.RaceEvent) error
	SwitchSource(ctx context.Context, cfg config.Source) error
}

// Server wires HTTP routes for the operational API.
type Server struct {
	healthHandler    *HealthHandler
	statusHandler    *StatusHandler
	snapshotHandler  *SnapshotHandler
	auditHandler     *AuditHandler
	telemetryHandler *TelemetryHandler
	eventsHandler    *EventsHandler
	sourceHandler    *SourceHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies) *Server {
	return &Server{
		healthHandler:    NewHealthHandler(),
		statusHandler:    NewStatusHandler(deps),
		snapshotHandler:  NewSnapshotHandler(deps),
		auditHandler:     NewAuditHandler(deps),
		telemetryHandler: NewTelemetryHandler(deps),
		eventsHandler:    NewEventsHandler(deps),
		sourceHandler:    NewSourceHandler(deps),
	}
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r *mux.Router) {
	r.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz")).Methods(http.MethodGet)
	r.HandleFunc("/status", MetricsMiddleware(s.statusHandler.HandleStatus, "status")).Methods(http.MethodGet)

	r.HandleFunc("/snapshot", MetricsMiddleware(s.snapshotHandler.HandleSnapshot, "snapshot")).Methods(http.MethodGet)
	r.HandleFunc("/snapshot/car", MetricsMiddleware(s.snapshotHandler.HandleCar, "snapshot_car")).Methods(http.MethodGet)
	r.HandleFunc("/snapshot/field", MetricsMiddleware(s.snapshotHandler.HandleField, "snapshot_field")).Methods(http.MethodGet)
	r.HandleFunc("/snapshot/competitors/{id}", MetricsMiddleware(s.snapshotHandler.HandleCompetitor, "snapshot_competitor")).Methods(http.MethodGet)

	r.HandleFunc("/audit", MetricsMiddleware(s.auditHandler.HandleAudit, "audit")).Methods(http.MethodGet)

	r.HandleFunc("/telemetry", MetricsMiddleware(s.telemetryHandler.HandlePostTelemetry, "telemetry")).Methods(http.MethodPost)
	r.HandleFunc("/events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events")).Methods(http.MethodPost)
	r.HandleFunc("/source", MetricsMiddleware(s.sourceHandler.HandlePostSource, "source")).Methods(http.MethodPost)
}

// NewRouter returns a router with every API route registered. Unknown routes
// and methods answer with JSON errors.
func NewRouter(ctx context.Context, deps Dependencies) *mux.Router {
	r := mux.NewRouter()
	NewServer(deps).Register(ctx, r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", nil)
	})
	return r
}

// Wrap adds panic recovery and an access log in Apache combined format.
// A nil accessLog disables the access log.
func Wrap(h http.Handler, accessLog io.Writer) http.Handler {
	if accessLog != nil {
		h = handlers.CombinedLoggingHandler(accessLog, h)
	}
	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(h)
}

type ackResponse struct {
	Status string `json:"status"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}
