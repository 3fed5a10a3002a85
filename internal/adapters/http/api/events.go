package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/okian/pitwall/internal/app/ingest"
	"github.com/okian/pitwall/internal/domain/model"
)

// EventsHandler accepts externally reported race events.
type EventsHandler struct {
	deps Dependencies
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps Dependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

type eventRequest struct {
	Type      string    `json:"type"`
	CarID     string    `json:"car_id,omitempty"`
	Lap       int       `json:"lap,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

func (r eventRequest) validate() error {
	if !model.EventType(r.Type).Valid() {
		return errors.New("unknown event type")
	}
	if r.Lap < 0 {
		return errors.New("lap must not be negative")
	}
	return nil
}

// HandlePostEvent handles POST /events requests.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_event"
	var req eventRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
		return
	}

	ev := model.RaceEvent{
		Type:      model.EventType(req.Type),
		CarID:     req.CarID,
		Lap:       req.Lap,
		Timestamp: req.Timestamp,
	}
	switch err := h.deps.InjectEvent(r.Context(), ev); {
	case errors.Is(err, ingest.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, "unavailable", err)
	default:
		writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
	}
}
