package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/okian/pitwall/internal/adapters/source"
)

// TelemetryHandler accepts pushed telemetry frames for the http source.
type TelemetryHandler struct {
	deps Dependencies
}

// NewTelemetryHandler creates a new telemetry handler.
func NewTelemetryHandler(deps Dependencies) *TelemetryHandler {
	return &TelemetryHandler{deps: deps}
}

// HandlePostTelemetry handles POST /telemetry requests. The body is handed
// to the ingestion pipeline untouched; validation happens there.
func (h *TelemetryHandler) HandlePostTelemetry(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_telemetry"
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", wrapKind(op, ErrBadRequest, err))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, errors.New("empty body")))
		return
	}

	switch err := h.deps.PushTelemetry(r.Context(), body); {
	case errors.Is(err, source.ErrClosed):
		writeError(w, http.StatusConflict, "source_inactive", wrapKind(op, ErrSourceInactive, nil))
	case errors.Is(err, source.ErrPushFull):
		writeError(w, http.StatusTooManyRequests, "backpressure", wrapKind(op, ErrBackpressure, nil))
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err)
	default:
		writeJSON(w, http.StatusAccepted, ackResponse{Status: "accepted"})
	}
}
