package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/okian/pitwall/internal/adapters/source"
	"github.com/okian/pitwall/internal/config"
)

// SourceHandler switches the active telemetry source.
type SourceHandler struct {
	deps Dependencies
}

// NewSourceHandler creates a new source handler.
func NewSourceHandler(deps Dependencies) *SourceHandler {
	return &SourceHandler{deps: deps}
}

type sourceRequest struct {
	Kind     string   `json:"kind"`
	Protocol string   `json:"protocol,omitempty"`
	Address  string   `json:"address,omitempty"`
	Topic    string   `json:"topic,omitempty"`
	Brokers  []string `json:"brokers,omitempty"`
	GroupID  string   `json:"group_id,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
	BaudRate int      `json:"baud_rate,omitempty"`
	Interval string   `json:"interval,omitempty"`
}

func (r sourceRequest) config() (config.Source, error) {
	cfg := config.Source{
		Kind:     r.Kind,
		Protocol: r.Protocol,
		Address:  r.Address,
		Topic:    r.Topic,
		Brokers:  r.Brokers,
		GroupID:  r.GroupID,
		ClientID: r.ClientID,
		BaudRate: r.BaudRate,
	}
	if r.Interval != "" {
		d, err := time.ParseDuration(r.Interval)
		if err != nil {
			return config.Source{}, fmt.Errorf("interval: %w", err)
		}
		cfg.Interval = d
	}
	return cfg, cfg.Validate()
}

// HandlePostSource handles POST /source requests.
func (h *SourceHandler) HandlePostSource(w http.ResponseWriter, r *http.Request) {
	const op = "api.post_source"
	var req sourceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPayloadBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
		return
	}
	cfg, err := req.config()
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
		return
	}

	switch err := h.deps.SwitchSource(r.Context(), cfg); {
	case errors.Is(err, config.ErrInvalidConfig),
		errors.Is(err, source.ErrUnsupportedProtocol),
		errors.Is(err, source.ErrUnknownKind):
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
	case err != nil:
		writeError(w, http.StatusBadGateway, "source_unavailable", err)
	default:
		writeJSON(w, http.StatusOK, ackResponse{Status: "switched"})
	}
}
