package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/okian/pitwall/internal/adapters/repository"
	"github.com/okian/pitwall/internal/domain/model"
)

// AuditHandler serves the audit trail.
type AuditHandler struct {
	deps Dependencies
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(deps Dependencies) *AuditHandler {
	return &AuditHandler{deps: deps}
}

type auditResponse struct {
	Records []model.AuditRecord `json:"records"`
}

// HandleAudit handles GET /audit?limit=N&cause=C&since=T&until=T requests.
// cause may repeat or hold a comma separated list; since and until are
// RFC 3339 and inclusive. Records are newest first.
func (h *AuditHandler) HandleAudit(w http.ResponseWriter, r *http.Request) {
	const op = "api.get_audit"
	filter, err := parseAuditFilter(r.URL.Query())
	if err == nil {
		err = filter.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
		return
	}
	records, err := h.deps.QueryAudit(r.Context(), filter)
	switch {
	case errors.Is(err, repository.ErrInvalidFilter), errors.Is(err, repository.ErrInvalidLimit):
		writeError(w, http.StatusBadRequest, "bad_request", wrapKind(op, ErrBadRequest, err))
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err)
		return
	}
	if records == nil {
		records = []model.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, auditResponse{Records: records})
}

func parseAuditFilter(q url.Values) (repository.AuditFilter, error) {
	var (
		f   repository.AuditFilter
		err error
	)
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		return f, err
	}
	for _, raw := range q["cause"] {
		for c := range strings.SplitSeq(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				f.Causes = append(f.Causes, model.AuditCause(c))
			}
		}
	}
	if f.Since, err = parseTime("since", q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime("until", q.Get("until")); err != nil {
		return f, err
	}
	return f, nil
}

func parseTime(name, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be an RFC 3339 time", ErrBadRequest, name)
	}
	return t, nil
}
