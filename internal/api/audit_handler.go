package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/finmark/finmark/internal/audit"
)

// auditLogHandler serves the audit trail.
type auditLogHandler struct {
	store *audit.Store
}

func newAuditLogHandler(store *audit.Store) *auditLogHandler {
	return &auditLogHandler{store: store}
}

// List handles GET /api/v1/audit.
func (h *auditLogHandler) List(w http.ResponseWriter, r *http.Request) {
	q := audit.Query{
		Action: r.URL.Query().Get("action"),
	}

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "from must be RFC 3339")
			return
		}
		q.From = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "to must be RFC 3339")
			return
		}
		q.To = t
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be an integer")
			return
		}
		q.Limit = n
	}

	events, err := h.store.List(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list audit events")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
	})
}
