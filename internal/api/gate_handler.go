package api

import (
	"net/http"

	"github.com/finmark/finmark/internal/gate"
)

// gateHandler exposes the access gate decision to clients so the
// frontend can route without duplicating the state machine.
type gateHandler struct {
	gate *gate.Gate
}

func newGateHandler(g *gate.Gate) *gateHandler {
	return &gateHandler{gate: g}
}

// Evaluate handles GET /api/v1/gate.
func (h *gateHandler) Evaluate(w http.ResponseWriter, r *http.Request) {
	d, err := h.gate.Evaluate(r.Context(), gate.TokenFromRequest(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to evaluate access state")
		return
	}

	resp := map[string]interface{}{
		"state":    d.State,
		"redirect": d.Redirect,
	}
	if d.User != nil {
		resp["user"] = map[string]interface{}{
			"id":        d.User.ID,
			"email":     d.User.Email,
			"name":      d.User.Name,
			"role":      d.User.Role,
			"onboarded": d.User.Onboarded,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
