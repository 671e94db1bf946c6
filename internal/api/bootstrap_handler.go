package api

import (
	"errors"
	"net/http"

	"github.com/finmark/finmark/internal/audit"
	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/identity"
)

// bootstrapHandler serves the first-run flow: detecting a fresh
// install and creating the initial root administrator.
type bootstrapHandler struct {
	gate       *gate.Gate
	onboarding *identity.Onboarding
	audit      *auditor
}

func newBootstrapHandler(g *gate.Gate, ob *identity.Onboarding, aud *auditor) *bootstrapHandler {
	return &bootstrapHandler{gate: g, onboarding: ob, audit: aud}
}

// Status handles GET /api/v1/bootstrap.
func (h *bootstrapHandler) Status(w http.ResponseWriter, r *http.Request) {
	empty, err := h.gate.SystemIsEmpty(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check system state")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"needs_bootstrap": empty,
	})
}

// Complete handles POST /api/v1/bootstrap — creates the root admin and
// opens their first session.
func (h *bootstrapHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req identity.BootstrapInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	u, s, err := h.onboarding.CompleteBootstrap(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		case errors.Is(err, identity.ErrBootstrapDone):
			writeError(w, http.StatusConflict, "bootstrap_done", "the system already has users")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to bootstrap")
		}
		return
	}

	h.audit.record(r, audit.ActionBootstrap, "user", u.ID, u.Email)

	setSessionCookie(w, s)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"user":  u,
		"token": s.Token,
	})
}
