package api

import (
	"errors"
	"net/http"

	"github.com/finmark/finmark/internal/audit"
	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/identity"
	"github.com/finmark/finmark/internal/provider"
)

// onboardingHandler completes a signed-in principal's profile. The
// caller has a session but is not yet authorized, so this route sits
// outside the authorized group and resolves the principal itself.
type onboardingHandler struct {
	auth       provider.Provider
	onboarding *identity.Onboarding
	audit      *auditor
}

func newOnboardingHandler(auth provider.Provider, ob *identity.Onboarding, aud *auditor) *onboardingHandler {
	return &onboardingHandler{auth: auth, onboarding: ob, audit: aud}
}

// Complete handles POST /api/v1/onboarding.
func (h *onboardingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	token := gate.TokenFromRequest(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	p, err := h.auth.CurrentPrincipal(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	var req identity.CompleteInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	u, err := h.onboarding.Complete(r.Context(), p, req)
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidInput):
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		case errors.Is(err, identity.ErrAlreadyOnboarded):
			writeError(w, http.StatusConflict, "already_onboarded", "onboarding is already complete")
		case errors.Is(err, identity.ErrOrganizationNotFound):
			writeError(w, http.StatusUnprocessableEntity, "organization_not_found", "the invited organization no longer exists")
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to complete onboarding")
		}
		return
	}

	h.audit.record(r, audit.ActionUserOnboarded, "user", u.ID, u.Email)
	writeJSON(w, http.StatusOK, u)
}
