package api

import (
	"net/http"

	"github.com/finmark/finmark/internal/audit"
	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/org"
	"github.com/go-chi/chi/v5"
)

// orgsHandler groups organization and membership HTTP handlers.
type orgsHandler struct {
	store *org.Store
	audit *auditor
}

func newOrgsHandler(store *org.Store, aud *auditor) *orgsHandler {
	return &orgsHandler{store: store, audit: aud}
}

// Create handles POST /api/v1/orgs.
func (h *orgsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req org.CreateOrgInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "name is required")
		return
	}
	if req.Type != "" && !req.Type.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "unknown organization type")
		return
	}

	o, err := h.store.Create(r.Context(), req)
	if err != nil {
		writeStoreError(w, err, "failed to create organization")
		return
	}

	h.audit.record(r, audit.ActionOrgCreated, "organization", o.ID, o.Name)
	writeJSON(w, http.StatusCreated, o)
}

// List handles GET /api/v1/orgs.
func (h *orgsHandler) List(w http.ResponseWriter, r *http.Request) {
	orgs, err := h.store.List(r.Context())
	if err != nil {
		writeStoreError(w, err, "failed to list organizations")
		return
	}
	if orgs == nil {
		orgs = []*org.Organization{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"organizations": orgs,
	})
}

// Get handles GET /api/v1/orgs/{id}.
func (h *orgsHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.store.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "failed to get organization")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Update handles PUT /api/v1/orgs/{id}.
func (h *orgsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req org.UpdateOrgInput
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Type != nil && !req.Type.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "unknown organization type")
		return
	}

	o, err := h.store.Update(r.Context(), id, req)
	if err != nil {
		writeStoreError(w, err, "failed to update organization")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Delete handles DELETE /api/v1/orgs/{id}.
func (h *orgsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err, "failed to delete organization")
		return
	}

	h.audit.record(r, audit.ActionOrgDeleted, "organization", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// AddMember handles POST /api/v1/orgs/{id}/members.
func (h *orgsHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")

	var req struct {
		UserID    string `json:"user_id"`
		OrgRole   string `json:"org_role"`
		IsDefault bool   `json:"is_default"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "user_id is required")
		return
	}
	if req.OrgRole == "" {
		req.OrgRole = "member"
	}

	m, err := h.store.AddMembership(r.Context(), req.UserID, orgID, req.OrgRole, req.IsDefault)
	if err != nil {
		writeStoreError(w, err, "failed to add membership")
		return
	}

	h.audit.record(r, audit.ActionMembershipAdded, "organization", orgID, req.UserID)
	writeJSON(w, http.StatusCreated, m)
}

// RemoveMember handles DELETE /api/v1/orgs/{id}/members/{userID}.
func (h *orgsHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "id")
	userID := chi.URLParam(r, "userID")

	if err := h.store.RemoveMembership(r.Context(), userID, orgID); err != nil {
		writeStoreError(w, err, "failed to remove membership")
		return
	}

	h.audit.record(r, audit.ActionMembershipRemoved, "organization", orgID, userID)
	w.WriteHeader(http.StatusNoContent)
}

// ListMembers handles GET /api/v1/orgs/{id}/members.
func (h *orgsHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.store.ListMembersByOrg(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, "failed to list members")
		return
	}
	if members == nil {
		members = []*org.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"members": members,
	})
}

// ListMine handles GET /api/v1/me/orgs — the caller's memberships,
// default first.
func (h *orgsHandler) ListMine(w http.ResponseWriter, r *http.Request) {
	id := gate.IdentityFromContext(r.Context())
	if id == nil || id.User == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	memberships, err := h.store.ListMembershipsByUser(r.Context(), id.User.ID)
	if err != nil {
		writeStoreError(w, err, "failed to list memberships")
		return
	}
	if memberships == nil {
		memberships = []*org.Membership{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"memberships": memberships,
	})
}

// SetDefaultOrg handles PUT /api/v1/me/default-org.
func (h *orgsHandler) SetDefaultOrg(w http.ResponseWriter, r *http.Request) {
	id := gate.IdentityFromContext(r.Context())
	if id == nil || id.User == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}

	var req struct {
		OrgID string `json:"org_id"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.OrgID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "org_id is required")
		return
	}

	if err := h.store.SetDefault(r.Context(), id.User.ID, req.OrgID); err != nil {
		writeStoreError(w, err, "failed to set default organization")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
