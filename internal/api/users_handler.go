package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/finmark/finmark/internal/audit"
	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/provider"
	"github.com/finmark/finmark/internal/rbac"
	"github.com/finmark/finmark/internal/user"
	"github.com/go-chi/chi/v5"
)

// usersHandler groups user management HTTP handlers. All routes sit
// behind the manage_users permission; granting or revoking admin-class
// roles additionally requires manage_admins.
type usersHandler struct {
	store *user.Store
	auth  provider.Provider
	audit *auditor
}

func newUsersHandler(store *user.Store, auth provider.Provider, aud *auditor) *usersHandler {
	return &usersHandler{store: store, auth: auth, audit: aud}
}

// isLastRootAdmin reports whether removing root_admin from the given
// user would leave the system without one.
func isLastRootAdmin(ctx context.Context, store *user.Store, userID string) (bool, error) {
	all, err := store.List(ctx)
	if err != nil {
		return false, err
	}
	return lastRootAdmin(all, userID), nil
}

func lastRootAdmin(all []*user.User, userID string) bool {
	for _, u := range all {
		if u.ID != userID && u.Role == rbac.RoleRootAdmin {
			return false
		}
	}
	return true
}

// Invite handles POST /api/v1/users/invite.
func (h *usersHandler) Invite(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email        string `json:"email"`
		Name         string `json:"name"`
		Role         string `json:"role"`
		Position     string `json:"position"`
		Organization string `json:"organization"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	if req.Email == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "email is required")
		return
	}

	role := rbac.RoleAnalyst
	if req.Role != "" {
		parsed, ok := rbac.ParseRole(req.Role)
		if !ok {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "unknown role")
			return
		}
		role = parsed
	}

	// Only admin managers may hand out admin-class roles.
	if role.IsAdminClass() {
		id := gate.IdentityFromContext(r.Context())
		if id == nil || id.User == nil || !rbac.CanManageAdmins(id.User.Role) {
			writeError(w, http.StatusForbidden, "forbidden", "granting admin roles requires the manage_admins permission")
			return
		}
	}

	meta := provider.Metadata{
		provider.MetaFullName:       req.Name,
		provider.MetaInvitedRole:    string(role),
		provider.MetaPosition:       req.Position,
		provider.MetaOrganization:   req.Organization,
		provider.MetaInvitationFlow: "true",
	}

	link, err := h.auth.InviteByEmail(r.Context(), req.Email, meta, "/onboarding")
	if err != nil {
		if errors.Is(err, provider.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "conflict", "a user with this email already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create invitation")
		return
	}

	h.audit.record(r, audit.ActionUserInvited, "principal", req.Email, string(role))

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"email": req.Email,
		"role":  role,
		"link":  link,
	})
}

// List handles GET /api/v1/users.
func (h *usersHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.store.List(r.Context())
	if err != nil {
		writeStoreError(w, err, "failed to list users")
		return
	}

	if users == nil {
		users = []*user.User{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"users": users,
	})
}

// Get handles GET /api/v1/users/{id}.
func (h *usersHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	u, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "failed to get user")
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// Update handles PUT /api/v1/users/{id}.
func (h *usersHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req struct {
		Name     *string    `json:"name"`
		Position *string    `json:"position"`
		Role     *rbac.Role `json:"role"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	input := user.UpdateUserInput{Name: req.Name, Position: req.Position, Role: req.Role}

	existing, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "failed to get user")
		return
	}

	if input.Role != nil {
		newRole := *input.Role
		if !newRole.Valid() {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "unknown role")
			return
		}

		// Touching admin-class roles in either direction requires
		// manage_admins.
		if newRole.IsAdminClass() || existing.Role.IsAdminClass() {
			caller := gate.IdentityFromContext(r.Context())
			if caller == nil || caller.User == nil || !rbac.CanManageAdmins(caller.User.Role) {
				writeError(w, http.StatusForbidden, "forbidden", "changing admin roles requires the manage_admins permission")
				return
			}
		}

		// Never demote the last root admin.
		if existing.Role == rbac.RoleRootAdmin && newRole != rbac.RoleRootAdmin {
			last, err := isLastRootAdmin(r.Context(), h.store, id)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal_error", "failed to check role constraints")
				return
			}
			if last {
				writeError(w, http.StatusConflict, "constraint_error", "cannot demote the last root administrator")
				return
			}
		}
	}

	u, err := h.store.Update(r.Context(), id, input)
	if err != nil {
		writeStoreError(w, err, "failed to update user")
		return
	}

	if input.Role != nil && *input.Role != existing.Role {
		h.audit.record(r, audit.ActionUserRoleChanged, "user", id, string(existing.Role)+" -> "+string(*input.Role))
	}

	writeJSON(w, http.StatusOK, u)
}

// Delete handles DELETE /api/v1/users/{id}.
func (h *usersHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		writeStoreError(w, err, "failed to get user")
		return
	}

	if existing.Role.IsAdminClass() {
		caller := gate.IdentityFromContext(r.Context())
		if caller == nil || caller.User == nil || !rbac.CanManageAdmins(caller.User.Role) {
			writeError(w, http.StatusForbidden, "forbidden", "deleting admins requires the manage_admins permission")
			return
		}
	}

	if existing.Role == rbac.RoleRootAdmin {
		last, err := isLastRootAdmin(r.Context(), h.store, id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to check role constraints")
			return
		}
		if last {
			writeError(w, http.StatusConflict, "constraint_error", "cannot delete the last root administrator")
			return
		}
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err, "failed to delete user")
		return
	}

	h.audit.record(r, audit.ActionUserDeleted, "user", id, existing.Email)
	w.WriteHeader(http.StatusNoContent)
}
