package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/finmark/finmark/internal/dashboard"
	"github.com/finmark/finmark/internal/gate"
	"github.com/finmark/finmark/internal/org"
	"github.com/finmark/finmark/internal/rbac"
	"github.com/go-chi/chi/v5"
)

// dashboardsHandler serves per-organization analytics dashboards.
type dashboardsHandler struct {
	store *dashboard.Store
	cache *dashboard.Cache
	orgs  *org.Store
}

func newDashboardsHandler(store *dashboard.Store, cache *dashboard.Cache, orgs *org.Store) *dashboardsHandler {
	return &dashboardsHandler{store: store, cache: cache, orgs: orgs}
}

// resolveOrg picks the organization a dashboard request targets: the
// org_id query parameter when present, otherwise the caller's default
// membership. Callers may only read orgs they belong to unless they
// hold manage_organizations.
func (h *dashboardsHandler) resolveOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := gate.IdentityFromContext(r.Context())
	if id == nil || id.User == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return "", false
	}

	memberships, err := h.orgs.ListMembershipsByUser(r.Context(), id.User.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list memberships")
		return "", false
	}

	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		if len(memberships) == 0 {
			writeError(w, http.StatusNotFound, "no_organization", "you are not a member of any organization")
			return "", false
		}
		// ListMembershipsByUser orders the default membership first.
		return memberships[0].OrgID, true
	}

	if rbac.HasPermission(id.User.Role, rbac.PermManageOrganizations) {
		return orgID, true
	}
	for _, m := range memberships {
		if m.OrgID == orgID {
			return orgID, true
		}
	}
	writeError(w, http.StatusForbidden, "forbidden", "you are not a member of this organization")
	return "", false
}

func parseKind(w http.ResponseWriter, r *http.Request) (dashboard.Kind, bool) {
	kind := dashboard.Kind(chi.URLParam(r, "kind"))
	if !kind.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "unknown dashboard kind")
		return "", false
	}
	return kind, true
}

// Get handles GET /api/v1/dashboards/{kind}.
func (h *dashboardsHandler) Get(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	orgID, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}

	d, err := h.cache.Get(r.Context(), orgID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load dashboard")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Export handles GET /api/v1/dashboards/{kind}/export — CSV download.
func (h *dashboardsHandler) Export(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseKind(w, r)
	if !ok {
		return
	}
	orgID, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}

	d, err := h.cache.Get(r.Context(), orgID, kind)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load dashboard")
		return
	}

	filename := strings.Join([]string{"finmark", string(kind), time.Now().Format("2006-01-02")}, "-") + ".csv"
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	_ = dashboard.WriteCSV(w, d)
}

// UpdateFinancial handles PUT /api/v1/dashboards/financial — writes
// financial data points and drops the stale cache entry.
func (h *dashboardsHandler) UpdateFinancial(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.resolveOrg(w, r)
	if !ok {
		return
	}

	var req struct {
		Points []struct {
			Label  string    `json:"label"`
			Period time.Time `json:"period"`
			Value  float64   `json:"value"`
		} `json:"points"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if len(req.Points) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "points are required")
		return
	}
	for _, p := range req.Points {
		if p.Label == "" || p.Period.IsZero() {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", "each point needs a label and period")
			return
		}
	}

	for _, p := range req.Points {
		if err := h.store.Insert(r.Context(), orgID, dashboard.KindFinancial, p.Label, p.Period, p.Value); err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to save data points")
			return
		}
	}

	h.cache.Invalidate(orgID, dashboard.KindFinancial)
	w.WriteHeader(http.StatusNoContent)
}
