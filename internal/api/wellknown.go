package api

import (
	"encoding/json"
	"net/http"
)

// WellKnownHandler serves the FinMark service manifest at
// /.well-known/finmark.json so clients can discover the API shape.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	manifest := map[string]interface{}{
		"name":        "FinMark",
		"description": "Multi-tenant analytics dashboard backend",
		"version":     "1",
		"api_base":    "/api/v1",
		"auth": map[string]interface{}{
			"type":   "bearer",
			"cookie": "finmark_session",
		},
		"endpoints": map[string]string{
			"gate":       "/api/v1/gate",
			"bootstrap":  "/api/v1/bootstrap",
			"auth":       "/api/v1/auth",
			"onboarding": "/api/v1/onboarding",
			"users":      "/api/v1/users",
			"orgs":       "/api/v1/orgs",
			"dashboards": "/api/v1/dashboards",
			"audit":      "/api/v1/audit",
		},
		"health": "/health",
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(manifest)
}
