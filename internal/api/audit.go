package api

import (
	"log/slog"
	"net/http"

	"github.com/finmark/finmark/internal/audit"
	"github.com/finmark/finmark/internal/gate"
)

// auditor records security-relevant actions, both as durable audit
// events and as structured log entries.
type auditor struct {
	collector *audit.Collector
}

// record emits one audit event attributed to the request's identity.
// A nil collector (used in tests) degrades to logging only.
func (a *auditor) record(r *http.Request, action, targetType, targetID, detail string) {
	var actorID, actorEmail string
	if id := gate.IdentityFromContext(r.Context()); id != nil && id.User != nil {
		actorID = id.User.ID
		actorEmail = id.User.Email
	}

	if a.collector != nil {
		a.collector.Record(audit.Event{
			ActorID:    actorID,
			ActorEmail: actorEmail,
			Action:     action,
			TargetType: targetType,
			TargetID:   targetID,
			Detail:     detail,
		})
	}

	slog.Info("audit",
		"action", action,
		"target_type", targetType,
		"target_id", targetID,
		"actor_id", actorID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
