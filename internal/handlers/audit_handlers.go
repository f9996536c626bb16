package handlers

import (
	"net/http"

	"fleetmon/internal/audit"
)

// HandleAuditList returns the audit trail, newest first.
func (h *Handler) HandleAuditList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := audit.List(h.DB, audit.Filter{
		Actor:  q.Get("actor"),
		Role:   q.Get("role"),
		Action: q.Get("action"),
		Path:   q.Get("path"),
		Status: q.Get("status"),
		Since:  q.Get("since"),
		Query:  q.Get("q"),
		Limit:  queryInt(r, "limit", 100),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"total":   len(entries),
		"entries": entries,
	})
}
