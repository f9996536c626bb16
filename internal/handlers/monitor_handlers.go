package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"fleetmon/internal/monitor"
	"fleetmon/internal/policy"
)

// HandlePolicyGet returns the global monitor policy.
func (h *Handler) HandlePolicyGet(w http.ResponseWriter, r *http.Request) {
	pol, err := h.currentPolicy()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, pol)
}

// HandlePolicyPut applies a partial policy update.
func (h *Handler) HandlePolicyPut(w http.ResponseWriter, r *http.Request) {
	var upd policy.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		JSONError(w, "invalid_json", http.StatusBadRequest)
		return
	}

	pol, changed, err := policy.ApplyUpdate(h.DB, upd)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "policy.update", "changed: "+strings.Join(changed, ","))
	JSONResponse(w, map[string]any{
		"policy":  pol,
		"changed": changed,
	})
}

// HandleOverridesList returns every per-central override.
func (h *Handler) HandleOverridesList(w http.ResponseWriter, r *http.Request) {
	overrides, err := policy.ListOverrides(h.DB, queryInt(r, "limit", 1000))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"total":     len(overrides),
		"overrides": overrides,
	})
}

// HandleOverrideGet returns one central's override.
func (h *Handler) HandleOverrideGet(w http.ResponseWriter, r *http.Request) {
	centralID := r.PathValue("central_id")
	o, err := policy.GetOverride(h.DB, centralID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if o == nil {
		JSONError(w, policy.ErrOverrideNotFound.Error(), http.StatusNotFound)
		return
	}
	JSONResponse(w, o)
}

// HandleOverridePut creates or updates an override. The central id comes
// from the body so the collection endpoint can both create and update.
func (h *Handler) HandleOverridePut(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CentralID string `json:"central_id"`
		policy.OverrideUpsert
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid_json", http.StatusBadRequest)
		return
	}

	o, changed, err := policy.UpsertOverride(h.DB, req.CentralID, req.OverrideUpsert)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "policy.override", req.CentralID+" changed: "+strings.Join(changed, ","))
	JSONResponse(w, map[string]any{
		"override": o,
		"changed":  changed,
	})
}

// HandleOverrideDelete removes an override.
func (h *Handler) HandleOverrideDelete(w http.ResponseWriter, r *http.Request) {
	centralID := r.PathValue("central_id")
	if err := policy.DeleteOverride(h.DB, centralID); err != nil {
		writeDomainError(w, err)
		return
	}
	h.recordAudit(r, "policy.override_delete", centralID)
	JSONResponse(w, map[string]string{
		"status":     "deleted",
		"central_id": centralID,
	})
}

// HandleMonitorSnapshot returns the cross-cutting fleet snapshot.
func (h *Handler) HandleMonitorSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := monitor.Build(
		monitor.DBSources(h.DB),
		r.URL.Query().Get("window"),
		queryInt(r, "attention_limit", 0),
		time.Now(),
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, snap)
}

// HandleHealthNotify evaluates the fleet roll-up and pushes a fleet
// health notification when the auto-notify policy calls for one.
func (h *Handler) HandleHealthNotify(w http.ResponseWriter, r *http.Request) {
	force := queryBool(r, "force")
	dryRun := queryBool(r, "dry_run")
	now := time.Now()

	pol, err := h.currentPolicy()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	snap, err := monitor.Build(monitor.DBSources(h.DB), "", 0, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	result, err := monitor.AutoNotify(h.DB, h.Dispatcher, pol, snap, force, dryRun, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "monitor.health_notify", "decision="+result.Decision+" reason="+result.Reason)
	JSONResponse(w, result)
}
