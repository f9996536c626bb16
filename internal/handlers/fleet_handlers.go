package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"fleetmon/internal/events"
	"fleetmon/internal/fleet"
	"fleetmon/internal/policy"
)

// HandleHeartbeat ingests one agent heartbeat: persists it, appends to the
// history, and announces it on the event stream.
func (h *Handler) HandleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var payload fleet.IngestPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		JSONError(w, "invalid_json", http.StatusBadRequest)
		return
	}

	tsReceived, err := fleet.Ingest(h.DB, payload, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.publish(events.Event{
		Type:      events.HeartbeatReceived,
		CentralID: payload.CentralID,
		Message:   "heartbeat received",
	})

	JSONResponse(w, map[string]any{
		"status":      "ok",
		"central_id":  payload.CentralID,
		"ts_received": tsReceived,
	})
}

// HandleFleetOverview returns fleet totals plus every alert, worst first.
func (h *Handler) HandleFleetOverview(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	nodes, err := h.currentNodes(now)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, fleet.BuildOverview(nodes, now))
}

// HandleFleetCentrals returns the classified per-central state.
func (h *Handler) HandleFleetCentrals(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.currentNodes(time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"total":    len(nodes),
		"centrals": nodes,
	})
}

// HandleCentralHistory returns recent heartbeats for one central,
// re-classified against the current policy so old rows show how they
// would be judged now.
func (h *Handler) HandleCentralHistory(w http.ResponseWriter, r *http.Request) {
	centralID := r.PathValue("central_id")
	if centralID == "" {
		JSONError(w, "missing_central_id", http.StatusBadRequest)
		return
	}
	limit := queryInt(r, "limit", 100)

	history, err := fleet.History(h.DB, centralID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pol, err := h.currentPolicy()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	override, err := policy.GetOverride(h.DB, centralID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	eff := policy.Resolve(pol, override)

	now := time.Now()
	type historyEntry struct {
		fleet.Heartbeat
		Alerts []fleet.Alert `json:"alerts"`
		Health fleet.Health  `json:"health"`
	}
	out := make([]historyEntry, 0, len(history))
	for _, hb := range history {
		alerts := fleet.Classify(hb, eff, now)
		out = append(out, historyEntry{
			Heartbeat: hb,
			Alerts:    alerts,
			Health:    fleet.ComputeHealth(alerts),
		})
	}

	JSONResponse(w, map[string]any{
		"central_id": centralID,
		"total":      len(out),
		"history":    out,
	})
}
