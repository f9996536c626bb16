package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"fleetmon/internal/alerts"
	"fleetmon/internal/events"
	"fleetmon/internal/fleet"
	"fleetmon/internal/incident"
)

func (h *Handler) flatAlerts(now time.Time) ([]fleet.FlatAlert, error) {
	nodes, err := h.currentNodes(now)
	if err != nil {
		return nil, err
	}
	return fleet.BuildOverview(nodes, now).Alerts, nil
}

func alertFilterFromQuery(r *http.Request) alerts.Filter {
	q := r.URL.Query()
	return alerts.Filter{
		Severity:        q.Get("severity"),
		CentralID:       q.Get("central_id"),
		Code:            q.Get("code"),
		Query:           q.Get("q"),
		IncludeSilenced: queryBool(r, "include_silenced"),
	}
}

// HandleAlertsList returns the current filtered alert list.
func (h *Handler) HandleAlertsList(w http.ResponseWriter, r *http.Request) {
	flat, err := h.flatAlerts(time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, alerts.List(flat, alertFilterFromQuery(r), queryInt(r, "limit", 0)))
}

// HandleAlertGroups returns alerts rolled up per alert code.
func (h *Handler) HandleAlertGroups(w http.ResponseWriter, r *http.Request) {
	flat, err := h.flatAlerts(time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, alerts.GroupBy(flat, alertFilterFromQuery(r), queryInt(r, "limit", 0)))
}

// actionRequest is the shared payload for ack, silence, and unsilence.
type actionRequest struct {
	CentralID   string `json:"central_id"`
	Code        string `json:"code"`
	Note        string `json:"note"`
	DurationSec int    `json:"duration_sec"`
}

func decodeActionRequest(w http.ResponseWriter, r *http.Request) (actionRequest, bool) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid_json", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// HandleAlertAck acknowledges an alert key.
func (h *Handler) HandleAlertAck(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	actor := actorOrDefault(r)
	if err := incident.Ack(h.DB, req.CentralID, req.Code, actor, req.Note, time.Now()); err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "alert.ack", fmt.Sprintf("%s/%s", req.CentralID, req.Code))
	h.publish(events.Event{
		Type:      events.IncidentAcked,
		CentralID: req.CentralID,
		Code:      req.Code,
		Message:   fmt.Sprintf("acknowledged by %s", actor),
	})
	JSONResponse(w, map[string]string{
		"status":     "acked",
		"central_id": req.CentralID,
		"code":       req.Code,
		"acked_by":   actor,
	})
}

// HandleAlertSilence silences an alert key for a duration.
func (h *Handler) HandleAlertSilence(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	actor := actorOrDefault(r)
	until, err := incident.Silence(h.DB, req.CentralID, req.Code, actor, req.Note, req.DurationSec, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "alert.silence", fmt.Sprintf("%s/%s until %s", req.CentralID, req.Code, until))
	h.publish(events.Event{
		Type:      events.IncidentSilenced,
		CentralID: req.CentralID,
		Code:      req.Code,
		Message:   fmt.Sprintf("silenced by %s until %s", actor, until),
	})
	JSONResponse(w, map[string]string{
		"status":         "silenced",
		"central_id":     req.CentralID,
		"code":           req.Code,
		"silenced_by":    actor,
		"silenced_until": until,
	})
}

// HandleAlertUnsilence lifts a silence early.
func (h *Handler) HandleAlertUnsilence(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeActionRequest(w, r)
	if !ok {
		return
	}
	actor := actorOrDefault(r)
	if err := incident.Unsilence(h.DB, req.CentralID, req.Code, actor, req.Note, time.Now()); err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "alert.unsilence", fmt.Sprintf("%s/%s", req.CentralID, req.Code))
	JSONResponse(w, map[string]string{
		"status":     "unsilenced",
		"central_id": req.CentralID,
		"code":       req.Code,
	})
}

// HandleActionsList returns the operator action log, newest first.
func (h *Handler) HandleActionsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	actions, err := incident.ListActions(h.DB, q.Get("central_id"), q.Get("code"), queryInt(r, "limit", 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"total":   len(actions),
		"actions": actions,
	})
}
