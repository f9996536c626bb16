package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"fleetmon/internal/events"
	"fleetmon/internal/notify"
)

// HandleNotificationsList returns delivery records, newest first.
func (h *Handler) HandleNotificationsList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records, err := notify.ListRecords(h.DB, notify.RecordFilter{
		CentralID: q.Get("central_id"),
		Code:      q.Get("code"),
		Status:    q.Get("status"),
		Channel:   q.Get("channel"),
		Event:     q.Get("event"),
		Since:     q.Get("since"),
		Limit:     queryInt(r, "limit", 100),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, map[string]any{
		"total":         len(records),
		"notifications": records,
	})
}

// HandleNotificationTest fires a synthetic notification through the
// normal delivery path.
func (h *Handler) HandleNotificationTest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Severity string `json:"severity"`
		Channel  string `json:"channel"`
		Message  string `json:"message"`
		DryRun   bool   `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid_json", http.StatusBadRequest)
		return
	}

	records, err := h.Dispatcher.DispatchTest(req.Severity, req.Channel, req.Message, req.DryRun, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "notification.test", fmt.Sprintf("channel=%s dry_run=%t", req.Channel, req.DryRun))
	JSONResponse(w, map[string]any{
		"status":  "dispatched",
		"results": records,
	})
}

// HandleNotificationRetry re-sends a previously recorded notification.
func (h *Handler) HandleNotificationRetry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      int64  `json:"id"`
		Channel string `json:"channel"`
		DryRun  bool   `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "invalid_json", http.StatusBadRequest)
		return
	}
	if req.ID <= 0 {
		JSONError(w, "invalid_notification_id", http.StatusBadRequest)
		return
	}

	rec, err := h.Dispatcher.Retry(req.ID, req.Channel, req.DryRun, time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "notification.retry", fmt.Sprintf("id=%d channel=%s status=%s", req.ID, rec.Channel, rec.Status))
	evType := events.NotificationSent
	if rec.Status == notify.StatusFailed {
		evType = events.NotificationFailed
	}
	h.publish(events.Event{
		Type:      evType,
		CentralID: rec.CentralID,
		Code:      rec.Code,
		Message:   fmt.Sprintf("retry via %s: %s", rec.Channel, rec.Status),
	})
	JSONResponse(w, rec)
}

// HandleNotificationSettingsGet returns the notification settings.
func (h *Handler) HandleNotificationSettingsGet(w http.ResponseWriter, r *http.Request) {
	s, err := notify.Load(h.DB)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	JSONResponse(w, s)
}

// HandleNotificationSettingsPut applies a partial settings update.
func (h *Handler) HandleNotificationSettingsPut(w http.ResponseWriter, r *http.Request) {
	var upd notify.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		JSONError(w, "invalid_json", http.StatusBadRequest)
		return
	}

	s, changed, err := notify.ApplyUpdate(h.DB, upd)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	h.recordAudit(r, "notification.settings", "changed: "+strings.Join(changed, ","))
	JSONResponse(w, map[string]any{
		"settings": s,
		"changed":  changed,
	})
}
