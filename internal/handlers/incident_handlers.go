package handlers

import (
	"net/http"
	"strconv"
	"time"

	"fleetmon/internal/events"
	"fleetmon/internal/fleet"
	"fleetmon/internal/incident"
	"fleetmon/internal/notify"
	"fleetmon/internal/policy"
	"fleetmon/internal/severity"
)

// syncIncidents reconciles the incident table against the live fleet
// state and pushes the resulting events through the dispatcher. This is
// the single reconcile path shared by the HTTP trigger, the incident
// list, and the background loop.
func (h *Handler) syncIncidents(now time.Time) (incident.Summary, notify.Counters, error) {
	nodes, err := h.currentNodes(now)
	if err != nil {
		return incident.Summary{}, notify.Counters{}, err
	}
	summary, evs, err := incident.SyncNow(h.DB, nodes)
	if err != nil {
		return incident.Summary{}, notify.Counters{}, err
	}

	counters, err := h.Dispatcher.DispatchIncidents(evs, now)
	if err != nil {
		return summary, counters, err
	}

	for _, ev := range evs {
		typ := events.IncidentOpened
		if ev.Event == "escalated_bad" {
			typ = events.IncidentEscalated
		}
		h.publish(events.Event{
			Type:      typ,
			Severity:  ev.Severity.String(),
			CentralID: ev.CentralID,
			Code:      ev.Code,
			Message:   ev.Message,
		})
	}
	if summary.Resolved > 0 {
		h.publish(events.Event{
			Type:    events.IncidentResolved,
			Message: "incidents resolved by reconcile",
			Metadata: map[string]string{
				"resolved": strconv.Itoa(summary.Resolved),
			},
		})
	}
	return summary, counters, nil
}

// HandleIncidentsList reconciles first, then returns the filtered
// incident list so callers never see a stale view.
func (h *Handler) HandleIncidentsList(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	if _, _, err := h.syncIncidents(now); err != nil {
		writeDomainError(w, err)
		return
	}

	pol, err := h.currentPolicy()
	if err != nil {
		writeDomainError(w, err)
		return
	}

	q := r.URL.Query()
	f := incident.Filter{
		Status:          q.Get("status"),
		Severity:        q.Get("severity"),
		CentralID:       q.Get("central_id"),
		Code:            q.Get("code"),
		Query:           q.Get("q"),
		IncludeResolved: queryBool(r, "include_resolved"),
		SLABreachedOnly: queryBool(r, "sla_breached_only"),
		Limit:           queryInt(r, "limit", 0),
	}
	list, err := incident.List(h.DB, pol, f, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	totals, err := incident.ComputeTotals(h.DB, pol, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	JSONResponse(w, map[string]any{
		"totals":    totals,
		"incidents": list,
	})
}

// HandleIncidentDetail returns one incident with its action trail,
// notification history, and recent matching heartbeat classifications.
func (h *Handler) HandleIncidentDetail(w http.ResponseWriter, r *http.Request) {
	centralID := r.PathValue("central_id")
	code := r.PathValue("code")
	now := time.Now()

	// Reconcile first so the detail never shows a state the fleet has
	// already moved past.
	if _, _, err := h.syncIncidents(now); err != nil {
		writeDomainError(w, err)
		return
	}

	pol, err := h.currentPolicy()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	inc, err := incident.GetByKey(h.DB, pol, centralID, code, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	actions, err := incident.ListActions(h.DB, centralID, code, 50)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	records, err := notify.ListRecords(h.DB, notify.RecordFilter{
		CentralID: centralID,
		Code:      code,
		Limit:     50,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	hits, err := h.historyHits(centralID, code, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	JSONResponse(w, map[string]any{
		"incident":      inc,
		"actions":       actions,
		"notifications": records,
		"history_hits":  hits,
	})
}

// historyHits re-classifies recent heartbeats and keeps the timestamps
// where the incident's alert code fired.
func (h *Handler) historyHits(centralID, code string, now time.Time) ([]historyHit, error) {
	pol, err := h.currentPolicy()
	if err != nil {
		return nil, err
	}
	override, err := policy.GetOverride(h.DB, centralID)
	if err != nil {
		return nil, err
	}
	eff := policy.Resolve(pol, override)
	history, err := fleet.History(h.DB, centralID, 50)
	if err != nil {
		return nil, err
	}

	var hits []historyHit
	for _, hb := range history {
		for _, a := range fleet.Classify(hb, eff, now) {
			if a.Code == code {
				hits = append(hits, historyHit{Ts: hb.TsReceived, Severity: a.Severity, Message: a.Message})
			}
		}
	}
	return hits, nil
}

type historyHit struct {
	Ts       string         `json:"ts"`
	Severity severity.Level `json:"severity"`
	Message  string         `json:"message"`
}

// HandleIncidentSync runs a reconcile on demand.
func (h *Handler) HandleIncidentSync(w http.ResponseWriter, r *http.Request) {
	summary, counters, err := h.syncIncidents(time.Now())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.recordAudit(r, "incident.sync", "manual reconcile")
	JSONResponse(w, map[string]any{
		"summary":       summary,
		"notifications": counters,
	})
}
