package handlers

import (
	"context"
	"log"
	"time"

	"fleetmon/internal/events"
	"fleetmon/internal/monitor"
)

// ReconcileLoop periodically reconciles incidents against the live fleet
// state and evaluates the fleet-health auto-notifier, so incidents open,
// escalate, and resolve without anyone polling the API.
func (h *Handler) ReconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastState string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lastState = h.reconcileOnce(lastState)
		}
	}
}

func (h *Handler) reconcileOnce(lastState string) string {
	now := time.Now()
	summary, _, err := h.syncIncidents(now)
	if err != nil {
		log.Printf("reconcile: incident sync failed: %v", err)
		return lastState
	}
	if summary.Inserted > 0 || summary.Resolved > 0 {
		log.Printf("reconcile: active=%d inserted=%d updated=%d resolved=%d",
			summary.ActiveTotal, summary.Inserted, summary.Updated, summary.Resolved)
	}

	pol, err := h.currentPolicy()
	if err != nil {
		log.Printf("reconcile: policy load failed: %v", err)
		return lastState
	}
	snap, err := monitor.Build(monitor.DBSources(h.DB), "", 0, now)
	if err != nil {
		log.Printf("reconcile: snapshot failed: %v", err)
		return lastState
	}

	state := snap.State.String()
	if lastState != "" && state != lastState {
		h.publish(events.Event{
			Type:     events.FleetStateChanged,
			Severity: state,
			Message:  "fleet state changed: " + lastState + " -> " + state,
		})
	}

	result, err := monitor.AutoNotify(h.DB, h.Dispatcher, pol, snap, false, false, now)
	if err != nil {
		log.Printf("reconcile: fleet auto-notify failed: %v", err)
		return state
	}
	if result.Decision == monitor.DecisionSend {
		log.Printf("reconcile: fleet health notification sent (%s)", result.Reason)
	}
	return state
}
