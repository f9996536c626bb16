package handlers

import (
	"net/http"

	"fleetmon/internal/middleware"
)

// RegisterRoutes wires every endpoint onto the mux with its role guard.
func RegisterRoutes(mux *http.ServeMux, h *Handler, auth *middleware.Auth) {
	// Liveness check, unauthenticated.
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Agent ingest.
	mux.HandleFunc("POST /api/heartbeat", auth.RequireAgent(h.HandleHeartbeat))

	// Fleet state.
	mux.HandleFunc("GET /api/fleet/overview", auth.Require(middleware.RoleRead, h.HandleFleetOverview))
	mux.HandleFunc("GET /api/fleet/centrals", auth.Require(middleware.RoleRead, h.HandleFleetCentrals))
	mux.HandleFunc("GET /api/fleet/centrals/{central_id}/history", auth.Require(middleware.RoleRead, h.HandleCentralHistory))

	// Alerts and operator actions.
	mux.HandleFunc("GET /api/fleet/alerts", auth.Require(middleware.RoleRead, h.HandleAlertsList))
	mux.HandleFunc("GET /api/fleet/alerts/groups", auth.Require(middleware.RoleRead, h.HandleAlertGroups))
	mux.HandleFunc("POST /api/fleet/alerts/ack", auth.Require(middleware.RoleOperate, h.HandleAlertAck))
	mux.HandleFunc("POST /api/fleet/alerts/silence", auth.Require(middleware.RoleOperate, h.HandleAlertSilence))
	mux.HandleFunc("POST /api/fleet/alerts/unsilence", auth.Require(middleware.RoleOperate, h.HandleAlertUnsilence))
	mux.HandleFunc("GET /api/fleet/actions", auth.Require(middleware.RoleRead, h.HandleActionsList))

	// Incidents.
	mux.HandleFunc("GET /api/fleet/incidents", auth.Require(middleware.RoleRead, h.HandleIncidentsList))
	mux.HandleFunc("GET /api/fleet/incidents/{central_id}/{code}", auth.Require(middleware.RoleRead, h.HandleIncidentDetail))
	mux.HandleFunc("POST /api/fleet/incidents/sync", auth.Require(middleware.RoleOperate, h.HandleIncidentSync))

	// Monitor policy and overrides.
	mux.HandleFunc("GET /api/fleet/monitor-policy", auth.Require(middleware.RoleRead, h.HandlePolicyGet))
	mux.HandleFunc("POST /api/fleet/monitor-policy", auth.Require(middleware.RoleAdmin, h.HandlePolicyPut))
	mux.HandleFunc("GET /api/fleet/monitor-policy/overrides", auth.Require(middleware.RoleRead, h.HandleOverridesList))
	mux.HandleFunc("POST /api/fleet/monitor-policy/overrides", auth.Require(middleware.RoleAdmin, h.HandleOverridePut))
	mux.HandleFunc("GET /api/fleet/monitor-policy/overrides/{central_id}", auth.Require(middleware.RoleRead, h.HandleOverrideGet))
	mux.HandleFunc("DELETE /api/fleet/monitor-policy/overrides/{central_id}", auth.Require(middleware.RoleAdmin, h.HandleOverrideDelete))

	// Notifications.
	mux.HandleFunc("GET /api/fleet/notifications", auth.Require(middleware.RoleRead, h.HandleNotificationsList))
	mux.HandleFunc("GET /api/notifications/settings", auth.Require(middleware.RoleRead, h.HandleNotificationSettingsGet))
	mux.HandleFunc("POST /api/notifications/settings", auth.Require(middleware.RoleAdmin, h.HandleNotificationSettingsPut))
	mux.HandleFunc("POST /api/notifications/test", auth.Require(middleware.RoleOperate, h.HandleNotificationTest))
	mux.HandleFunc("POST /api/notifications/retry", auth.Require(middleware.RoleOperate, h.HandleNotificationRetry))

	// Snapshot, fleet health, audit.
	mux.HandleFunc("GET /api/fleet/monitor", auth.Require(middleware.RoleRead, h.HandleMonitorSnapshot))
	mux.HandleFunc("POST /api/fleet/health-notify", auth.Require(middleware.RoleOperate, h.HandleHealthNotify))
	mux.HandleFunc("GET /api/audit", auth.Require(middleware.RoleRead, h.HandleAuditList))

	// Live event stream.
	mux.HandleFunc("GET /api/fleet/events", auth.Require(middleware.RoleRead, h.Hub.HandleStream))
}

// HandleHealth reports process liveness and stream fan-out size.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if err := h.DB.Ping(); err != nil {
		status = "degraded"
	}
	JSONResponse(w, map[string]any{
		"status":         status,
		"stream_clients": h.Hub.ActiveClients(),
	})
}
