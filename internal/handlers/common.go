// Package handlers exposes the HTTP API. Handlers stay thin: parse the
// request, call into the domain packages, translate sentinel errors to
// status codes.
package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"fleetmon/internal/audit"
	"fleetmon/internal/config"
	"fleetmon/internal/db"
	"fleetmon/internal/events"
	"fleetmon/internal/fleet"
	"fleetmon/internal/incident"
	"fleetmon/internal/middleware"
	"fleetmon/internal/notify"
	"fleetmon/internal/policy"
)

// Handler carries the shared dependencies for every endpoint.
type Handler struct {
	DB         *sql.DB
	Cfg        config.Config
	Bus        *events.Bus
	Dispatcher *notify.Dispatcher
	Hub        *StreamHub
}

// New wires the handler set.
func New(conn *sql.DB, cfg config.Config, bus *events.Bus, dispatcher *notify.Dispatcher, hub *StreamHub) *Handler {
	return &Handler{DB: conn, Cfg: cfg, Bus: bus, Dispatcher: dispatcher, Hub: hub}
}

// JSONResponse sends a JSON response
func JSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("handlers: failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeDomainError maps sentinel and validation errors to status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	var polErr *policy.ValidationError
	var notifyErr *notify.ValidationError
	switch {
	case errors.Is(err, incident.ErrNotFound),
		errors.Is(err, notify.ErrRecordNotFound),
		errors.Is(err, policy.ErrOverrideNotFound):
		JSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, incident.ErrMissingKey),
		errors.Is(err, fleet.ErrMissingCentralID),
		errors.Is(err, policy.ErrNoOverrideFields),
		errors.Is(err, policy.ErrInvalidCentralID),
		errors.Is(err, notify.ErrRetryChannelNotSupported):
		JSONError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &polErr), errors.As(err, &notifyErr):
		JSONError(w, err.Error(), http.StatusBadRequest)
	default:
		log.Printf("handlers: internal error: %v", err)
		JSONError(w, "internal_error", http.StatusInternalServerError)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

// currentPolicy loads the global policy; per-central overrides are
// resolved by the callers that need them.
func (h *Handler) currentPolicy() (policy.MonitorPolicy, error) {
	return policy.Load(h.DB)
}

// currentNodes classifies the whole fleet against the effective policies.
func (h *Handler) currentNodes(now time.Time) ([]fleet.Node, error) {
	pol, err := h.currentPolicy()
	if err != nil {
		return nil, err
	}
	overrides, err := policy.ListOverrides(h.DB, 1000)
	if err != nil {
		return nil, err
	}
	return fleet.BuildNodes(h.DB, pol, fleet.OverridesByCentral(overrides), now)
}

// recordAudit logs a successful privileged call.
func (h *Handler) recordAudit(r *http.Request, action, detail string) {
	audit.Record(h.DB, audit.Entry{
		Ts:     db.NowTS(),
		Actor:  middleware.Actor(r),
		Role:   middleware.RequestRole(r).String(),
		Action: action,
		Path:   r.URL.Path,
		Status: audit.StatusOK,
		Detail: detail,
	})
}

// actorOrDefault names the caller for action records; open-mode requests
// carry no identity and fall back to "operator".
func actorOrDefault(r *http.Request) string {
	if actor := middleware.Actor(r); actor != "" {
		return actor
	}
	return "operator"
}

// publish mirrors a domain event to bus subscribers and stream clients.
func (h *Handler) publish(e events.Event) {
	if h.Bus != nil {
		h.Bus.Publish(e)
	}
}
