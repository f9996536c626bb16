package middleware

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"strings"

	"fleetmon/internal/audit"
	"fleetmon/internal/config"
	"fleetmon/internal/db"
)

// Role is a capability level resolved from the presented API key.
// Higher roles imply lower ones for the operator tiers; the agent role is
// separate and only grants heartbeat ingest.
type Role int

const (
	RoleNone Role = iota
	RoleRead
	RoleOperate
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleRead:
		return "read"
	case RoleOperate:
		return "operate"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

type ctxKey int

const (
	actorKey ctxKey = iota
	roleKey
)

// Auth resolves API keys to roles and guards handlers. Rejections land in
// the audit log.
type Auth struct {
	cfg  config.Config
	db   *sql.DB
	open bool
}

// NewAuth builds the key checker. With no operator keys configured at all,
// authentication is disabled and every request runs as admin; this keeps
// local development usable but is loudly logged.
func NewAuth(cfg config.Config, conn *sql.DB) *Auth {
	open := len(cfg.ReadKeys)+len(cfg.OperateKeys)+len(cfg.AdminKeys) == 0
	if open {
		log.Printf("auth: no API keys configured, running open (every request is admin)")
	}
	return &Auth{cfg: cfg, db: conn, open: open}
}

func (a *Auth) resolveRole(key string) Role {
	if containsKey(a.cfg.AdminKeys, key) {
		return RoleAdmin
	}
	if containsKey(a.cfg.OperateKeys, key) {
		return RoleOperate
	}
	if containsKey(a.cfg.ReadKeys, key) {
		return RoleRead
	}
	return RoleNone
}

// Require guards a handler with a minimum role. The resolved actor and
// role are stored in the request context for handlers and audit entries.
func (a *Auth) Require(min Role, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.open {
			next(w, r.WithContext(withIdentity(r.Context(), "anonymous", RoleAdmin)))
			return
		}

		key := presentedKey(r)
		role := a.resolveRole(key)
		actor := maskKey(key)

		if role < min {
			a.recordForbidden(actor, role, r)
			writeAuthError(w, role)
			return
		}
		next(w, r.WithContext(withIdentity(r.Context(), actor, role)))
	}
}

// RequireAgent guards the heartbeat ingest endpoint. Agent keys cannot
// call operator endpoints; admin keys may ingest for manual testing.
func (a *Auth) RequireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.open && len(a.cfg.AgentKeys) == 0 {
			next(w, r.WithContext(withIdentity(r.Context(), "anonymous", RoleAdmin)))
			return
		}

		key := presentedKey(r)
		if containsKey(a.cfg.AgentKeys, key) || a.resolveRole(key) == RoleAdmin {
			next(w, r.WithContext(withIdentity(r.Context(), maskKey(key), RoleNone)))
			return
		}
		a.recordForbidden(maskKey(key), RoleNone, r)
		writeAuthError(w, a.resolveRole(key))
	}
}

func (a *Auth) recordForbidden(actor string, role Role, r *http.Request) {
	audit.Record(a.db, audit.Entry{
		Ts:     db.NowTS(),
		Actor:  actor,
		Role:   role.String(),
		Action: "auth.forbidden",
		Path:   r.URL.Path,
		Status: audit.StatusForbidden,
		Detail: r.Method,
	})
}

func writeAuthError(w http.ResponseWriter, role Role) {
	w.Header().Set("Content-Type", "application/json")
	if role == RoleNone {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}
	w.WriteHeader(http.StatusForbidden)
	w.Write([]byte(`{"error":"forbidden"}`))
}

func withIdentity(ctx context.Context, actor string, role Role) context.Context {
	ctx = context.WithValue(ctx, actorKey, actor)
	return context.WithValue(ctx, roleKey, role)
}

// Actor returns the masked key identity for the request, if any.
func Actor(r *http.Request) string {
	if actor, ok := r.Context().Value(actorKey).(string); ok {
		return actor
	}
	return ""
}

// RequestRole returns the resolved role for the request.
func RequestRole(r *http.Request) Role {
	if role, ok := r.Context().Value(roleKey).(Role); ok {
		return role
	}
	return RoleNone
}

func presentedKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// WebSocket clients cannot set headers from a browser.
	return r.URL.Query().Get("api_key")
}

// maskKey keeps only a short prefix so full keys never reach logs or the
// audit trail.
func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 6 {
		return key
	}
	return key[:6] + "…"
}

func containsKey(keys []string, key string) bool {
	if key == "" {
		return false
	}
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
