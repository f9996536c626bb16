package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fleetmon/internal/config"
	"fleetmon/internal/db"
	"fleetmon/internal/events"
	"fleetmon/internal/middleware"
	"fleetmon/internal/notify"
	"fleetmon/internal/settings"

	_ "modernc.org/sqlite"
)

const (
	readKey    = "read-key-000"
	operateKey = "operate-key-0"
	adminKey   = "admin-key-00"
	agentKey   = "agent-key-00"
)

type captureSender struct {
	mu   sync.Mutex
	sent []string
}

func (c *captureSender) Send(url, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message)
	return nil
}

func setupServer(t *testing.T) (*httptest.Server, *sql.DB, *captureSender) {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.CreateSchema(conn); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}
	if err := settings.InitSettingsTable(conn); err != nil {
		t.Fatalf("failed to init settings: %v", err)
	}

	cfg := config.Config{
		ReadKeys:    []string{readKey},
		OperateKeys: []string{operateKey},
		AdminKeys:   []string{adminKey},
		AgentKeys:   []string{agentKey},
		TelegramURL: "telegram://token@telegram?chats=ops",
	}

	sender := &captureSender{}
	bus := events.NewBus()
	hub := NewStreamHub(bus)
	dispatcher := notify.NewDispatcher(conn, notify.Channels{TelegramURL: cfg.TelegramURL}, sender)
	h := New(conn, cfg, bus, dispatcher, hub)
	auth := middleware.NewAuth(cfg, conn)

	mux := http.NewServeMux()
	RegisterRoutes(mux, h, auth)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv, conn, sender
}

func doRequest(t *testing.T, srv *httptest.Server, method, path, key string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, raw
}

func decodeInto(t *testing.T, raw []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("failed to decode response %s: %v", raw, err)
	}
}

func postHeartbeat(t *testing.T, srv *httptest.Server, centralID string, pending int) {
	t.Helper()
	resp, raw := doRequest(t, srv, http.MethodPost, "/api/heartbeat", agentKey, map[string]any{
		"central_id": centralID,
		"vehicle_id": "veh-" + centralID,
		"queue": map[string]any{
			"events_total":    100,
			"pending_batches": pending,
			"sent_batches":    90,
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat ingest returned %d: %s", resp.StatusCode, raw)
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, _, _ := setupServer(t)
	resp, _ := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestHeartbeatRequiresAgentKey(t *testing.T) {
	srv, _, _ := setupServer(t)

	resp, _ := doRequest(t, srv, http.MethodPost, "/api/heartbeat", readKey, map[string]any{"central_id": "c-1"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("read key status = %d, want 403", resp.StatusCode)
	}

	resp, _ = doRequest(t, srv, http.MethodPost, "/api/heartbeat", adminKey, map[string]any{"central_id": "c-1"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("admin key status = %d, want 200", resp.StatusCode)
	}
}

func TestHeartbeatIngestShowsAlert(t *testing.T) {
	srv, _, _ := setupServer(t)
	postHeartbeat(t, srv, "c-1", 60)

	resp, raw := doRequest(t, srv, http.MethodGet, "/api/fleet/alerts", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("alerts returned %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Total  int `json:"total"`
		Alerts []struct {
			Code      string `json:"code"`
			CentralID string `json:"central_id"`
		} `json:"alerts"`
	}
	decodeInto(t, raw, &result)
	if result.Total == 0 {
		t.Fatalf("expected alerts for backlog of 60, got none")
	}
	found := false
	for _, a := range result.Alerts {
		if a.Code == "queue_backlog_high" && a.CentralID == "c-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("queue_backlog_high for c-1 missing from %s", raw)
	}
}

func TestRoleEnforcementOnPolicy(t *testing.T) {
	srv, _, _ := setupServer(t)
	update := map[string]any{"warn_pending_batches": 5}

	resp, _ := doRequest(t, srv, http.MethodPost, "/api/fleet/monitor-policy", operateKey, update)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("operate key status = %d, want 403", resp.StatusCode)
	}

	resp, raw := doRequest(t, srv, http.MethodPost, "/api/fleet/monitor-policy", adminKey, update)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin key status = %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Changed []string `json:"changed"`
	}
	decodeInto(t, raw, &result)
	if len(result.Changed) != 1 || result.Changed[0] != "warn_pending_batches" {
		t.Errorf("changed = %v, want [warn_pending_batches]", result.Changed)
	}
}

func TestMissingKeyUnauthorized(t *testing.T) {
	srv, _, _ := setupServer(t)
	resp, _ := doRequest(t, srv, http.MethodGet, "/api/fleet/alerts", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAckFlow(t *testing.T) {
	srv, _, _ := setupServer(t)
	postHeartbeat(t, srv, "c-1", 60)

	resp, raw := doRequest(t, srv, http.MethodPost, "/api/fleet/alerts/ack", operateKey, map[string]any{
		"central_id": "c-1",
		"code":       "queue_backlog_high",
		"note":       "crew dispatched",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack returned %d: %s", resp.StatusCode, raw)
	}

	resp, raw = doRequest(t, srv, http.MethodGet, "/api/fleet/actions?central_id=c-1", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("actions returned %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Total   int `json:"total"`
		Actions []struct {
			Action string `json:"action"`
			Note   string `json:"note"`
		} `json:"actions"`
	}
	decodeInto(t, raw, &result)
	if result.Total != 1 || result.Actions[0].Action != "ack" {
		t.Fatalf("actions = %s, want one ack", raw)
	}
	if result.Actions[0].Note != "crew dispatched" {
		t.Errorf("note = %q", result.Actions[0].Note)
	}
}

func TestActionRejectsMissingKeyFields(t *testing.T) {
	srv, _, _ := setupServer(t)
	resp, raw := doRequest(t, srv, http.MethodPost, "/api/fleet/alerts/ack", operateKey, map[string]any{
		"central_id": "c-1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", resp.StatusCode, raw)
	}
}

func TestIncidentListSyncsAndDetails(t *testing.T) {
	srv, _, sender := setupServer(t)
	postHeartbeat(t, srv, "c-1", 60)

	resp, raw := doRequest(t, srv, http.MethodGet, "/api/fleet/incidents", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("incidents returned %d: %s", resp.StatusCode, raw)
	}
	var list struct {
		Totals struct {
			Total int `json:"total"`
			Bad   int `json:"bad"`
		} `json:"totals"`
		Incidents []struct {
			CentralID string `json:"central_id"`
			Code      string `json:"code"`
			Status    string `json:"status"`
		} `json:"incidents"`
	}
	decodeInto(t, raw, &list)
	if list.Totals.Total == 0 || list.Totals.Bad == 0 {
		t.Fatalf("expected a bad incident after sync, got %s", raw)
	}

	sender.mu.Lock()
	delivered := len(sender.sent)
	sender.mu.Unlock()
	if delivered == 0 {
		t.Errorf("expected a notification for the opened bad incident")
	}

	resp, raw = doRequest(t, srv, http.MethodGet, "/api/fleet/incidents/c-1/queue_backlog_high", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail returned %d: %s", resp.StatusCode, raw)
	}
	var detail struct {
		Incident struct {
			Status string `json:"status"`
		} `json:"incident"`
		Notifications []struct {
			Status string `json:"status"`
		} `json:"notifications"`
		HistoryHits []struct {
			Ts string `json:"ts"`
		} `json:"history_hits"`
	}
	decodeInto(t, raw, &detail)
	if detail.Incident.Status != "open" {
		t.Errorf("incident status = %q, want open", detail.Incident.Status)
	}
	if len(detail.Notifications) == 0 {
		t.Errorf("expected delivery records on detail")
	}
	if len(detail.HistoryHits) == 0 {
		t.Errorf("expected history hits on detail")
	}

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/fleet/incidents/c-1/no_such_code", readKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown incident status = %d, want 404", resp.StatusCode)
	}
}

func TestIncidentDetailSyncsBeforeRead(t *testing.T) {
	srv, _, _ := setupServer(t)
	postHeartbeat(t, srv, "c-1", 60)

	// No prior list or sync call: the detail fetch itself must reconcile
	// and open the incident.
	resp, raw := doRequest(t, srv, http.MethodGet, "/api/fleet/incidents/c-1/queue_backlog_high", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail returned %d: %s", resp.StatusCode, raw)
	}
	var detail struct {
		Incident struct {
			Status string `json:"status"`
		} `json:"incident"`
	}
	decodeInto(t, raw, &detail)
	if detail.Incident.Status != "open" {
		t.Fatalf("status = %q, want open", detail.Incident.Status)
	}

	// Backlog clears; the next detail read must show resolved without an
	// intervening list call.
	postHeartbeat(t, srv, "c-1", 0)
	resp, raw = doRequest(t, srv, http.MethodGet, "/api/fleet/incidents/c-1/queue_backlog_high", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("detail after clear returned %d: %s", resp.StatusCode, raw)
	}
	decodeInto(t, raw, &detail)
	if detail.Incident.Status != "resolved" {
		t.Errorf("status = %q, want resolved", detail.Incident.Status)
	}
}

func TestIncidentResolvesWhenBacklogClears(t *testing.T) {
	srv, _, _ := setupServer(t)
	postHeartbeat(t, srv, "c-1", 60)
	doRequest(t, srv, http.MethodPost, "/api/fleet/incidents/sync", operateKey, nil)

	postHeartbeat(t, srv, "c-1", 0)
	resp, raw := doRequest(t, srv, http.MethodPost, "/api/fleet/incidents/sync", operateKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync returned %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Summary struct {
			Resolved int `json:"resolved"`
		} `json:"summary"`
	}
	decodeInto(t, raw, &result)
	if result.Summary.Resolved == 0 {
		t.Errorf("expected resolved incidents after backlog cleared: %s", raw)
	}
}

func TestNotificationSettingsRoundTrip(t *testing.T) {
	srv, _, _ := setupServer(t)

	resp, raw := doRequest(t, srv, http.MethodPost, "/api/notifications/settings", adminKey, map[string]any{
		"rate_limit_sec": 600,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings update returned %d: %s", resp.StatusCode, raw)
	}

	resp, raw = doRequest(t, srv, http.MethodGet, "/api/notifications/settings", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("settings get returned %d: %s", resp.StatusCode, raw)
	}
	var s struct {
		RateLimitSec int `json:"rate_limit_sec"`
	}
	decodeInto(t, raw, &s)
	if s.RateLimitSec != 600 {
		t.Errorf("rate_limit_sec = %d, want 600", s.RateLimitSec)
	}
}

func TestNotificationSettingsRejectInvalid(t *testing.T) {
	srv, _, _ := setupServer(t)
	resp, raw := doRequest(t, srv, http.MethodPost, "/api/notifications/settings", adminKey, map[string]any{
		"min_severity": "catastrophic",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400: %s", resp.StatusCode, raw)
	}
}

func TestNotificationTestDryRun(t *testing.T) {
	srv, _, sender := setupServer(t)

	resp, raw := doRequest(t, srv, http.MethodPost, "/api/notifications/test", operateKey, map[string]any{
		"severity": "bad",
		"channel":  "auto",
		"dry_run":  true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test dispatch returned %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Results []struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"results"`
	}
	decodeInto(t, raw, &result)
	if len(result.Results) == 0 {
		t.Fatalf("expected at least one result: %s", raw)
	}
	if result.Results[0].Status != "skipped" || result.Results[0].Error != "dry_run" {
		t.Errorf("result = %+v, want skipped/dry_run", result.Results[0])
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent) != 0 {
		t.Errorf("dry run must not deliver, sent %d", len(sender.sent))
	}
}

func TestNotificationRetry(t *testing.T) {
	srv, _, _ := setupServer(t)

	resp, raw := doRequest(t, srv, http.MethodPost, "/api/notifications/test", operateKey, map[string]any{
		"severity": "bad",
		"channel":  "telegram",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("test dispatch returned %d: %s", resp.StatusCode, raw)
	}
	var dispatched struct {
		Results []struct {
			ID int64 `json:"id"`
		} `json:"results"`
	}
	decodeInto(t, raw, &dispatched)
	if len(dispatched.Results) == 0 {
		t.Fatalf("no results: %s", raw)
	}

	resp, raw = doRequest(t, srv, http.MethodPost, "/api/notifications/retry", operateKey, map[string]any{
		"id": dispatched.Results[0].ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("retry returned %d: %s", resp.StatusCode, raw)
	}

	resp, _ = doRequest(t, srv, http.MethodPost, "/api/notifications/retry", operateKey, map[string]any{
		"id": int64(99999),
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("retry of unknown id status = %d, want 404", resp.StatusCode)
	}
}

func TestOverrideLifecycle(t *testing.T) {
	srv, _, _ := setupServer(t)

	resp, raw := doRequest(t, srv, http.MethodPost, "/api/fleet/monitor-policy/overrides", adminKey, map[string]any{
		"central_id":           "c-9",
		"warn_pending_batches": 3,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override upsert returned %d: %s", resp.StatusCode, raw)
	}

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/fleet/monitor-policy/overrides/c-9", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override get returned %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, srv, http.MethodDelete, "/api/fleet/monitor-policy/overrides/c-9", adminKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override delete returned %d", resp.StatusCode)
	}

	resp, _ = doRequest(t, srv, http.MethodGet, "/api/fleet/monitor-policy/overrides/c-9", readKey, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted override status = %d, want 404", resp.StatusCode)
	}
}

func TestMonitorSnapshotEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)
	postHeartbeat(t, srv, "c-1", 0)

	resp, raw := doRequest(t, srv, http.MethodGet, "/api/fleet/monitor?window=1h", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot returned %d: %s", resp.StatusCode, raw)
	}
	var snap struct {
		Window string `json:"window"`
		State  string `json:"state"`
	}
	decodeInto(t, raw, &snap)
	if snap.Window != "1h" {
		t.Errorf("window = %q, want 1h", snap.Window)
	}
	if snap.State != "good" {
		t.Errorf("state = %q, want good for a healthy fleet", snap.State)
	}
}

func TestAuditTrailRecordsPrivilegedCalls(t *testing.T) {
	srv, _, _ := setupServer(t)

	doRequest(t, srv, http.MethodPost, "/api/fleet/monitor-policy", adminKey, map[string]any{
		"warn_pending_batches": 7,
	})
	// A forbidden call lands in the trail too.
	doRequest(t, srv, http.MethodPost, "/api/fleet/monitor-policy", readKey, map[string]any{
		"warn_pending_batches": 8,
	})

	resp, raw := doRequest(t, srv, http.MethodGet, "/api/audit", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit returned %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Entries []struct {
			Action string `json:"action"`
			Status string `json:"status"`
		} `json:"entries"`
	}
	decodeInto(t, raw, &result)
	var sawUpdate, sawForbidden bool
	for _, e := range result.Entries {
		if e.Action == "policy.update" && e.Status == "ok" {
			sawUpdate = true
		}
		if e.Action == "auth.forbidden" && e.Status == "forbidden" {
			sawForbidden = true
		}
	}
	if !sawUpdate || !sawForbidden {
		t.Errorf("audit trail missing entries (update=%t forbidden=%t): %s", sawUpdate, sawForbidden, raw)
	}
}

func TestAlertGroupsEndpoint(t *testing.T) {
	srv, _, _ := setupServer(t)
	for i := 1; i <= 3; i++ {
		postHeartbeat(t, srv, fmt.Sprintf("c-%d", i), 60)
	}

	resp, raw := doRequest(t, srv, http.MethodGet, "/api/fleet/alerts/groups", readKey, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("groups returned %d: %s", resp.StatusCode, raw)
	}
	var result struct {
		Groups []struct {
			Code          string `json:"code"`
			Total         int    `json:"total"`
			CentralsTotal int    `json:"centrals_total"`
		} `json:"groups"`
	}
	decodeInto(t, raw, &result)
	found := false
	for _, g := range result.Groups {
		if g.Code == "queue_backlog_high" {
			found = true
			if g.Total != 3 || g.CentralsTotal != 3 {
				t.Errorf("group = %+v, want total 3 across 3 centrals", g)
			}
		}
	}
	if !found {
		t.Errorf("queue_backlog_high group missing: %s", raw)
	}
}
