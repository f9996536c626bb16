package notify

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"fleetmon/internal/db"
	"fleetmon/internal/incident"
	"fleetmon/internal/severity"
)

// ErrRetryChannelNotSupported is returned when a manual retry names a
// channel the dispatcher cannot deliver to.
var ErrRetryChannelNotSupported = errors.New("retry_channel_not_supported")

// EventEscalation is the synthetic event injected for open incidents that
// stayed unresolved past the escalation window.
const EventEscalation = "escalation_policy"

// Skip reasons recorded on policy decision rows.
const (
	SkipFiltered         = "policy_filtered"
	SkipMuted            = "policy_muted"
	SkipRateLimit        = "policy_rate_limit"
	SkipChannelsDisabled = "policy_channels_disabled"
)

// Dispatcher evaluates the notification policy for incident events and
// delivers through the configured channels.
type Dispatcher struct {
	db       *sql.DB
	sender   Sender
	channels Channels
}

// NewDispatcher wires a dispatcher to the database and channel config.
// A nil sender falls back to real Shoutrrr delivery.
func NewDispatcher(conn *sql.DB, channels Channels, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{db: conn, sender: sender, channels: channels}
}

// Counters summarizes one dispatch pass by log rows written.
type Counters struct {
	Total   int `json:"total"`
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

func (c *Counters) add(rec Record) {
	c.Total++
	switch rec.Status {
	case StatusSent:
		c.Sent++
	case StatusFailed:
		c.Failed++
	case StatusSkipped:
		c.Skipped++
	}
}

// DispatchIncidents runs one notification pass: it merges the transition
// events from the latest reconciliation with escalation events for
// long-open incidents, applies the notification policy per event and
// delivers whatever survives.
func (d *Dispatcher) DispatchIncidents(events []incident.Event, now time.Time) (Counters, error) {
	var counters Counters

	s, err := Load(d.db)
	if err != nil {
		return counters, fmt.Errorf("failed to load notification settings: %w", err)
	}

	merged := dedupeEvents(events)
	escalations, err := d.escalationEvents(s, now)
	if err != nil {
		return counters, err
	}
	merged = append(merged, escalations...)

	enabled := enabledChannels(s)

	for _, ev := range merged {
		if !d.severityAllowed(s, ev) {
			d.recordPolicySkip(s, ev, SkipFiltered, now, &counters)
			continue
		}
		if s.Muted(now) {
			d.recordPolicySkip(s, ev, SkipMuted, now, &counters)
			continue
		}
		limited, err := d.rateLimited(s, ev, now)
		if err != nil {
			return counters, err
		}
		if limited {
			d.recordPolicySkip(s, ev, SkipRateLimit, now, &counters)
			continue
		}
		if len(enabled) == 0 {
			d.recordPolicySkip(s, ev, SkipChannelsDisabled, now, &counters)
			continue
		}

		for _, rec := range d.Deliver(ev, enabled, false, now) {
			counters.add(rec)
		}
	}
	return counters, nil
}

// severityAllowed applies the minimum severity bar. Staleness codes can
// bypass it: a silent central is actionable even while still at warn.
func (d *Dispatcher) severityAllowed(s Settings, ev incident.Event) bool {
	if ev.Severity.Rank() >= s.MinSeverity.Rank() {
		return true
	}
	return s.StaleAlwaysNotify && strings.Contains(ev.Code, "stale")
}

func (d *Dispatcher) rateLimited(s Settings, ev incident.Event, now time.Time) (bool, error) {
	last, err := LastSentForKey(d.db, ev.CentralID, ev.Code)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	sentAt, ok := db.ParseTS(last.Ts)
	if !ok {
		return false, nil
	}
	return now.Sub(sentAt) < time.Duration(s.RateLimitSec)*time.Second, nil
}

// escalationEvents inject a re-notification for incidents that stayed open
// past the escalation window, at most once per rate-limit interval.
func (d *Dispatcher) escalationEvents(s Settings, now time.Time) ([]incident.Event, error) {
	rows, err := d.db.Query(`SELECT central_id, code, severity, message, first_seen_ts
		FROM incidents WHERE status = 'open'`)
	if err != nil {
		return nil, fmt.Errorf("failed to load open incidents: %w", err)
	}
	defer rows.Close()

	var out []incident.Event
	for rows.Next() {
		var ev incident.Event
		var sev string
		var message sql.NullString
		var firstSeen string
		if err := rows.Scan(&ev.CentralID, &ev.Code, &sev, &message, &firstSeen); err != nil {
			return nil, fmt.Errorf("failed to scan open incident: %w", err)
		}
		first, ok := db.ParseTS(firstSeen)
		if !ok || now.Sub(first) < time.Duration(s.EscalationSec)*time.Second {
			continue
		}

		last, err := LastForKey(d.db, ev.CentralID, ev.Code, false)
		if err != nil {
			return nil, err
		}
		if last != nil && last.Event == EventEscalation {
			lastAt, ok := db.ParseTS(last.Ts)
			if ok && now.Sub(lastAt) < time.Duration(s.RateLimitSec)*time.Second {
				continue
			}
		}

		ev.Severity = severity.Normalize(sev)
		ev.Event = EventEscalation
		ev.Message = message.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// recordPolicySkip logs why an event was not delivered. Identical
// back-to-back decisions within the rate-limit window are not re-logged.
func (d *Dispatcher) recordPolicySkip(s Settings, ev incident.Event, reason string, now time.Time, counters *Counters) {
	last, err := LastForKey(d.db, ev.CentralID, ev.Code, false)
	if err != nil {
		log.Printf("notify: policy skip lookup for %s/%s: %v", ev.CentralID, ev.Code, err)
		return
	}
	if last != nil && last.Channel == ChannelPolicy && last.Event == reason {
		if lastAt, ok := db.ParseTS(last.Ts); ok &&
			now.Sub(lastAt) < time.Duration(s.RateLimitSec)*time.Second {
			return
		}
	}

	rec := Record{
		Ts:        db.FormatTS(now),
		CentralID: ev.CentralID,
		Code:      ev.Code,
		Severity:  ev.Severity,
		Event:     reason,
		Channel:   ChannelPolicy,
		Status:    StatusSkipped,
		Message:   ev.Message,
	}
	id, err := Insert(d.db, rec)
	if err != nil {
		log.Printf("notify: record policy skip for %s/%s: %v", ev.CentralID, ev.Code, err)
		return
	}
	rec.ID = id
	counters.add(rec)
}

// Deliver sends one event through each listed channel and logs every
// attempt. Dry runs log a skipped row per channel without sending.
func (d *Dispatcher) Deliver(ev incident.Event, channels []string, dryRun bool, now time.Time) []Record {
	return d.deliverMessage(ev, formatMessage(ev), channels, dryRun, now)
}

func (d *Dispatcher) deliverMessage(ev incident.Event, message string, channels []string, dryRun bool, now time.Time) []Record {
	var out []Record
	for _, channel := range channels {
		rec := Record{
			Ts:        db.FormatTS(now),
			CentralID: ev.CentralID,
			Code:      ev.Code,
			Severity:  ev.Severity,
			Event:     ev.Event,
			Channel:   channel,
			Message:   message,
		}

		url := d.channels.URLFor(channel)
		rec.Destination = redactURL(url)

		switch {
		case dryRun:
			rec.Status = StatusSkipped
			rec.Error = "dry_run"
		case url == "":
			rec.Status = StatusSkipped
			rec.Error = channel + "_not_configured"
		default:
			if err := d.sender.Send(url, rec.Message); err != nil {
				rec.Status = StatusFailed
				rec.Error = err.Error()
				log.Printf("notify: %s delivery for %s/%s failed: %v", channel, ev.CentralID, ev.Code, err)
			} else {
				rec.Status = StatusSent
			}
		}

		id, err := Insert(d.db, rec)
		if err != nil {
			log.Printf("notify: record delivery for %s/%s: %v", ev.CentralID, ev.Code, err)
			continue
		}
		rec.ID = id
		out = append(out, rec)
	}
	return out
}

// DispatchTest sends a synthetic notification so operators can verify
// channel wiring without waiting for a real incident.
func (d *Dispatcher) DispatchTest(severityRaw, channelMode, message string, dryRun bool, now time.Time) ([]Record, error) {
	sev, ok := severity.Parse(severityRaw)
	if !ok {
		return nil, &ValidationError{Field: "test_severity"}
	}

	s, err := Load(d.db)
	if err != nil {
		return nil, err
	}

	var channels []string
	switch channelMode {
	case "auto", "":
		channels = enabledChannels(s)
	case "all":
		channels = []string{ChannelTelegram, ChannelEmail}
	case ChannelTelegram, ChannelEmail:
		channels = []string{channelMode}
	default:
		return nil, &ValidationError{Field: "test_channel"}
	}

	if message == "" {
		message = "test notification from fleetmon"
	}
	ev := incident.Event{
		CentralID: "test",
		Code:      "notification_test",
		Severity:  sev,
		Event:     "test",
		Message:   message,
	}
	return d.Deliver(ev, channels, dryRun, now), nil
}

// Retry re-sends a previously logged notification through one channel.
func (d *Dispatcher) Retry(id int64, channel string, dryRun bool, now time.Time) (*Record, error) {
	rec, err := GetRecord(d.db, id)
	if err != nil {
		return nil, err
	}
	if channel == "" {
		channel = rec.Channel
	}
	if channel != ChannelTelegram && channel != ChannelEmail {
		return nil, ErrRetryChannelNotSupported
	}

	ev := incident.Event{
		CentralID: rec.CentralID,
		Code:      rec.Code,
		Severity:  rec.Severity,
		Event:     "retry_manual",
	}
	delivered := d.deliverMessage(ev, rec.Message, []string{channel}, dryRun, now)
	if len(delivered) == 0 {
		return nil, fmt.Errorf("failed to record retry for notification %d", id)
	}
	return &delivered[0], nil
}

func enabledChannels(s Settings) []string {
	var out []string
	if s.NotifyTelegram {
		out = append(out, ChannelTelegram)
	}
	if s.NotifyEmail {
		out = append(out, ChannelEmail)
	}
	return out
}

func dedupeEvents(events []incident.Event) []incident.Event {
	type key struct{ central, code, event string }
	seen := make(map[key]struct{}, len(events))
	out := make([]incident.Event, 0, len(events))
	for _, ev := range events {
		k := key{ev.CentralID, ev.Code, ev.Event}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, ev)
	}
	return out
}

func formatMessage(ev incident.Event) string {
	if ev.Message != "" {
		return fmt.Sprintf("[%s] %s/%s (%s): %s",
			strings.ToUpper(ev.Severity.String()), ev.CentralID, ev.Code, ev.Event, ev.Message)
	}
	return fmt.Sprintf("[%s] %s/%s (%s)",
		strings.ToUpper(ev.Severity.String()), ev.CentralID, ev.Code, ev.Event)
}
