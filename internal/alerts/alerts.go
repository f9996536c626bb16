// Package alerts flattens, filters and groups classified fleet alerts for
// dashboard views. Everything here is a pure function over the alert list
// the fleet overview produced.
package alerts

import (
	"sort"
	"strings"

	"fleetmon/internal/fleet"
	"fleetmon/internal/severity"
)

// Filter narrows the flattened alert list. Zero values match everything.
type Filter struct {
	Severity        string
	CentralID       string
	Code            string
	Query           string
	IncludeSilenced bool
}

// ListResult is the bounded alert list plus the true match count.
type ListResult struct {
	Total  int               `json:"total"`
	Alerts []fleet.FlatAlert `json:"alerts"`
}

// Group is the per-code aggregate over matching alerts.
type Group struct {
	Code             string         `json:"code"`
	Total            int            `json:"total"`
	CentralsTotal    int            `json:"centrals_total"`
	Silenced         int            `json:"silenced"`
	Good             int            `json:"good"`
	Warn             int            `json:"warn"`
	Bad              int            `json:"bad"`
	DominantSeverity severity.Level `json:"dominant_severity"`
	LatestTs         string         `json:"latest_ts"`
	SampleMessage    string         `json:"sample_message"`
}

// GroupResult carries the grouped view plus totals over the full filtered
// set, unaffected by group truncation.
type GroupResult struct {
	AlertsTotal    int            `json:"alerts_total"`
	GroupsTotal    int            `json:"groups_total"`
	SilencedTotal  int            `json:"silenced_total"`
	SeverityTotals map[string]int `json:"severity_totals"`
	Groups         []Group        `json:"groups"`
}

// Apply returns the alerts matching the filter, preserving input order.
func Apply(alerts []fleet.FlatAlert, f Filter) []fleet.FlatAlert {
	sevFilter, sevOK := severity.Parse(f.Severity)
	query := strings.ToLower(strings.TrimSpace(f.Query))

	out := make([]fleet.FlatAlert, 0, len(alerts))
	for _, a := range alerts {
		if sevOK && a.Severity != sevFilter {
			continue
		}
		if f.CentralID != "" && a.CentralID != f.CentralID {
			continue
		}
		if f.Code != "" && a.Code != f.Code {
			continue
		}
		if !f.IncludeSilenced && a.Silenced {
			continue
		}
		if query != "" && !matchesQuery(a, query) {
			continue
		}
		out = append(out, a)
	}
	return out
}

func matchesQuery(a fleet.FlatAlert, query string) bool {
	hay := strings.ToLower(strings.Join([]string{
		a.CentralID, a.VehicleID, a.Code, a.Message, a.AckedBy,
	}, " "))
	return strings.Contains(hay, query)
}

// List filters and truncates the alert list. The reported total is the
// untruncated match count.
func List(alerts []fleet.FlatAlert, f Filter, limit int) ListResult {
	matched := Apply(alerts, f)
	bounded := boundLimit(limit)
	res := ListResult{Total: len(matched), Alerts: matched}
	if len(res.Alerts) > bounded {
		res.Alerts = res.Alerts[:bounded]
	}
	return res
}

// GroupBy aggregates the filtered alerts per code. Groups sort by dominant
// severity, then size, then code, so equal inputs always produce the same
// order.
func GroupBy(alerts []fleet.FlatAlert, f Filter, limit int) GroupResult {
	matched := Apply(alerts, f)

	byCode := make(map[string]*Group)
	centrals := make(map[string]map[string]struct{})
	var order []string
	for _, a := range matched {
		code := a.Code
		if code == "" {
			code = "alert"
		}
		g, ok := byCode[code]
		if !ok {
			g = &Group{Code: code, SampleMessage: a.Message}
			byCode[code] = g
			centrals[code] = make(map[string]struct{})
			order = append(order, code)
		}
		g.Total++
		centrals[code][a.CentralID] = struct{}{}
		if a.Silenced {
			g.Silenced++
		}
		switch a.Severity {
		case severity.Good:
			g.Good++
		case severity.Warn:
			g.Warn++
		case severity.Bad:
			g.Bad++
		}
		// Zero-padded UTC timestamps compare correctly as strings.
		if a.TsReceived != "" && a.TsReceived > g.LatestTs {
			g.LatestTs = a.TsReceived
		}
	}

	groups := make([]Group, 0, len(order))
	for _, code := range order {
		g := byCode[code]
		g.CentralsTotal = len(centrals[code])
		g.DominantSeverity = severity.Good
		if g.Bad > 0 {
			g.DominantSeverity = severity.Bad
		} else if g.Warn > 0 {
			g.DominantSeverity = severity.Warn
		}
		groups = append(groups, *g)
	}

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].DominantSeverity != groups[j].DominantSeverity {
			return groups[i].DominantSeverity.Rank() > groups[j].DominantSeverity.Rank()
		}
		if groups[i].Total != groups[j].Total {
			return groups[i].Total > groups[j].Total
		}
		return groups[i].Code < groups[j].Code
	})

	res := GroupResult{
		AlertsTotal:    len(matched),
		GroupsTotal:    len(groups),
		SeverityTotals: map[string]int{"good": 0, "warn": 0, "bad": 0},
		Groups:         groups,
	}
	for _, a := range matched {
		res.SeverityTotals[a.Severity.String()]++
		if a.Silenced {
			res.SilencedTotal++
		}
	}
	if bounded := boundLimit(limit); len(res.Groups) > bounded {
		res.Groups = res.Groups[:bounded]
	}
	return res
}

func boundLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
