package daemon

import (
	"sort"
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/datastore"
	"github.com/gatehouse-labs/gatehouse/pkg/eventlog"
	"github.com/gatehouse-labs/gatehouse/pkg/stats"
)

// telemetryCache is the daemon's shared state between aggregate iterations:
// parallel per-slug maps plus the latest file snapshots and the event buffer.
// The datastore is authoritative for the lifetime values; the maps are only
// advanced incrementally between refreshes, never recomputed from the log.
type telemetryCache struct {
	lifetimeTokens   map[string]int64
	lifetimeCounters map[string]eventlog.TypeCounts
	todayTokens      map[string]map[string]int64

	modelStats map[string]stats.ModelTokens
	statsCache stats.StatsCache

	entries []eventlog.Entry
}

func newTelemetryCache() *telemetryCache {
	return &telemetryCache{
		lifetimeTokens:   make(map[string]int64),
		lifetimeCounters: make(map[string]eventlog.TypeCounts),
		todayTokens:      make(map[string]map[string]int64),
		modelStats:       make(map[string]stats.ModelTokens),
	}
}

// seed replaces the per-slug maps with the datastore's telemetry rows.
func (c *telemetryCache) seed(rows []datastore.ProjectTelemetryRow) {
	c.lifetimeTokens = make(map[string]int64, len(rows))
	c.lifetimeCounters = make(map[string]eventlog.TypeCounts, len(rows))
	c.todayTokens = make(map[string]map[string]int64, len(rows))

	for _, row := range rows {
		c.lifetimeTokens[row.Project] = row.LifetimeTokens
		c.lifetimeCounters[row.Project] = eventlog.TypeCounts{
			Sessions:     row.LifetimeSessions,
			Messages:     row.LifetimeMessages,
			ToolCalls:    row.LifetimeToolCalls,
			AgentSpawns:  row.LifetimeAgentSpawns,
			TeamMessages: row.LifetimeTeamMessages,
		}
		if len(row.TodayTokensByModel) > 0 {
			models := make(map[string]int64, len(row.TodayTokensByModel))
			for model, n := range row.TodayTokensByModel {
				models[model] = n
			}
			c.todayTokens[row.Project] = models
		}
	}
}

// slugs returns the sorted union of slugs across the per-slug maps.
func (c *telemetryCache) slugs() []string {
	seen := make(map[string]struct{})
	for slug := range c.lifetimeTokens {
		seen[slug] = struct{}{}
	}
	for slug := range c.lifetimeCounters {
		seen[slug] = struct{}{}
	}
	for slug := range c.todayTokens {
		seen[slug] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for slug := range seen {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// telemetryRows materializes one aggregate-path telemetry row per cached slug.
// The agent columns stay nil: only the agent-state path writes those.
func (c *telemetryCache) telemetryRows(now time.Time) []datastore.ProjectTelemetryRow {
	slugs := c.slugs()
	rows := make([]datastore.ProjectTelemetryRow, 0, len(slugs))
	for _, slug := range slugs {
		counters := c.lifetimeCounters[slug]

		var today int64
		models := map[string]int64{}
		for model, n := range c.todayTokens[slug] {
			models[model] = n
			today += n
		}

		rows = append(rows, datastore.ProjectTelemetryRow{
			Project:              slug,
			LifetimeTokens:       c.lifetimeTokens[slug],
			TodayTokens:          today,
			TodayTokensByModel:   models,
			LifetimeSessions:     counters.Sessions,
			LifetimeMessages:     counters.Messages,
			LifetimeToolCalls:    counters.ToolCalls,
			LifetimeAgentSpawns:  counters.AgentSpawns,
			LifetimeTeamMessages: counters.TeamMessages,
			UpdatedAt:            now,
		})
	}
	return rows
}

// facilityAggregates sums the per-slug caches into the facility-wide column
// set. The token-by-model map comes from the model-stats snapshot.
func (c *telemetryCache) facilityAggregates() datastore.FacilityAggregates {
	var agg datastore.FacilityAggregates
	for _, n := range c.lifetimeTokens {
		agg.LifetimeTokens += n
	}
	for _, models := range c.todayTokens {
		for _, n := range models {
			agg.TodayTokens += n
		}
	}
	for _, counters := range c.lifetimeCounters {
		agg.Counters.Add(counters)
	}
	agg.TokensByModel = stats.TokensByModel(c.modelStats)
	return agg
}

// totalsBySlug derives the projects.total_events counter for every slug.
func (c *telemetryCache) totalsBySlug() map[string]int64 {
	totals := make(map[string]int64, len(c.lifetimeCounters))
	for slug, counters := range c.lifetimeCounters {
		totals[slug] = counters.Total()
	}
	return totals
}

// pruneEntries drops buffered entries older than the cutoff.
func (c *telemetryCache) pruneEntries(cutoff time.Time) {
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}
