package datastore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
	"github.com/gatehouse-labs/gatehouse/pkg/eventlog"
)

// VisibilityResolver classifies a slug as "public" or "private" at
// registration time.
type VisibilityResolver interface {
	Resolve(ctx context.Context, slug string) string
}

// InsertEvents writes event rows in batches, skipping rows that already
// exist. A failed batch is counted and logged; remaining batches still run.
func (c *Client) InsertEvents(ctx context.Context, rows []EventRow) (inserted, failed int) {
	for start := 0; start < len(rows); start += config.EventBatchSize {
		end := start + config.EventBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]

		if err := c.insert(ctx, "events", "project,event_type,event_text,timestamp", resolutionIgnore, batch); err != nil {
			c.logger.Warn("Event batch insert failed", "rows", len(batch), "error", err)
			failed += len(batch)
			continue
		}
		inserted += len(batch)
	}
	return inserted, failed
}

// RegisterProjects ensures a projects row exists for every slug in the
// directory→slug map. New slugs are inserted with first_seen set once;
// known slugs only have local_names extended when a new directory appears.
func (c *Client) RegisterProjects(ctx context.Context, slugMap map[string]string, vis VisibilityResolver) error {
	if len(slugMap) == 0 {
		return nil
	}

	dirsBySlug := make(map[string][]string)
	for dir, slug := range slugMap {
		dirsBySlug[slug] = append(dirsBySlug[slug], dir)
	}
	slugs := make([]string, 0, len(dirsBySlug))
	for slug := range dirsBySlug {
		sort.Strings(dirsBySlug[slug])
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	query := url.Values{}
	query.Set("select", "content_slug,local_names")
	var existing []ProjectRow
	if err := c.get(ctx, "projects", query, &existing); err != nil {
		return fmt.Errorf("fetch registered projects: %w", err)
	}
	known := make(map[string][]string, len(existing))
	for _, row := range existing {
		known[row.ContentSlug] = row.LocalNames
	}

	now := time.Now().UTC()
	var inserts []ProjectRow
	for _, slug := range slugs {
		names, registered := known[slug]
		if !registered {
			inserts = append(inserts, ProjectRow{
				ContentSlug: slug,
				LocalNames:  dirsBySlug[slug],
				Visibility:  vis.Resolve(ctx, slug),
				FirstSeen:   now,
				LastActive:  now,
			})
			continue
		}

		merged := mergeNames(names, dirsBySlug[slug])
		if len(merged) == len(names) {
			continue
		}
		q := url.Values{}
		q.Set("content_slug", "eq."+slug)
		if err := c.patch(ctx, "projects", q, map[string]any{"local_names": merged}); err != nil {
			c.logger.Warn("Failed to extend project local names", "project", slug, "error", err)
		}
	}

	if len(inserts) == 0 {
		return nil
	}
	if err := c.insert(ctx, "projects", "content_slug", resolutionIgnore, inserts); err != nil {
		return fmt.Errorf("register projects: %w", err)
	}
	c.logger.Info("Registered new projects", "count", len(inserts))
	return nil
}

func mergeNames(existing, observed []string) []string {
	seen := make(map[string]struct{}, len(existing))
	merged := make([]string, 0, len(existing)+len(observed))
	for _, n := range existing {
		seen[n] = struct{}{}
		merged = append(merged, n)
	}
	for _, n := range observed {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			merged = append(merged, n)
		}
	}
	return merged
}

// SyncGlobalDailyMetrics blind-upserts the facility-wide (project = NULL)
// daily rows.
func (c *Client) SyncGlobalDailyMetrics(ctx context.Context, rows []DailyMetricRow) error {
	return c.syncDailyMetrics(ctx, rows, true)
}

// SyncProjectDailyMetrics blind-upserts per-project daily rows, partitioned
// by (project, date).
func (c *Client) SyncProjectDailyMetrics(ctx context.Context, rows []DailyMetricRow) error {
	return c.syncDailyMetrics(ctx, rows, false)
}

type metricKey struct {
	project string
	date    string
}

func keyOf(row DailyMetricRow) metricKey {
	k := metricKey{date: row.Date}
	if row.Project != nil {
		k.project = *row.Project
	}
	return k
}

// syncDailyMetrics fetches the server ids for the affected dates, splits the
// incoming rows into inserts and updates, bulk-inserts the former and
// patches the latter concurrently.
func (c *Client) syncDailyMetrics(ctx context.Context, rows []DailyMetricRow, global bool) error {
	if len(rows) == 0 {
		return nil
	}

	seen := make(map[string]struct{})
	var dates []string
	for _, row := range rows {
		if _, ok := seen[row.Date]; !ok {
			seen[row.Date] = struct{}{}
			dates = append(dates, row.Date)
		}
	}
	sort.Strings(dates)

	query := url.Values{}
	query.Set("select", "id,date,project")
	if global {
		query.Set("project", "is.null")
	} else {
		query.Set("project", "not.is.null")
	}
	query.Set("date", inFilter(dates))

	var existing []DailyMetricRow
	if err := c.get(ctx, "daily_metrics", query, &existing); err != nil {
		return fmt.Errorf("fetch daily metric ids: %w", err)
	}
	ids := make(map[metricKey]int64, len(existing))
	for _, row := range existing {
		ids[keyOf(row)] = row.ID
	}

	var inserts, updates []DailyMetricRow
	for _, row := range rows {
		if id, ok := ids[keyOf(row)]; ok {
			row.ID = id
			updates = append(updates, row)
		} else {
			row.ID = 0
			inserts = append(inserts, row)
		}
	}

	if len(inserts) > 0 {
		if err := c.insert(ctx, "daily_metrics", "", "", inserts); err != nil {
			return fmt.Errorf("insert daily metrics: %w", err)
		}
	}
	if failed := c.updateDailyRows(ctx, updates); failed > 0 {
		return fmt.Errorf("%d of %d daily metric updates failed", failed, len(updates))
	}
	return nil
}

// updateDailyRows patches existing rows by id, at most UpdateConcurrency
// requests in flight.
func (c *Client) updateDailyRows(ctx context.Context, rows []DailyMetricRow) int {
	if len(rows) == 0 {
		return 0
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, config.UpdateConcurrency)
	var failed atomic.Int64

	for _, row := range rows {
		wg.Add(1)
		sem <- struct{}{}
		go func(row DailyMetricRow) {
			defer wg.Done()
			defer func() { <-sem }()

			id := row.ID
			row.ID = 0
			query := url.Values{}
			query.Set("id", fmt.Sprintf("eq.%d", id))
			if err := c.patch(ctx, "daily_metrics", query, row); err != nil {
				c.logger.Warn("Daily metric update failed", "id", id, "error", err)
				failed.Add(1)
			}
		}(row)
	}
	wg.Wait()
	return int(failed.Load())
}

// UpsertProjectTelemetry writes per-slug telemetry snapshots, preferring one
// multi-row upsert and falling back to per-row writes when that fails. After
// the write it reads the rows back and logs any divergence.
func (c *Client) UpsertProjectTelemetry(ctx context.Context, rows []ProjectTelemetryRow) error {
	if len(rows) == 0 {
		return nil
	}

	if err := c.insert(ctx, "project_telemetry", "project", resolutionMerge, rows); err != nil {
		c.logger.Warn("Bulk telemetry upsert failed, retrying per row", "rows", len(rows), "error", err)

		var failures []string
		for _, row := range rows {
			if err := c.insert(ctx, "project_telemetry", "project", resolutionMerge, []ProjectTelemetryRow{row}); err != nil {
				c.logger.Error("Telemetry row not persisted", "project", row.Project, "error", err)
				failures = append(failures, row.Project)
			}
		}
		if len(failures) > 0 {
			return fmt.Errorf("telemetry upsert failed for %s", strings.Join(failures, ", "))
		}
	}

	c.probeTelemetry(ctx, rows)
	return nil
}

// probeTelemetry compares what was just written against a read-back. A
// mismatch is logged, never returned; it flags datastore-side drift for a
// human.
func (c *Client) probeTelemetry(ctx context.Context, written []ProjectTelemetryRow) {
	slugs := make([]string, 0, len(written))
	for _, row := range written {
		slugs = append(slugs, row.Project)
	}
	sort.Strings(slugs)

	query := url.Values{}
	query.Set("select", "project,lifetime_tokens,today_tokens")
	query.Set("project", inFilter(slugs))

	var got []ProjectTelemetryRow
	if err := c.get(ctx, "project_telemetry", query, &got); err != nil {
		c.logger.Warn("Telemetry read-back failed", "error", err)
		return
	}
	byProject := make(map[string]ProjectTelemetryRow, len(got))
	for _, row := range got {
		byProject[row.Project] = row
	}

	for _, row := range written {
		have, ok := byProject[row.Project]
		if !ok {
			c.logger.Warn("Telemetry row missing after upsert", "project", row.Project)
			continue
		}
		if have.LifetimeTokens != row.LifetimeTokens || have.TodayTokens != row.TodayTokens {
			c.logger.Warn("Telemetry read-back mismatch",
				"project", row.Project,
				"wrote_lifetime", row.LifetimeTokens,
				"read_lifetime", have.LifetimeTokens,
				"wrote_today", row.TodayTokens,
				"read_today", have.TodayTokens)
		}
	}
}

// PruneEvents deletes every event older than the cutoff.
func (c *Client) PruneEvents(ctx context.Context, before time.Time) error {
	query := url.Values{}
	query.Set("timestamp", "lt."+before.UTC().Format(time.RFC3339))
	if err := c.delete(ctx, "events", query); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}
	return nil
}

// DeleteProjectDailyMetrics removes all per-project daily rows. Backfill
// runs this before recomputing so stale rows cannot survive.
func (c *Client) DeleteProjectDailyMetrics(ctx context.Context) error {
	query := url.Values{}
	query.Set("project", "not.is.null")
	if err := c.delete(ctx, "daily_metrics", query); err != nil {
		return fmt.Errorf("delete per-project daily metrics: %w", err)
	}
	return nil
}

// MigrateSlug rewrites the project column from oldSlug to newSlug in every
// table keyed by slug. Per-table failures are logged and the remaining
// tables still migrate.
func (c *Client) MigrateSlug(ctx context.Context, oldSlug, newSlug string) error {
	var failed []string
	for _, table := range []string{"events", "daily_metrics", "project_telemetry"} {
		query := url.Values{}
		query.Set("project", "eq."+oldSlug)
		if err := c.patch(ctx, table, query, map[string]string{"project": newSlug}); err != nil {
			c.logger.Warn("Slug migration failed", "table", table, "old", oldSlug, "new", newSlug, "error", err)
			failed = append(failed, table)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("slug migration from %s to %s incomplete: %s", oldSlug, newSlug, strings.Join(failed, ", "))
	}
	return nil
}

// FetchProjectTelemetry returns every telemetry row; the daemon seeds its
// caches from this at startup.
func (c *Client) FetchProjectTelemetry(ctx context.Context) ([]ProjectTelemetryRow, error) {
	var rows []ProjectTelemetryRow
	if err := c.get(ctx, "project_telemetry", url.Values{}, &rows); err != nil {
		return nil, fmt.Errorf("fetch project telemetry: %w", err)
	}
	return rows, nil
}

// FetchLifetimeCounters sums the per-project daily rows into lifetime event
// counters and token totals per slug. The datastore, not the local log, is
// authoritative for lifetime values.
func (c *Client) FetchLifetimeCounters(ctx context.Context) (map[string]eventlog.TypeCounts, map[string]int64, error) {
	query := url.Values{}
	query.Set("select", "project,sessions,messages,tool_calls,agent_spawns,team_messages,tokens_by_model")
	query.Set("project", "not.is.null")

	var rows []DailyMetricRow
	if err := c.get(ctx, "daily_metrics", query, &rows); err != nil {
		return nil, nil, fmt.Errorf("fetch daily metrics: %w", err)
	}

	counters := make(map[string]eventlog.TypeCounts)
	tokens := make(map[string]int64)
	for _, row := range rows {
		if row.Project == nil {
			continue
		}
		slug := *row.Project

		tc := counters[slug]
		tc.Sessions += row.Sessions
		tc.Messages += row.Messages
		tc.ToolCalls += row.ToolCalls
		tc.AgentSpawns += row.AgentSpawns
		tc.TeamMessages += row.TeamMessages
		counters[slug] = tc

		for _, n := range row.TokensByModel {
			tokens[slug] += n
		}
	}
	return counters, tokens, nil
}

// UpdateProjectTotals writes the derived total_events counter onto each
// projects row. Failures are logged; the next maintenance cycle rewrites
// the same totals.
func (c *Client) UpdateProjectTotals(ctx context.Context, totals map[string]int64) {
	slugs := make([]string, 0, len(totals))
	for slug := range totals {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	for _, slug := range slugs {
		query := url.Values{}
		query.Set("content_slug", "eq."+slug)
		if err := c.patch(ctx, "projects", query, map[string]any{"total_events": totals[slug]}); err != nil {
			c.logger.Warn("Failed to update project totals", "project", slug, "error", err)
		}
	}
}
