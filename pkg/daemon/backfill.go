package daemon

import (
	"context"
	"sort"
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
	"github.com/gatehouse-labs/gatehouse/pkg/datastore"
	"github.com/gatehouse-labs/gatehouse/pkg/eventlog"
	"github.com/gatehouse-labs/gatehouse/pkg/stats"
	"github.com/gatehouse-labs/gatehouse/pkg/usage"
)

// backfill is the one-shot mode: rebuild every derived table from the local
// files and exit. Unlike the steady-state loops, a failed slug refresh is
// fatal here because everything downstream keys on slugs.
func (d *Daemon) backfill(ctx context.Context) error {
	d.logger.Info("Starting full backfill")

	if err := d.refreshSlugMap(ctx); err != nil {
		return err
	}

	d.cache.entries = d.tailer.ReadAll()
	d.logger.Info("Event log read", "entries", len(d.cache.entries))

	d.syncAll(ctx, d.cache.entries)
	d.logger.Info("Backfill complete")
	return nil
}

// gapBackfill replays what happened while the daemon was down. When the
// facility row's updated_at is older than the gap threshold, every buffered
// entry after it is treated as missed and the full sync runs with those as
// the insert set.
func (d *Daemon) gapBackfill(ctx context.Context) error {
	row, err := d.store.FacilityStatus(ctx)
	if err != nil {
		return err
	}

	gap := d.now().UTC().Sub(row.UpdatedAt)
	if gap <= config.GapThreshold {
		d.logger.Info("No offline gap detected", "since_last_update", gap.Round(time.Second))
		return nil
	}

	var missed []eventlog.Entry
	for _, e := range d.cache.entries {
		if e.Timestamp.After(row.UpdatedAt) {
			missed = append(missed, e)
		}
	}
	d.logger.Info("Backfilling after offline gap",
		"gap", gap.Round(time.Second), "entries", len(missed))

	d.syncAll(ctx, missed)
	return nil
}

// syncAll is the shared full-sync pass: insert the given entries, rebuild the
// daily metric tables from the local files, refresh the lifetime caches from
// the datastore, and push the aggregates. Stage failures are logged and the
// remaining stages still run.
func (d *Daemon) syncAll(ctx context.Context, insert []eventlog.Entry) {
	if rows := d.eventRows(insert); len(rows) > 0 {
		inserted, failed := d.store.InsertEvents(ctx, rows)
		d.logger.Info("Events synced", "inserted", inserted, "failed", failed)
	}

	if sc, err := stats.ReadStatsCache(d.cfg.StatsCache()); err != nil {
		d.logger.Warn("Stats cache unreadable", "error", err)
	} else {
		d.cache.statsCache = sc
		if err := d.store.SyncGlobalDailyMetrics(ctx, globalDailyRows(sc, "")); err != nil {
			d.logger.Warn("Global daily metric sync failed", "error", err)
		}
	}

	// Per-project daily rows are recomputed wholesale, so clear them first;
	// rows for renamed or vanished slugs must not survive a rebuild.
	if err := d.store.DeleteProjectDailyMetrics(ctx); err != nil {
		d.logger.Warn("Failed to clear per-project daily metrics", "error", err)
	}

	tokens, err := d.usage.Scan()
	if err != nil {
		d.logger.Warn("Session scan failed", "error", err)
	} else {
		d.cache.todayTokens = tokens.ForDate(d.today())
	}
	rows := projectDailyRows(d.countsBySlugDate(d.cache.entries), tokens, "")
	if err := d.store.SyncProjectDailyMetrics(ctx, rows); err != nil {
		d.logger.Warn("Project daily metric sync failed", "error", err)
	} else {
		d.logger.Info("Daily metrics synced", "project_rows", len(rows))
	}

	if counters, lifetimeTokens, err := d.store.FetchLifetimeCounters(ctx); err != nil {
		d.logger.Warn("Lifetime counter refresh failed", "error", err)
	} else {
		d.cache.lifetimeCounters = counters
		d.cache.lifetimeTokens = lifetimeTokens
	}

	if modelStats, err := stats.ReadModelStats(d.cfg.ModelStats()); err != nil {
		d.logger.Warn("Model stats unreadable", "error", err)
	} else {
		d.cache.modelStats = modelStats
	}

	d.pushAggregates(ctx, d.cache.totalsBySlug())

	if row, err := d.store.FacilityStatus(ctx); err != nil {
		d.logger.Warn("Post-sync status read failed", "error", err)
	} else {
		d.logger.Info("Facility row after sync",
			"status", row.Status,
			"lifetime_tokens", row.LifetimeTokens,
			"updated_at", row.UpdatedAt.Format(time.RFC3339))
	}
}

// globalDailyRows maps the stats-cache daily activity to facility-wide rows
// (project NULL). A non-empty onlyDate restricts the output to that date.
func globalDailyRows(sc stats.StatsCache, onlyDate string) []datastore.DailyMetricRow {
	rows := make([]datastore.DailyMetricRow, 0, len(sc.DailyActivity))
	for _, day := range sc.DailyActivity {
		if onlyDate != "" && day.Date != onlyDate {
			continue
		}
		rows = append(rows, datastore.DailyMetricRow{
			Date:          day.Date,
			Project:       nil,
			Sessions:      day.SessionCount,
			Messages:      day.MessageCount,
			ToolCalls:     day.ToolCallCount,
			TokensByModel: sc.TokensForDate(day.Date),
		})
	}
	return rows
}

// projectDailyRows joins event counters and token usage into per-project
// daily rows, one per (slug, date) present in either source. A non-empty
// onlyDate restricts the output to that date.
func projectDailyRows(counts map[string]map[string]eventlog.TypeCounts, tokens usage.Tokens, onlyDate string) []datastore.DailyMetricRow {
	type key struct{ slug, date string }
	seen := make(map[key]struct{})
	var keys []key
	add := func(slug, date string) {
		if onlyDate != "" && date != onlyDate {
			return
		}
		k := key{slug, date}
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
	}
	for slug, days := range counts {
		for date := range days {
			add(slug, date)
		}
	}
	for slug, days := range tokens {
		for date := range days {
			add(slug, date)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].slug != keys[j].slug {
			return keys[i].slug < keys[j].slug
		}
		return keys[i].date < keys[j].date
	})

	rows := make([]datastore.DailyMetricRow, 0, len(keys))
	for _, k := range keys {
		counters := counts[k.slug][k.date]
		project := k.slug
		rows = append(rows, datastore.DailyMetricRow{
			Date:          k.date,
			Project:       &project,
			Sessions:      counters.Sessions,
			Messages:      counters.Messages,
			ToolCalls:     counters.ToolCalls,
			AgentSpawns:   counters.AgentSpawns,
			TeamMessages:  counters.TeamMessages,
			TokensByModel: tokens[k.slug][k.date],
		})
	}
	return rows
}
