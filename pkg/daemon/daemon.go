// Package daemon runs the exporter: two concurrent loops that turn the
// agent-owned files and the live process table into datastore rows. The fast
// watcher loop pushes debounced agent state; the slow aggregate loop tails the
// event log and maintains the daily and lifetime aggregates. A PID file under
// the exporter directory enforces one instance per host.
package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/config"
	"github.com/gatehouse-labs/gatehouse/pkg/datastore"
	"github.com/gatehouse-labs/gatehouse/pkg/eventlog"
	"github.com/gatehouse-labs/gatehouse/pkg/procmon"
	"github.com/gatehouse-labs/gatehouse/pkg/projects"
	"github.com/gatehouse-labs/gatehouse/pkg/stats"
	"github.com/gatehouse-labs/gatehouse/pkg/usage"
)

const dateLayout = "2006-01-02"

// Tailer reads the event log incrementally.
type Tailer interface {
	ReadAll() []eventlog.Entry
	Poll() []eventlog.Entry
}

// UsageScanner aggregates session-file token usage.
type UsageScanner interface {
	Scan() (usage.Tokens, error)
}

// AgentWatcher produces debounced agent lifecycle reports.
type AgentWatcher interface {
	Tick(ctx context.Context) (*procmon.TickReport, error)
	LastActive() time.Time
}

// SlugSource resolves directories to slugs and scans the organization root.
type SlugSource interface {
	Slug(dir string) string
	BuildSlugMap() (map[string]string, error)
	ClearCache()
}

// Store is the slice of the datastore API the daemon drives.
// *datastore.Client implements it.
type Store interface {
	InsertEvents(ctx context.Context, rows []datastore.EventRow) (inserted, failed int)
	RegisterProjects(ctx context.Context, slugMap map[string]string, vis datastore.VisibilityResolver) error
	SyncGlobalDailyMetrics(ctx context.Context, rows []datastore.DailyMetricRow) error
	SyncProjectDailyMetrics(ctx context.Context, rows []datastore.DailyMetricRow) error
	UpsertProjectTelemetry(ctx context.Context, rows []datastore.ProjectTelemetryRow) error
	UpdateProjectTotals(ctx context.Context, totals map[string]int64)
	PushAgentState(ctx context.Context, perSlug map[string]datastore.AgentState, summary datastore.FacilitySummary)
	UpdateFacilityAggregates(ctx context.Context, agg datastore.FacilityAggregates) error
	SetFacilityStatus(ctx context.Context, open bool) error
	FacilityStatus(ctx context.Context) (*datastore.FacilityRow, error)
	PruneEvents(ctx context.Context, before time.Time) error
	DeleteProjectDailyMetrics(ctx context.Context) error
	MigrateSlug(ctx context.Context, oldSlug, newSlug string) error
	FetchProjectTelemetry(ctx context.Context) ([]datastore.ProjectTelemetryRow, error)
	FetchLifetimeCounters(ctx context.Context) (map[string]eventlog.TypeCounts, map[string]int64, error)
}

// Daemon orchestrates the exporter pipeline.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	tailer   Tailer
	usage    UsageScanner
	watcher  AgentWatcher
	resolver SlugSource
	vis      datastore.VisibilityResolver
	store    Store

	// mu guards cache for the duration of one aggregate iteration.
	mu    sync.Mutex
	cache *telemetryCache

	slugMap map[string]string

	// latched is the auto-close latch: set after flipping the facility
	// closed, cleared as soon as any agent is windowed-active again.
	latched      bool
	lastPruneDay string

	now func() time.Time
}

// New assembles a daemon from its collaborators.
func New(cfg *config.Config, tailer Tailer, usageScanner UsageScanner, watcher AgentWatcher, resolver SlugSource, vis datastore.VisibilityResolver, store Store) *Daemon {
	return &Daemon{
		cfg:      cfg,
		logger:   slog.Default(),
		tailer:   tailer,
		usage:    usageScanner,
		watcher:  watcher,
		resolver: resolver,
		vis:      vis,
		store:    store,
		cache:    newTelemetryCache(),
		now:      time.Now,
	}
}

// Run claims the PID file and either performs a one-shot backfill or starts
// the two loops, returning when ctx is cancelled. The PID file is removed on
// the way out.
func (d *Daemon) Run(ctx context.Context, runBackfill bool) error {
	if err := AcquirePIDFile(d.cfg.PIDFile()); err != nil {
		return err
	}
	defer func() {
		if err := RemovePIDFile(d.cfg.PIDFile()); err != nil {
			d.logger.Warn("Failed to remove pid file", "error", err)
		}
	}()

	if runBackfill {
		return d.backfill(ctx)
	}

	if err := d.refreshSlugMap(ctx); err != nil {
		d.logger.Warn("Slug map refresh failed", "error", err)
	}

	// Seat the tailer offset at end-of-file; the full read also seeds the
	// entry buffer the daily recomputations draw on.
	d.cache.entries = d.tailer.ReadAll()
	d.logger.Info("Event log read", "entries", len(d.cache.entries))

	d.seedCaches(ctx)

	if err := d.gapBackfill(ctx); err != nil {
		d.logger.Warn("Gap backfill failed", "error", err)
	}

	d.logger.Info("Exporter daemon running",
		"watch_interval", d.cfg.WatchInterval,
		"sync_interval", d.cfg.SyncInterval)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.watchLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		d.aggregateLoop(ctx)
	}()
	wg.Wait()

	d.logger.Info("Exporter daemon stopped")
	return nil
}

// refreshSlugMap rescans the organization root, migrates any renamed slugs,
// persists the new map, and registers newly observed projects.
func (d *Daemon) refreshSlugMap(ctx context.Context) error {
	d.resolver.ClearCache()
	current, err := d.resolver.BuildSlugMap()
	if err != nil {
		return err
	}

	previous, err := projects.LoadSlugMap(d.cfg.SlugMapFile())
	if err != nil {
		d.logger.Warn("Discarding unreadable slug map snapshot", "error", err)
		previous = map[string]string{}
	}

	for _, rename := range projects.DiffSlugMaps(previous, current) {
		d.logger.Info("Migrating renamed project slug",
			"dir", rename.Dir, "old", rename.OldSlug, "new", rename.NewSlug)
		if err := d.store.MigrateSlug(ctx, rename.OldSlug, rename.NewSlug); err != nil {
			d.logger.Warn("Slug migration incomplete", "error", err)
		}
	}

	if err := projects.SaveSlugMap(d.cfg.SlugMapFile(), current); err != nil {
		d.logger.Warn("Failed to persist slug map", "error", err)
	}
	d.slugMap = current

	if err := d.store.RegisterProjects(ctx, current, d.vis); err != nil {
		d.logger.Warn("Project registration failed", "error", err)
	}
	return nil
}

// seedCaches primes the per-slug caches from the datastore's telemetry rows.
func (d *Daemon) seedCaches(ctx context.Context) {
	rows, err := d.store.FetchProjectTelemetry(ctx)
	if err != nil {
		d.logger.Warn("Failed to seed telemetry caches", "error", err)
		return
	}
	d.cache.seed(rows)
	d.logger.Info("Telemetry caches seeded", "projects", len(rows))
}

func (d *Daemon) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.watchTick(ctx)
		}
	}
}

// watchTick pushes one round of agent state and arms or fires the auto-close
// latch. Agent columns are the only datastore columns this path writes.
func (d *Daemon) watchTick(ctx context.Context) {
	report, err := d.watcher.Tick(ctx)
	if err != nil {
		d.logger.Warn("Process snapshot failed", "error", err)
		return
	}

	if report != nil {
		for _, transition := range report.Events {
			d.logger.Info("Agent transition",
				"event", transition.Type,
				"pid", transition.Agent.PID,
				"project", transition.Agent.Slug)
		}

		perSlug := make(map[string]datastore.AgentState, len(report.PerSlug))
		for slug, activity := range report.PerSlug {
			perSlug[slug] = datastore.AgentState{Active: activity.Active, Count: activity.Count}
		}
		summary := datastore.FacilitySummary{
			ActiveAgents:   report.Summary.ActiveCount,
			AgentCount:     report.Summary.AgentCount,
			ActiveProjects: report.Summary.ActiveProjects,
		}
		d.store.PushAgentState(ctx, perSlug, summary)
	}

	d.autoClose(ctx)
}

// autoClose flips the facility closed after a long all-idle stretch. The
// latch guarantees one flip per idle period; the daemon itself keeps running.
func (d *Daemon) autoClose(ctx context.Context) {
	idle := d.now().Sub(d.watcher.LastActive())
	if idle < config.AutoCloseAfter {
		d.latched = false
		return
	}
	if d.latched {
		return
	}

	d.logger.Info("No active agents, auto-closing facility", "idle", idle.Round(time.Second))
	if err := d.store.SetFacilityStatus(ctx, false); err != nil {
		d.logger.Warn("Auto-close failed", "error", err)
		return
	}
	d.latched = true
}

func (d *Daemon) aggregateLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SyncInterval)
	defer ticker.Stop()

	iteration := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			iteration++
			d.aggregateTick(ctx, iteration)
		}
	}
}

// aggregateTick is one pass of the slow loop: ingest fresh log entries,
// refresh the file snapshots, run the maintenance pass on schedule, and push
// the aggregate columns. Aggregate columns are the only datastore columns
// this path writes.
func (d *Daemon) aggregateTick(ctx context.Context, iteration int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	totals := d.ingestNewEntries(ctx)
	d.refreshSnapshots()

	if iteration%config.MaintenanceEvery == 0 {
		d.maintenance(ctx)
		totals = d.cache.totalsBySlug()
	}

	d.pushAggregates(ctx, totals)
}

// ingestNewEntries polls the tailer, buffers and inserts the new entries, and
// advances the cached lifetime counters. It returns the updated total-events
// values for the touched slugs.
func (d *Daemon) ingestNewEntries(ctx context.Context) map[string]int64 {
	entries := d.tailer.Poll()
	if len(entries) == 0 {
		return nil
	}
	d.cache.entries = append(d.cache.entries, entries...)

	if rows := d.eventRows(entries); len(rows) > 0 {
		inserted, failed := d.store.InsertEvents(ctx, rows)
		if failed > 0 {
			d.logger.Warn("Event inserts incomplete", "inserted", inserted, "failed", failed)
		}
	}

	totals := make(map[string]int64)
	for _, e := range entries {
		slug := d.resolver.Slug(e.Project)
		if slug == "" {
			continue
		}
		counters := d.cache.lifetimeCounters[slug]
		counters.Count(e.Type)
		d.cache.lifetimeCounters[slug] = counters
		totals[slug] = counters.Total()
	}
	return totals
}

// refreshSnapshots re-reads the agent-maintained stat files. Failures keep
// the previous snapshot; both files rotate atomically on the agent side.
func (d *Daemon) refreshSnapshots() {
	if modelStats, err := stats.ReadModelStats(d.cfg.ModelStats()); err == nil {
		d.cache.modelStats = modelStats
	}
	if statsCache, err := stats.ReadStatsCache(d.cfg.StatsCache()); err == nil {
		d.cache.statsCache = statsCache
	}
}

// maintenance is the slow pass: slug refresh with rename migration, session
// rescan, today's daily metrics, the datastore-driven lifetime refresh, the
// retention prune on date rollover, and the entry-buffer prune. Daily rows
// sync before the lifetime refresh so the refreshed counters include them.
func (d *Daemon) maintenance(ctx context.Context) {
	if err := d.refreshSlugMap(ctx); err != nil {
		d.logger.Warn("Slug map refresh failed", "error", err)
	}

	today := d.today()

	if tokens, err := d.usage.Scan(); err != nil {
		d.logger.Warn("Session scan failed", "error", err)
	} else {
		d.cache.todayTokens = tokens.ForDate(today)
		rows := projectDailyRows(d.countsBySlugDate(d.cache.entries), tokens, today)
		if err := d.store.SyncProjectDailyMetrics(ctx, rows); err != nil {
			d.logger.Warn("Project daily metric sync failed", "error", err)
		}
	}

	if rows := globalDailyRows(d.cache.statsCache, today); len(rows) > 0 {
		if err := d.store.SyncGlobalDailyMetrics(ctx, rows); err != nil {
			d.logger.Warn("Global daily metric sync failed", "error", err)
		}
	}

	if counters, lifetimeTokens, err := d.store.FetchLifetimeCounters(ctx); err != nil {
		d.logger.Warn("Lifetime counter refresh failed", "error", err)
	} else {
		d.cache.lifetimeCounters = counters
		d.cache.lifetimeTokens = lifetimeTokens
	}

	if today != d.lastPruneDay {
		cutoff := d.now().UTC().AddDate(0, 0, -d.cfg.RetentionDays)
		if err := d.store.PruneEvents(ctx, cutoff); err != nil {
			d.logger.Warn("Event prune failed", "error", err)
		} else {
			d.logger.Info("Pruned events", "before", cutoff.Format(dateLayout))
			d.lastPruneDay = today
		}
	}

	d.cache.pruneEntries(d.now().UTC().AddDate(0, 0, -config.BufferWindowDays))
}

// pushAggregates writes the aggregate column sets: project totals first, then
// per-project telemetry, then the facility row.
func (d *Daemon) pushAggregates(ctx context.Context, totals map[string]int64) {
	if len(totals) > 0 {
		d.store.UpdateProjectTotals(ctx, totals)
	}

	if rows := d.cache.telemetryRows(d.now().UTC()); len(rows) > 0 {
		if err := d.store.UpsertProjectTelemetry(ctx, rows); err != nil {
			d.logger.Warn("Telemetry upsert failed", "error", err)
		}
	}

	if err := d.store.UpdateFacilityAggregates(ctx, d.cache.facilityAggregates()); err != nil {
		d.logger.Warn("Facility aggregate update failed", "error", err)
	}
}

// eventRows maps entries to datastore rows, dropping entries whose directory
// has no slug.
func (d *Daemon) eventRows(entries []eventlog.Entry) []datastore.EventRow {
	rows := make([]datastore.EventRow, 0, len(entries))
	for _, e := range entries {
		slug := d.resolver.Slug(e.Project)
		if slug == "" {
			continue
		}
		rows = append(rows, datastore.EventRow{
			Project:   slug,
			EventType: string(e.Type),
			EventText: e.Text,
			Timestamp: e.Timestamp,
		})
	}
	return rows
}

// countsBySlugDate tallies buffered entries into slug → date → counters.
func (d *Daemon) countsBySlugDate(entries []eventlog.Entry) map[string]map[string]eventlog.TypeCounts {
	counts := make(map[string]map[string]eventlog.TypeCounts)
	for _, e := range entries {
		slug := d.resolver.Slug(e.Project)
		if slug == "" {
			continue
		}
		date := e.Timestamp.UTC().Format(dateLayout)
		if counts[slug] == nil {
			counts[slug] = make(map[string]eventlog.TypeCounts)
		}
		counters := counts[slug][date]
		counters.Count(e.Type)
		counts[slug][date] = counters
	}
	return counts
}

func (d *Daemon) today() string {
	return d.now().UTC().Format(dateLayout)
}
