package datastore

import (
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/eventlog"
)

// Facility status values. The open flag maps to "active", closed to
// "dormant".
const (
	StatusActive  = "active"
	StatusDormant = "dormant"
)

func statusFor(open bool) string {
	if open {
		return StatusActive
	}
	return StatusDormant
}

// EventRow is one exported event. The four-column conflict target makes
// re-inserting the same event a no-op.
type EventRow struct {
	Project   string    `json:"project"`
	EventType string    `json:"event_type"`
	EventText string    `json:"event_text"`
	Timestamp time.Time `json:"timestamp"`
}

// ProjectRow is the per-slug registry row. FirstSeen is written once at
// registration and never updated.
type ProjectRow struct {
	ContentSlug string    `json:"content_slug"`
	LocalNames  []string  `json:"local_names"`
	Visibility  string    `json:"visibility"`
	FirstSeen   time.Time `json:"first_seen"`
	LastActive  time.Time `json:"last_active"`
	TotalEvents int64     `json:"total_events"`
}

// DailyMetricRow is one (date, project) aggregate. Project nil marks the
// facility-wide row for that date. ID is server-assigned; it is only set on
// rows read back from the datastore.
type DailyMetricRow struct {
	ID            int64            `json:"id,omitempty"`
	Date          string           `json:"date"`
	Project       *string          `json:"project"`
	Sessions      int64            `json:"sessions"`
	Messages      int64            `json:"messages"`
	ToolCalls     int64            `json:"tool_calls"`
	AgentSpawns   int64            `json:"agent_spawns"`
	TeamMessages  int64            `json:"team_messages"`
	TokensByModel map[string]int64 `json:"tokens_by_model"`
}

// ProjectTelemetryRow is the per-slug live snapshot. ActiveAgents and
// AgentCount are pointers so aggregate upserts omit them entirely; only the
// agent-state path writes those columns.
type ProjectTelemetryRow struct {
	Project              string           `json:"project"`
	LifetimeTokens       int64            `json:"lifetime_tokens"`
	TodayTokens          int64            `json:"today_tokens"`
	TodayTokensByModel   map[string]int64 `json:"today_tokens_by_model"`
	LifetimeSessions     int64            `json:"lifetime_sessions"`
	LifetimeMessages     int64            `json:"lifetime_messages"`
	LifetimeToolCalls    int64            `json:"lifetime_tool_calls"`
	LifetimeAgentSpawns  int64            `json:"lifetime_agent_spawns"`
	LifetimeTeamMessages int64            `json:"lifetime_team_messages"`
	ActiveAgents         *int             `json:"active_agents,omitempty"`
	AgentCount           *int             `json:"agent_count,omitempty"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// FacilityRow is the singleton status row (id = 1).
type FacilityRow struct {
	ID                int              `json:"id"`
	Status            string           `json:"status"`
	ActiveAgents      int              `json:"active_agents"`
	AgentCount        int              `json:"agent_count"`
	ActiveProjects    []string         `json:"active_projects"`
	LifetimeTokens    int64            `json:"lifetime_tokens"`
	TodayTokens       int64            `json:"today_tokens"`
	TotalSessions     int64            `json:"total_sessions"`
	TotalMessages     int64            `json:"total_messages"`
	TotalToolCalls    int64            `json:"total_tool_calls"`
	TotalAgentSpawns  int64            `json:"total_agent_spawns"`
	TotalTeamMessages int64            `json:"total_team_messages"`
	TokensByModel     map[string]int64 `json:"tokens_by_model"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// AgentState is the per-slug agent column pair written by the agent-state
// path.
type AgentState struct {
	Active int
	Count  int
}

// FacilitySummary is the facility-level agent state written alongside the
// per-slug pairs.
type FacilitySummary struct {
	ActiveAgents   int
	AgentCount     int
	ActiveProjects []string
}

// FacilityAggregates is the aggregate column set on the facility row. Status
// and agent columns belong to other writers and are not part of this set.
type FacilityAggregates struct {
	LifetimeTokens int64
	TodayTokens    int64
	Counters       eventlog.TypeCounts
	TokensByModel  map[string]int64
}
