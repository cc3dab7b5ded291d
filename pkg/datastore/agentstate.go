package datastore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"
)

// PushAgentState writes the agent columns: per-slug active/count pairs on
// project_telemetry, the facility row's agent columns and open-projects
// list, and last_active on each project with a running agent. Writes fan
// out in parallel; failures are logged and never abort the push. Aggregate
// columns and updated_at are untouched.
func (c *Client) PushAgentState(ctx context.Context, perSlug map[string]AgentState, summary FacilitySummary) {
	slugs := make([]string, 0, len(perSlug))
	for slug := range perSlug {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)

	var wg sync.WaitGroup

	for _, slug := range slugs {
		wg.Add(1)
		go func(slug string, state AgentState) {
			defer wg.Done()
			query := url.Values{}
			query.Set("project", "eq."+slug)
			body := map[string]any{
				"active_agents": state.Active,
				"agent_count":   state.Count,
			}
			if err := c.patch(ctx, "project_telemetry", query, body); err != nil {
				c.logger.Warn("Agent state push failed", "project", slug, "error", err)
			}
		}(slug, perSlug[slug])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		projects := summary.ActiveProjects
		if projects == nil {
			projects = []string{}
		}
		query := url.Values{}
		query.Set("id", "eq.1")
		body := map[string]any{
			"active_agents":   summary.ActiveAgents,
			"agent_count":     summary.AgentCount,
			"active_projects": projects,
		}
		if err := c.patch(ctx, "facility_status", query, body); err != nil {
			c.logger.Warn("Facility agent state push failed", "error", err)
		}
	}()

	now := time.Now().UTC()
	for _, slug := range slugs {
		if perSlug[slug].Active == 0 {
			continue
		}
		wg.Add(1)
		go func(slug string) {
			defer wg.Done()
			query := url.Values{}
			query.Set("content_slug", "eq."+slug)
			if err := c.patch(ctx, "projects", query, map[string]any{"last_active": now}); err != nil {
				c.logger.Warn("Project last-active bump failed", "project", slug, "error", err)
			}
		}(slug)
	}

	wg.Wait()
}

// UpdateFacilityAggregates writes the aggregate columns and updated_at on
// the facility row. This is the only writer of updated_at, which the open
// command's preflight uses as the telemetry heartbeat.
func (c *Client) UpdateFacilityAggregates(ctx context.Context, agg FacilityAggregates) error {
	tokens := agg.TokensByModel
	if tokens == nil {
		tokens = map[string]int64{}
	}

	query := url.Values{}
	query.Set("id", "eq.1")
	body := map[string]any{
		"lifetime_tokens":     agg.LifetimeTokens,
		"today_tokens":        agg.TodayTokens,
		"total_sessions":      agg.Counters.Sessions,
		"total_messages":      agg.Counters.Messages,
		"total_tool_calls":    agg.Counters.ToolCalls,
		"total_agent_spawns":  agg.Counters.AgentSpawns,
		"total_team_messages": agg.Counters.TeamMessages,
		"tokens_by_model":     tokens,
		"updated_at":          time.Now().UTC(),
	}
	if err := c.patch(ctx, "facility_status", query, body); err != nil {
		return fmt.Errorf("update facility aggregates: %w", err)
	}
	return nil
}

// SetFacilityStatus flips the open flag and nothing else.
func (c *Client) SetFacilityStatus(ctx context.Context, open bool) error {
	query := url.Values{}
	query.Set("id", "eq.1")
	if err := c.patch(ctx, "facility_status", query, map[string]any{"status": statusFor(open)}); err != nil {
		return fmt.Errorf("set facility status: %w", err)
	}
	return nil
}

// FacilityStatus reads the singleton facility row.
func (c *Client) FacilityStatus(ctx context.Context) (*FacilityRow, error) {
	query := url.Values{}
	query.Set("id", "eq.1")
	query.Set("limit", "1")

	var rows []FacilityRow
	if err := c.get(ctx, "facility_status", query, &rows); err != nil {
		return nil, fmt.Errorf("read facility status: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("facility status row missing")
	}
	return &rows[0], nil
}

// VerifyFacilityStatus re-reads the flag and errors when it disagrees with
// what was just written.
func (c *Client) VerifyFacilityStatus(ctx context.Context, open bool) error {
	row, err := c.FacilityStatus(ctx)
	if err != nil {
		return err
	}
	if want := statusFor(open); row.Status != want {
		return fmt.Errorf("facility status is %q, want %q", row.Status, want)
	}
	return nil
}
