package datastore

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehouse-labs/gatehouse/pkg/eventlog"
)

func bodyKeys(t *testing.T, body string) []string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(body), &m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

func TestPushAgentState_WritesOnlyAgentColumns(t *testing.T) {
	server := newStoreServer(t)

	perSlug := map[string]AgentState{
		"alpha": {Active: 2, Count: 3},
		"beta":  {Active: 0, Count: 1},
	}
	summary := FacilitySummary{ActiveAgents: 2, AgentCount: 4, ActiveProjects: []string{"alpha"}}

	server.client().PushAgentState(context.Background(), perSlug, summary)

	telemetry := server.calls(http.MethodPatch, "/project_telemetry")
	require.Len(t, telemetry, 2)
	for _, call := range telemetry {
		assert.ElementsMatch(t, []string{"active_agents", "agent_count"}, bodyKeys(t, call.body))
	}

	facility := server.calls(http.MethodPatch, "/facility_status")
	require.Len(t, facility, 1)
	assert.Equal(t, "eq.1", facility[0].query.Get("id"))
	assert.ElementsMatch(t, []string{"active_agents", "agent_count", "active_projects"}, bodyKeys(t, facility[0].body))

	// last_active bumps only for alpha: beta has no active agent.
	projects := server.calls(http.MethodPatch, "/projects")
	require.Len(t, projects, 1)
	assert.Equal(t, "eq.alpha", projects[0].query.Get("content_slug"))
	assert.ElementsMatch(t, []string{"last_active"}, bodyKeys(t, projects[0].body))
}

func TestPushAgentState_EmptyActiveProjectsIsList(t *testing.T) {
	server := newStoreServer(t)

	server.client().PushAgentState(context.Background(), nil, FacilitySummary{})

	facility := server.calls(http.MethodPatch, "/facility_status")
	require.Len(t, facility, 1)
	assert.Contains(t, facility[0].body, `"active_projects":[]`)
}

func TestPushAgentState_FailuresDoNotAbort(t *testing.T) {
	server := newStoreServer(t)
	server.respond["PATCH /project_telemetry"] = response{status: http.StatusInternalServerError}

	server.client().PushAgentState(context.Background(),
		map[string]AgentState{"alpha": {Active: 1, Count: 1}},
		FacilitySummary{ActiveAgents: 1, AgentCount: 1, ActiveProjects: []string{"alpha"}})

	// The facility and project writes still happen.
	assert.Len(t, server.calls(http.MethodPatch, "/facility_status"), 1)
	assert.Len(t, server.calls(http.MethodPatch, "/projects"), 1)
}

func TestUpdateFacilityAggregates_NeverTouchesStatusOrAgents(t *testing.T) {
	server := newStoreServer(t)

	agg := FacilityAggregates{
		LifetimeTokens: 1000,
		TodayTokens:    50,
		Counters:       eventlog.TypeCounts{Sessions: 4, Messages: 9, ToolCalls: 40, AgentSpawns: 1, TeamMessages: 2},
		TokensByModel:  map[string]int64{"sonnet-4": 1000},
	}
	err := server.client().UpdateFacilityAggregates(context.Background(), agg)
	require.NoError(t, err)

	calls := server.calls(http.MethodPatch, "/facility_status")
	require.Len(t, calls, 1)
	assert.ElementsMatch(t, []string{
		"lifetime_tokens", "today_tokens",
		"total_sessions", "total_messages", "total_tool_calls",
		"total_agent_spawns", "total_team_messages",
		"tokens_by_model", "updated_at",
	}, bodyKeys(t, calls[0].body))
}

func TestSetFacilityStatus(t *testing.T) {
	server := newStoreServer(t)

	require.NoError(t, server.client().SetFacilityStatus(context.Background(), true))
	require.NoError(t, server.client().SetFacilityStatus(context.Background(), false))

	calls := server.calls(http.MethodPatch, "/facility_status")
	require.Len(t, calls, 2)
	assert.JSONEq(t, `{"status":"active"}`, calls[0].body)
	assert.JSONEq(t, `{"status":"dormant"}`, calls[1].body)
}

func TestVerifyFacilityStatus(t *testing.T) {
	server := newStoreServer(t)
	server.respond["GET /facility_status"] = response{body: facilityRowJSON} // status "active"

	assert.NoError(t, server.client().VerifyFacilityStatus(context.Background(), true))

	err := server.client().VerifyFacilityStatus(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"active"`)
	assert.Contains(t, err.Error(), `"dormant"`)
}
