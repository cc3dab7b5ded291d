package stats

import (
	"encoding/json"
	"fmt"
	"os"
)

// DayActivity is one date's message/session/tool-call tallies.
type DayActivity struct {
	Date          string `json:"date"`
	MessageCount  int64  `json:"messageCount"`
	SessionCount  int64  `json:"sessionCount"`
	ToolCallCount int64  `json:"toolCallCount"`
}

// DayModelTokens is one date's token map keyed by model name.
type DayModelTokens struct {
	Date          string           `json:"date"`
	TokensByModel map[string]int64 `json:"tokensByModel"`
}

// ModelUsage is one model's lifetime usage entry.
type ModelUsage struct {
	InputTokens              int64 `json:"inputTokens"`
	OutputTokens             int64 `json:"outputTokens"`
	CacheReadInputTokens     int64 `json:"cacheReadInputTokens"`
	CacheCreationInputTokens int64 `json:"cacheCreationInputTokens"`
}

// StatsCache mirrors the fields of stats-cache.json the exporter consumes.
// Decoding is loose: unknown fields are ignored and absent ones zero.
type StatsCache struct {
	DailyActivity    []DayActivity         `json:"dailyActivity"`
	DailyModelTokens []DayModelTokens      `json:"dailyModelTokens"`
	ModelUsage       map[string]ModelUsage `json:"modelUsage"`
	TotalSessions    int64                 `json:"totalSessions"`
	TotalMessages    int64                 `json:"totalMessages"`
	FirstSessionDate string                `json:"firstSessionDate"`
	LastComputedDate string                `json:"lastComputedDate"`
	HourCounts       map[string]int64      `json:"hourCounts"`
}

// ReadStatsCache loads stats-cache.json. On any error the zero value is
// returned alongside it so callers can keep their previous snapshot.
func ReadStatsCache(path string) (StatsCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return StatsCache{}, fmt.Errorf("read stats cache: %w", err)
	}
	var sc StatsCache
	if err := json.Unmarshal(data, &sc); err != nil {
		return StatsCache{}, fmt.Errorf("decode stats cache: %w", err)
	}
	return sc, nil
}

// TokensForDate returns the per-model token map recorded for a date, or nil.
func (s StatsCache) TokensForDate(date string) map[string]int64 {
	for _, d := range s.DailyModelTokens {
		if d.Date == date {
			return d.TokensByModel
		}
	}
	return nil
}
