// Package stats reads the agent-maintained usage snapshots: the per-model
// token totals in model-stats and the precomputed daily activity in
// stats-cache.json. Both files are externally owned and re-read on every
// aggregate cycle; a missing or partial file yields a zero snapshot.
package stats

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ModelTokens is one model's lifetime token breakdown.
type ModelTokens struct {
	Total      int64
	Input      int64
	CacheWrite int64
	CacheRead  int64
	Output     int64
}

// ReadModelStats parses the whitespace-delimited model-stats file:
// one "model total input cache_write cache_read output" line per model.
// Short or non-numeric lines are skipped.
func ReadModelStats(path string) (map[string]ModelTokens, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model stats: %w", err)
	}
	defer f.Close()

	result := make(map[string]ModelTokens)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 6 {
			continue
		}
		nums := make([]int64, 5)
		ok := true
		for i := 0; i < 5; i++ {
			n, err := strconv.ParseInt(fields[i+1], 10, 64)
			if err != nil {
				ok = false
				break
			}
			nums[i] = n
		}
		if !ok {
			continue
		}
		result[fields[0]] = ModelTokens{
			Total:      nums[0],
			Input:      nums[1],
			CacheWrite: nums[2],
			CacheRead:  nums[3],
			Output:     nums[4],
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read model stats: %w", err)
	}
	return result, nil
}

// TotalTokens sums the Total column across models.
func TotalTokens(m map[string]ModelTokens) int64 {
	var sum int64
	for _, t := range m {
		sum += t.Total
	}
	return sum
}

// TokensByModel flattens the snapshot into the model→total map stored on the
// facility row.
func TokensByModel(m map[string]ModelTokens) map[string]int64 {
	out := make(map[string]int64, len(m))
	for model, t := range m {
		out[model] = t.Total
	}
	return out
}
