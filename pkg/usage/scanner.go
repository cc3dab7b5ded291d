// Package usage aggregates per-model token counts from the session record
// files the agent runtime writes under its data directory.
package usage

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// SlugSource resolves project directory names to canonical slugs and lists
// the directories under the organization root, longest name first.
type SlugSource interface {
	Slug(dir string) string
	Dirs() ([]string, error)
}

// Tokens is the scan result: slug → date (YYYY-MM-DD) → model → token sum.
type Tokens map[string]map[string]map[string]int64

// ForDate returns slug → model → tokens for a single date.
func (t Tokens) ForDate(date string) map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	for slug, days := range t {
		if models, ok := days[date]; ok && len(models) > 0 {
			m := make(map[string]int64, len(models))
			for model, n := range models {
				m[model] = n
			}
			out[slug] = m
		}
	}
	return out
}

// TotalsBySlug returns the all-time token sum per slug.
func (t Tokens) TotalsBySlug() map[string]int64 {
	out := make(map[string]int64, len(t))
	for slug, days := range t {
		var sum int64
		for _, models := range days {
			for _, n := range models {
				sum += n
			}
		}
		out[slug] = sum
	}
	return out
}

// Scanner walks the per-session record tree and sums token usage per
// project, date, and model.
type Scanner struct {
	sessionRoot  string
	projectsRoot string
	source       SlugSource
	logger       *slog.Logger
}

// NewScanner creates a scanner over sessionRoot. projectsRoot is the
// organization directory whose encoded path prefixes session directory names.
func NewScanner(sessionRoot, projectsRoot string, source SlugSource) *Scanner {
	return &Scanner{
		sessionRoot:  sessionRoot,
		projectsRoot: projectsRoot,
		source:       source,
		logger:       slog.Default(),
	}
}

// Scan reads every resolvable session file once and returns the aggregated
// token counts. Dedup state is scoped to the call, so repeating a scan over
// unchanged files yields identical results.
func (s *Scanner) Scan() (Tokens, error) {
	entries, err := os.ReadDir(s.sessionRoot)
	if os.IsNotExist(err) {
		return Tokens{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session root: %w", err)
	}

	dirs, err := s.source.Dirs()
	if err != nil {
		return nil, fmt.Errorf("list project directories: %w", err)
	}

	prefix := strings.ReplaceAll(s.projectsRoot, "/", "-") + "-"
	out := make(Tokens)
	seen := make(map[string]map[string]struct{})

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir, ok := matchProjectDir(entry.Name(), prefix, dirs)
		if !ok {
			continue
		}
		slug := s.source.Slug(dir)
		if slug == "" {
			continue
		}
		if seen[slug] == nil {
			seen[slug] = make(map[string]struct{})
		}
		s.scanSessionDir(filepath.Join(s.sessionRoot, entry.Name()), slug, seen[slug], out)
	}
	return out, nil
}

// matchProjectDir decodes an encoded session directory name back to a project
// directory. dirs must be sorted longest-first so the most specific name wins
// when one is a dash-prefix of another.
func matchProjectDir(encoded, prefix string, dirs []string) (string, bool) {
	if !strings.HasPrefix(encoded, prefix) {
		return "", false
	}
	rest := strings.TrimPrefix(encoded, prefix)
	for _, dir := range dirs {
		if rest == dir || strings.HasPrefix(rest, dir+"-") {
			return dir, true
		}
	}
	return "", false
}

// scanSessionDir accumulates tokens from the top-level session files and any
// <session-id>/subagents/*.jsonl files beneath path.
func (s *Scanner) scanSessionDir(path, slug string, seen map[string]struct{}, out Tokens) {
	topLevel, err := filepath.Glob(filepath.Join(path, "*.jsonl"))
	if err == nil {
		for _, file := range topLevel {
			s.scanOnce(file, filepath.Base(file), slug, seen, out)
		}
	}

	nested, err := filepath.Glob(filepath.Join(path, "*", "subagents", "*.jsonl"))
	if err != nil {
		return
	}
	for _, file := range nested {
		sessionID := filepath.Base(filepath.Dir(filepath.Dir(file)))
		key := sessionID + "/subagents/" + filepath.Base(file)
		s.scanOnce(file, key, slug, seen, out)
	}
}

func (s *Scanner) scanOnce(file, key, slug string, seen map[string]struct{}, out Tokens) {
	if _, dup := seen[key]; dup {
		return
	}
	seen[key] = struct{}{}

	if err := s.scanFile(file, slug, out); err != nil {
		s.logger.Warn("Failed to scan session file", "file", file, "error", err)
	}
}

// sessionRecord is the loose shape of the JSONL lines we care about; unknown
// fields are ignored and token fields default to zero.
type sessionRecord struct {
	Timestamp string `json:"timestamp"`
	RequestID string `json:"requestId"`
	Message   struct {
		Model string `json:"model"`
		Usage *struct {
			InputTokens              int64 `json:"input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (s *Scanner) scanFile(file, slug string, out Tokens) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	// Session lines can carry whole tool outputs.
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	reqSeen := make(map[string]struct{})
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, `"usage"`) {
			continue
		}

		var rec sessionRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		if rec.Message.Usage == nil || rec.Message.Model == "" || len(rec.Timestamp) < 10 {
			continue
		}
		if rec.RequestID != "" {
			if _, dup := reqSeen[rec.RequestID]; dup {
				continue
			}
			reqSeen[rec.RequestID] = struct{}{}
		}

		u := rec.Message.Usage
		tokens := u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens + u.OutputTokens
		date := rec.Timestamp[:10]

		if out[slug] == nil {
			out[slug] = make(map[string]map[string]int64)
		}
		if out[slug][date] == nil {
			out[slug][date] = make(map[string]int64)
		}
		out[slug][date][rec.Message.Model] += tokens
	}
	return scanner.Err()
}
