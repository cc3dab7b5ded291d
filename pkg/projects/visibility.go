package projects

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gatehouse-labs/gatehouse/pkg/version"
)

// Visibility classifications stored in the cache and on project rows.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// Visibility classifies project slugs as public or private by matching them
// against the GitHub organization's repository list. Classifications persist
// in a JSON cache so the API is consulted at most once per slug, and the
// repository list is fetched at most once per process.
type Visibility struct {
	path       string
	org        string
	token      string
	apiBase    string
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	cache   map[string]string
	remote  map[string]bool
	fetched bool
}

// NewVisibility creates a classifier backed by the cache file at path.
// org may be empty; every uncached slug then resolves private.
func NewVisibility(path, org, token string) *Visibility {
	v := &Visibility{
		path:       path,
		org:        org,
		token:      token,
		apiBase:    "https://api.github.com",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		cache:      make(map[string]string),
		remote:     make(map[string]bool),
	}
	v.loadCache()
	return v
}

// Resolve returns "public" or "private" for a slug. Cached answers are final;
// unknown slugs trigger the one-shot repository enumeration, default to
// private when absent or unlisted, and are cached either way.
func (v *Visibility) Resolve(ctx context.Context, slug string) string {
	v.mu.Lock()
	defer v.mu.Unlock()

	if vis, ok := v.cache[slug]; ok {
		return vis
	}

	if !v.fetched {
		v.fetchRepos(ctx)
	}

	vis := VisibilityPrivate
	if private, ok := v.remote[slug]; ok && !private {
		vis = VisibilityPublic
	}
	v.cache[slug] = vis
	v.flushCache()
	return vis
}

func (v *Visibility) loadCache() {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if !os.IsNotExist(err) {
			v.logger.Warn("Failed to read visibility cache", "path", v.path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &v.cache); err != nil {
		v.logger.Warn("Discarding corrupt visibility cache", "path", v.path, "error", err)
		v.cache = make(map[string]string)
	}
}

func (v *Visibility) flushCache() {
	data, err := json.MarshalIndent(v.cache, "", "  ")
	if err != nil {
		v.logger.Warn("Failed to encode visibility cache", "error", err)
		return
	}
	if err := os.WriteFile(v.path, data, 0o644); err != nil {
		v.logger.Warn("Failed to write visibility cache", "path", v.path, "error", err)
	}
}

// githubRepo is the subset of the repository list response we read.
type githubRepo struct {
	Name    string `json:"name"`
	Private bool   `json:"private"`
}

// fetchRepos enumerates the organization's repositories. It runs at most once
// per process; a failed attempt still counts so a broken network cannot turn
// the aggregate loop into a request storm.
func (v *Visibility) fetchRepos(ctx context.Context) {
	v.fetched = true
	if v.org == "" {
		return
	}

	for page := 1; ; page++ {
		repos, err := v.fetchReposPage(ctx, page)
		if err != nil {
			v.logger.Warn("Failed to list organization repositories", "org", v.org, "page", page, "error", err)
			return
		}
		for _, repo := range repos {
			v.remote[repo.Name] = repo.Private
		}
		if len(repos) < 100 {
			return
		}
	}
}

func (v *Visibility) fetchReposPage(ctx context.Context, page int) ([]githubRepo, error) {
	apiURL := fmt.Sprintf("%s/orgs/%s/repos?per_page=100&page=%d", v.apiBase, v.org, page)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", version.Full())
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned HTTP %d", resp.StatusCode)
	}

	var repos []githubRepo
	if err := json.NewDecoder(resp.Body).Decode(&repos); err != nil {
		return nil, fmt.Errorf("decode repository list: %w", err)
	}
	return repos, nil
}
