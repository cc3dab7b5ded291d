// Package projects maps on-disk project directories to canonical slugs and
// classifies each project's public visibility. The slug is the only project
// identifier the datastore ever sees; directory names stay local.
package projects

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// MarkerDir is the opt-in subdirectory whose presence makes a project
// directory tracked. Directories without it resolve to an empty slug and are
// invisible to the rest of the pipeline.
const MarkerDir = ".facility"

// frontmatterFile carries the canonical slug in its YAML frontmatter.
const frontmatterFile = "project.md"

// Resolver resolves directory names under a fixed organization root to
// canonical slugs, with a process-wide cache.
type Resolver struct {
	root string

	mu    sync.RWMutex
	cache map[string]string
}

// NewResolver creates a resolver rooted at the organization directory.
func NewResolver(root string) *Resolver {
	return &Resolver{
		root:  root,
		cache: make(map[string]string),
	}
}

// Slug returns the canonical slug for a directory name under the root, or ""
// for untracked directories. Results, including negative ones, are cached
// until ClearCache.
func (r *Resolver) Slug(dir string) string {
	r.mu.RLock()
	slug, ok := r.cache[dir]
	r.mu.RUnlock()
	if ok {
		return slug
	}

	slug = r.resolve(dir)

	r.mu.Lock()
	r.cache[dir] = slug
	r.mu.Unlock()
	return slug
}

// ClearCache empties the lookup cache, forcing fresh disk reads.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string]string)
	r.mu.Unlock()
}

func (r *Resolver) resolve(dir string) string {
	marker := filepath.Join(r.root, dir, MarkerDir)
	info, err := os.Stat(marker)
	if err != nil || !info.IsDir() {
		return ""
	}

	data, err := os.ReadFile(filepath.Join(marker, frontmatterFile))
	if err != nil {
		return dir
	}
	if slug := slugFromFrontmatter(data); slug != "" {
		return slug
	}
	return dir
}

// slugFromFrontmatter extracts content_slug (preferred) or slug from a YAML
// frontmatter block. Missing fences, missing fields, or bad YAML yield "".
func slugFromFrontmatter(data []byte) string {
	const fence = "---"
	if !bytes.HasPrefix(data, []byte(fence)) {
		return ""
	}
	rest := data[len(fence):]
	end := bytes.Index(rest, []byte("\n"+fence))
	if end < 0 {
		return ""
	}

	var fm struct {
		ContentSlug string `yaml:"content_slug"`
		Slug        string `yaml:"slug"`
	}
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return ""
	}
	if fm.ContentSlug != "" {
		return fm.ContentSlug
	}
	return fm.Slug
}

// BuildSlugMap scans the root once and returns directory→slug for every
// tracked project directory.
func (r *Resolver) BuildSlugMap() (map[string]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("scan projects root: %w", err)
	}

	m := make(map[string]string)
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		if slug := r.Slug(entry.Name()); slug != "" {
			m[entry.Name()] = slug
		}
	}
	return m, nil
}

// Dirs lists the project directory names under the root, sorted
// longest-first so prefix matching prefers the most specific name.
func (r *Resolver) Dirs() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil, fmt.Errorf("scan projects root: %w", err)
	}
	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && entry.Name()[0] != '.' {
			dirs = append(dirs, entry.Name())
		}
	}
	sort.Slice(dirs, func(i, j int) bool {
		if len(dirs[i]) != len(dirs[j]) {
			return len(dirs[i]) > len(dirs[j])
		}
		return dirs[i] < dirs[j]
	})
	return dirs, nil
}
