package projects

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Rename records a slug change for one project directory between two scans.
type Rename struct {
	Dir     string
	OldSlug string
	NewSlug string
}

// LoadSlugMap reads a persisted directory→slug map. A missing file is not an
// error; it returns an empty map so the first run starts clean.
func LoadSlugMap(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read slug map: %w", err)
	}

	m := make(map[string]string)
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse slug map %s: %w", path, err)
	}
	return m, nil
}

// SaveSlugMap persists the directory→slug map as JSON.
func SaveSlugMap(path string, m map[string]string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode slug map: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write slug map: %w", err)
	}
	return nil
}

// DiffSlugMaps returns the renames between two scans: directories present in
// both maps whose slug changed. New and vanished directories are not renames.
func DiffSlugMaps(previous, current map[string]string) []Rename {
	var renames []Rename
	for dir, newSlug := range current {
		oldSlug, ok := previous[dir]
		if !ok || oldSlug == "" || newSlug == "" || oldSlug == newSlug {
			continue
		}
		renames = append(renames, Rename{Dir: dir, OldSlug: oldSlug, NewSlug: newSlug})
	}
	sort.Slice(renames, func(i, j int) bool { return renames[i].Dir < renames[j].Dir })
	return renames
}
