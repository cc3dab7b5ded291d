package projects

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlugMapRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slug-map.json")
	want := map[string]string{"alpha": "alpha-site", "beta": "beta"}

	require.NoError(t, SaveSlugMap(path, want))

	got, err := LoadSlugMap(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadSlugMap_MissingFile(t *testing.T) {
	m, err := LoadSlugMap(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestLoadSlugMap_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slug-map.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadSlugMap(path)
	assert.Error(t, err)
}

func TestDiffSlugMaps(t *testing.T) {
	previous := map[string]string{
		"alpha":   "alpha-old",
		"beta":    "beta",
		"gone":    "gone",
		"blanked": "had-slug",
	}
	current := map[string]string{
		"alpha":   "alpha-new", // renamed
		"beta":    "beta",      // unchanged
		"fresh":   "fresh",     // new directory, not a rename
		"blanked": "",          // lost its slug, not a rename
	}

	renames := DiffSlugMaps(previous, current)
	assert.Equal(t, []Rename{
		{Dir: "alpha", OldSlug: "alpha-old", NewSlug: "alpha-new"},
	}, renames)
}

func TestDiffSlugMaps_Empty(t *testing.T) {
	assert.Empty(t, DiffSlugMaps(nil, nil))
	assert.Empty(t, DiffSlugMaps(map[string]string{"a": "a"}, map[string]string{"a": "a"}))
}
