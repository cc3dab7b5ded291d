package projects

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeProject creates a project directory under root, optionally with a
// marker directory and frontmatter content.
func writeProject(t *testing.T, root, dir string, tracked bool, frontmatter string) {
	t.Helper()
	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0o755))
	if !tracked {
		return
	}
	marker := filepath.Join(path, MarkerDir)
	require.NoError(t, os.MkdirAll(marker, 0o755))
	if frontmatter != "" {
		require.NoError(t, os.WriteFile(filepath.Join(marker, frontmatterFile), []byte(frontmatter), 0o644))
	}
}

func TestResolver_Slug(t *testing.T) {
	tests := []struct {
		name        string
		tracked     bool
		frontmatter string
		want        string
	}{
		{
			name:    "untracked directory resolves empty",
			tracked: false,
			want:    "",
		},
		{
			name:    "tracked without frontmatter falls back to directory name",
			tracked: true,
			want:    "proj",
		},
		{
			name:        "content_slug preferred over slug",
			tracked:     true,
			frontmatter: "---\ncontent_slug: canonical\nslug: secondary\n---\n# Project\n",
			want:        "canonical",
		},
		{
			name:        "slug used when content_slug absent",
			tracked:     true,
			frontmatter: "---\nslug: secondary\ntitle: whatever\n---\n",
			want:        "secondary",
		},
		{
			name:        "missing closing fence falls back to directory name",
			tracked:     true,
			frontmatter: "---\ncontent_slug: canonical\n",
			want:        "proj",
		},
		{
			name:        "file not starting with fence falls back",
			tracked:     true,
			frontmatter: "# Project\n\ncontent_slug: nope\n",
			want:        "proj",
		},
		{
			name:        "malformed yaml falls back to directory name",
			tracked:     true,
			frontmatter: "---\ncontent_slug: [unclosed\n---\n",
			want:        "proj",
		},
		{
			name:        "empty frontmatter values fall back",
			tracked:     true,
			frontmatter: "---\ntitle: only a title\n---\n",
			want:        "proj",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeProject(t, root, "proj", tt.tracked, tt.frontmatter)

			r := NewResolver(root)
			assert.Equal(t, tt.want, r.Slug("proj"))
		})
	}
}

func TestResolver_CachesUntilCleared(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "proj", true, "---\ncontent_slug: before\n---\n")

	r := NewResolver(root)
	require.Equal(t, "before", r.Slug("proj"))

	// Rewrite the frontmatter; the cached answer must survive.
	writeProject(t, root, "proj", true, "---\ncontent_slug: after\n---\n")
	assert.Equal(t, "before", r.Slug("proj"))

	r.ClearCache()
	assert.Equal(t, "after", r.Slug("proj"))
}

func TestResolver_CachesNegativeResults(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "plain", false, "")

	r := NewResolver(root)
	require.Equal(t, "", r.Slug("plain"))

	// Becoming tracked is only observed after a cache clear.
	writeProject(t, root, "plain", true, "")
	assert.Equal(t, "", r.Slug("plain"))

	r.ClearCache()
	assert.Equal(t, "plain", r.Slug("plain"))
}

func TestResolver_BuildSlugMap(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "alpha", true, "---\ncontent_slug: alpha-site\n---\n")
	writeProject(t, root, "beta", true, "")
	writeProject(t, root, "scratch", false, "")
	writeProject(t, root, ".hidden", true, "")
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	r := NewResolver(root)
	m, err := r.BuildSlugMap()
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"alpha": "alpha-site",
		"beta":  "beta",
	}, m)
}

func TestResolver_BuildSlugMapMissingRoot(t *testing.T) {
	r := NewResolver(filepath.Join(t.TempDir(), "nope"))
	_, err := r.BuildSlugMap()
	assert.Error(t, err)
}

func TestResolver_DirsLongestFirst(t *testing.T) {
	root := t.TempDir()
	for _, dir := range []string{"api", "api-gateway", "web"} {
		writeProject(t, root, dir, false, "")
	}

	r := NewResolver(root)
	dirs, err := r.Dirs()
	require.NoError(t, err)
	assert.Equal(t, []string{"api-gateway", "api", "web"}, dirs)
}
