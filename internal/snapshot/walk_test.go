package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func sampleRepo(t *testing.T) string {
	t.Helper()
	root := filepath.Join(t.TempDir(), "repo")
	writeTree(t, root, map[string]string{
		"Makefile":              "build:\n\tgo build\n",
		"README.md":             "# repo\n",
		"main.py":               "class App:\n    def run(self):\n        pass\n",
		"pkg/util.go":           "package pkg\n\nfunc Helper() {}\n",
		"node_modules/dep/x.js": "module.exports = 1;\n",
		"debug.log":             "noise\n",
	})
	return root
}

func TestCollect_RepoMap(t *testing.T) {
	root := sampleRepo(t)

	snap, err := Collect(context.Background(), root, CollectOptions{})
	require.NoError(t, err)

	want := "repo\n" +
		"    Makefile\n" +
		"    main.py\n" +
		"        Classes:\n" +
		"            App (Line 1)\n" +
		"        Functions:\n" +
		"            run (Line 2)\n" +
		"pkg\n" +
		"    util.go\n" +
		"        Functions:\n" +
		"            Helper (Line 3)\n"
	assert.Equal(t, want, snap.RepoMap)
	assert.Empty(t, snap.Warnings)
}

func TestCollect_NestedIndent(t *testing.T) {
	root := filepath.Join(t.TempDir(), "proj")
	writeTree(t, root, map[string]string{
		"a/b/c.rb": "def go\nend\n",
	})

	snap, err := Collect(context.Background(), root, CollectOptions{})
	require.NoError(t, err)
	assert.Equal(t, "proj\na\n    b\n        c.rb\n            Functions:\n                go (Line 1)\n", snap.RepoMap)
}

func TestCollect_SingleChunk(t *testing.T) {
	root := sampleRepo(t)

	snap, err := Collect(context.Background(), root, CollectOptions{})
	require.NoError(t, err)
	require.Len(t, snap.Chunks, 1)

	c := snap.Chunks[0]
	assert.Equal(t, 1, c.Index)
	assert.Equal(t, 3, c.FileCount)
	assert.Equal(t, 0, c.TokenCount, "token counting disabled by default")
	assert.Equal(t,
		"\n\n---\nMakefile\n---\n\nbuild:\n\tgo build\n"+
			"\n\n---\nmain.py\n---\n\nclass App:\n    def run(self):\n        pass\n"+
			"\n\n---\npkg/util.go\n---\n\npackage pkg\n\nfunc Helper() {}\n",
		c.Content)
}

func TestCollect_ChunkLimit(t *testing.T) {
	root := sampleRepo(t)

	var written []Chunk
	snap, err := Collect(context.Background(), root, CollectOptions{
		Estimator:       NewApproximateEstimator(),
		ChunkTokenLimit: 1,
		OnChunk: func(c Chunk) error {
			written = append(written, c)
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, snap.Chunks, 3)
	assert.Equal(t, snap.Chunks, written)
	for i, c := range snap.Chunks {
		assert.Equal(t, i+1, c.Index)
		assert.Equal(t, 1, c.FileCount)
		assert.Positive(t, c.TokenCount)
	}
}

func TestCollect_LargeLimitKeepsOneChunk(t *testing.T) {
	root := sampleRepo(t)

	snap, err := Collect(context.Background(), root, CollectOptions{
		Estimator:       NewApproximateEstimator(),
		ChunkTokenLimit: 100000,
	})
	require.NoError(t, err)
	require.Len(t, snap.Chunks, 1)
	assert.Positive(t, snap.Chunks[0].TokenCount)
	assert.Equal(t, 3, snap.Chunks[0].FileCount)
}

func TestCollect_EmptyRepository(t *testing.T) {
	root := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.MkdirAll(root, 0755))

	var repoMap string
	snap, err := Collect(context.Background(), root, CollectOptions{
		OnRepoMap: func(text string) error {
			repoMap = text
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "empty\n", repoMap)
	require.Len(t, snap.Chunks, 1)
	assert.Equal(t, 0, snap.Chunks[0].FileCount)
	assert.Equal(t, "", snap.Chunks[0].Content)
}

func TestCollect_SkipsOutputsBinariesAndLinks(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	writeTree(t, root, map[string]string{
		"app.py":         "x = 1\n",
		"blob.py":        "a\x00b",
		"out/chunk.py":   "generated = True\n",
		"out/repomap.py": "generated = True\n",
	})
	require.NoError(t, os.Symlink(filepath.Join(root, "app.py"), filepath.Join(root, "link.py")))

	snap, err := Collect(context.Background(), root, CollectOptions{
		Skip: SkipPaths(root, filepath.Join(root, "out"), "/elsewhere/file"),
	})
	require.NoError(t, err)
	assert.Equal(t, "repo\n    app.py\n", snap.RepoMap)
	assert.Equal(t, 1, snap.Chunks[0].FileCount)
}

func TestCollect_MaxFileBytes(t *testing.T) {
	root := filepath.Join(t.TempDir(), "repo")
	writeTree(t, root, map[string]string{
		"small.py": "a = 1\n",
		"big.py":   "b = '0123456789012345678901234567890'\n",
	})

	snap, err := Collect(context.Background(), root, CollectOptions{
		Filter: NewFilter(root, &Options{MaxFileBytes: int64Ptr(10)}),
	})
	require.NoError(t, err)
	assert.Equal(t, "repo\n    small.py\n", snap.RepoMap)
}

func TestCollect_Cancelled(t *testing.T) {
	root := sampleRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Collect(ctx, root, CollectOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCollect_MissingRoot(t *testing.T) {
	_, err := Collect(context.Background(), filepath.Join(t.TempDir(), "nope"), CollectOptions{})
	assert.Error(t, err)
}

func TestSkipPaths(t *testing.T) {
	root := t.TempDir()
	skip := SkipPaths(root, filepath.Join(root, "artifacts", "repomap.txt"), filepath.Dir(root), root)
	assert.Equal(t, map[string]bool{"artifacts/repomap.txt": true}, skip)
}
