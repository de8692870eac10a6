package importer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ImCalebP/ai-employee/internal/storage"
	"github.com/ImCalebP/ai-employee/internal/storage/sqlite"
	"github.com/ImCalebP/ai-employee/pkg/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type countingEmbedder struct {
	calls atomic.Int32
	fail  string
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.fail != "" && strings.Contains(text, c.fail) {
		return nil, errors.New("model unavailable")
	}
	return []float32{1, 0, 0}, nil
}

func (c *countingEmbedder) GetModel() string { return "counting" }

func writeVault(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, body := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	return root
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.NewStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func documents(t *testing.T, store storage.EntityStore) map[string]types.Entity {
	t.Helper()
	list, err := store.ListByClass(context.Background(), types.ClassDocument, storage.ListOptions{Limit: 500})
	require.NoError(t, err)
	out := make(map[string]types.Entity, len(list))
	for _, e := range list {
		out[e.Name] = e
	}
	return out
}

func TestImport_CreatesDocuments(t *testing.T) {
	root := writeVault(t, map[string]string{
		"product/roadmap.md":      roadmapNote,
		"notes/standup.txt":       "Daily standup notes.",
		"empty.md":                "  \n",
		".obsidian/workspace.md":  "# Hidden",
		"attachments/diagram.png": "binary",
	})
	store := newStore(t)
	embedder := &countingEmbedder{}

	res, err := New(store, Options{Embedder: embedder}).Import(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, 3, res.Found)
	assert.Equal(t, 2, res.Created)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, res.Failed)
	assert.EqualValues(t, 2, embedder.calls.Load())

	docs := documents(t, store)
	require.Len(t, docs, 2)
	roadmap := docs["Q3 Roadmap"]
	assert.Equal(t, []string{"Roadmap", "Q3 plan"}, roadmap.Aliases)
	assert.Equal(t, []float32{1, 0, 0}, roadmap.Embedding)
	assert.Equal(t, "product/roadmap.md", roadmap.Field("source_path"))
	assert.Equal(t, "notes", docs["standup"].Group)
}

func TestImport_SecondRunUpdates(t *testing.T) {
	root := writeVault(t, map[string]string{"a.md": "# Alpha\n\nfirst"})
	store := newStore(t)
	imp := New(store, Options{})

	res, err := imp.Import(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	first := documents(t, store)["Alpha"]

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("# Alpha\n\nsecond"), 0o600))
	res, err = imp.Import(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Zero(t, res.Created)

	docs := documents(t, store)
	require.Len(t, docs, 1)
	assert.Equal(t, first.ID, docs["Alpha"].ID)
	assert.Contains(t, docs["Alpha"].Text, "second")
}

func TestImport_CountsFailures(t *testing.T) {
	root := writeVault(t, map[string]string{
		"good.md":   "fine content",
		"broken.md": "---\ntitle: [oops\n---\n",
		"embed.md":  "poison pill",
	})
	store := newStore(t)

	res, err := New(store, Options{Embedder: &countingEmbedder{fail: "poison"}, Concurrency: 1}).Import(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 2, res.Failed)
	assert.Len(t, res.Errors, 2)
}

func TestImport_RejectsBadRoot(t *testing.T) {
	imp := New(newStore(t), Options{})

	_, err := imp.Import(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "note.md")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	_, err = imp.Import(context.Background(), file)
	assert.Error(t, err)
}

func TestImport_Cancelled(t *testing.T) {
	root := writeVault(t, map[string]string{"a.md": "a", "b.md": "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(newStore(t), Options{}).Import(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}
