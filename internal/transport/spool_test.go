package transport

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type collector struct {
	mu   sync.Mutex
	seen []Notification
}

func (c *collector) Notify(_ context.Context, n Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, n)
	return nil
}

func (c *collector) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.seen))
	for _, n := range c.seen {
		out = append(out, n.Text)
	}
	return out
}

func spooled(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+spoolExt))
	require.NoError(t, err)
	return matches
}

func TestSpoolWriter_WritesOneFilePerNotification(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outbox")
	w := NewSpoolWriter(dir)

	require.NoError(t, w.Notify(context.Background(), Notification{Kind: KindReply, ConversationID: "conv/1", Text: "a"}))
	require.NoError(t, w.Notify(context.Background(), Notification{Kind: KindReply, ConversationID: "conv/1", Text: "b"}))

	files := spooled(t, dir)
	assert.Len(t, files, 2)
	for _, f := range files {
		assert.NotContains(t, filepath.Base(f), "/")
	}
	tmp, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestSpoolWatcher_DrainsExistingAndRelaysNew(t *testing.T) {
	dir := t.TempDir()
	w := NewSpoolWriter(dir)
	require.NoError(t, w.Notify(context.Background(), Notification{Kind: KindClarification, ConversationID: "c1", Text: "before"}))

	target := &collector{}
	watcher := NewSpoolWatcher(dir, target, zap.NewNop())
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	assert.Equal(t, []string{"before"}, target.texts())

	require.NoError(t, w.Notify(context.Background(), Notification{Kind: KindClarification, ConversationID: "c1", Text: "after"}))
	require.Eventually(t, func() bool { return len(target.texts()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"before", "after"}, target.texts())
	assert.Empty(t, spooled(t, dir))
}

func TestSpoolWatcher_SkipsInvalidFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "1-x"+spoolExt), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o600))

	target := &collector{}
	watcher := NewSpoolWatcher(dir, target, nil)
	require.NoError(t, watcher.Start())
	watcher.Stop()

	assert.Empty(t, target.texts())
	assert.Empty(t, spooled(t, dir))
	assert.FileExists(t, filepath.Join(dir, "ignored.txt"))
}

func TestSpoolWatcher_StartTwice(t *testing.T) {
	watcher := NewSpoolWatcher(t.TempDir(), &collector{}, nil)
	require.NoError(t, watcher.Start())
	defer watcher.Stop()

	assert.Error(t, watcher.Start())
}
