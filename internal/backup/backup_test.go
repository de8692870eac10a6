package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

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

// seed opens the store at path, inserts contacts by name and closes it.
func seed(t *testing.T, path string, names ...string) {
	t.Helper()
	store, err := sqlite.NewStore(path, nil)
	require.NoError(t, err)
	defer store.Close()
	for _, name := range names {
		require.NoError(t, store.Insert(context.Background(), &types.Entity{Class: types.ClassContact, Name: name}))
	}
}

func contactNames(t *testing.T, path string) []string {
	t.Helper()
	store, err := sqlite.NewStore(path, nil)
	require.NoError(t, err)
	defer store.Close()
	list, err := store.ListByClass(context.Background(), types.ClassContact, storage.ListOptions{})
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, e := range list {
		names = append(names, e.Name)
	}
	sort.Strings(names)
	return names
}

func newService(t *testing.T, dbPath string) *Service {
	t.Helper()
	svc, err := NewService(Config{DBPath: dbPath, Dir: filepath.Join(filepath.Dir(dbPath), "backups"), Verify: true}, nil)
	require.NoError(t, err)
	return svc
}

func TestNewService_Validates(t *testing.T) {
	_, err := NewService(Config{Dir: t.TempDir()}, nil)
	assert.Error(t, err)

	_, err = NewService(Config{DBPath: "aie.db"}, nil)
	assert.Error(t, err)

	svc, err := NewService(Config{DBPath: "aie.db", Dir: filepath.Join(t.TempDir(), "nested", "backups")}, nil)
	require.NoError(t, err)
	assert.DirExists(t, svc.Dir())
	assert.Equal(t, DefaultRetention(), svc.cfg.Retention)
}

func TestCreate_SnapshotsAndVerifies(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aie.db")
	seed(t, dbPath, "Sarah Connor")
	svc := newService(t, dbPath)

	snap, err := svc.Create(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.Verified)
	assert.Positive(t, snap.Size)
	assert.FileExists(t, snap.Path)
	assert.Equal(t, []string{"Sarah Connor"}, contactNames(t, snap.Path))

	snaps, err := svc.List()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, snap.Path, snaps[0].Path)

	st, err := svc.Status()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Snapshots)
	assert.Equal(t, snap.Size, st.DiskUsed)
	assert.False(t, st.LastRun.IsZero())
}

func TestCreate_MissingDatabase(t *testing.T) {
	svc := newService(t, filepath.Join(t.TempDir(), "missing.db"))

	_, err := svc.Create(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database not found")
}

func TestRestore_RoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aie.db")
	seed(t, dbPath, "Sarah Connor")
	svc := newService(t, dbPath)

	snap, err := svc.Create(context.Background())
	require.NoError(t, err)

	seed(t, dbPath, "Kyle Reese")
	require.Equal(t, []string{"Kyle Reese", "Sarah Connor"}, contactNames(t, dbPath))

	require.NoError(t, svc.Restore(context.Background(), snap.Path))
	assert.Equal(t, []string{"Sarah Connor"}, contactNames(t, dbPath))
	assert.NoFileExists(t, dbPath+".pre-restore")
}

func TestRestore_RejectsCorruptSnapshot(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aie.db")
	seed(t, dbPath, "Sarah Connor")
	svc := newService(t, dbPath)

	bad := filepath.Join(svc.Dir(), "aie-bad.db")
	require.NoError(t, os.WriteFile(bad, []byte("not a database"), 0o600))

	assert.Error(t, svc.Restore(context.Background(), bad))
	assert.Equal(t, []string{"Sarah Connor"}, contactNames(t, dbPath))

	assert.Error(t, svc.Restore(context.Background(), filepath.Join(svc.Dir(), "nope.db")))
}

func TestRun_RequiresInterval(t *testing.T) {
	svc := newService(t, filepath.Join(t.TempDir(), "aie.db"))
	assert.Error(t, svc.Run(context.Background()))
}

func TestRestore_RefusedWhileRunning(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "aie.db")
	seed(t, dbPath, "Sarah Connor")
	svc, err := NewService(Config{DBPath: dbPath, Dir: filepath.Join(filepath.Dir(dbPath), "backups"), Interval: time.Hour}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc.Restore(context.Background(), filepath.Join(svc.Dir(), "missing.db")) == ErrRunning
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func touch(t *testing.T, dir, name string, age time.Duration, now time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	at := now.Add(-age)
	require.NoError(t, os.Chtimes(path, at, at))
	return path
}

func TestList_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	older := touch(t, dir, "a.db", 2*time.Hour, now)
	newer := touch(t, dir, "b.db", time.Hour, now)
	touch(t, dir, "notes.txt", time.Hour, now)
	touch(t, dir, "b.db-wal", time.Hour, now)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.db"), 0o700))

	snaps, err := list(dir)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, newer, snaps[0].Path)
	assert.Equal(t, older, snaps[1].Path)

	_, err = list(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestPrune_KeepsNewestPerTier(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	policy := RetentionPolicy{Hourly: 2, Daily: 1, Weekly: 1, Monthly: 1}

	keep := []string{
		touch(t, dir, "h1.db", time.Hour, now),
		touch(t, dir, "h2.db", 2*time.Hour, now),
		touch(t, dir, "d1.db", 2*24*time.Hour, now),
		touch(t, dir, "w1.db", 10*24*time.Hour, now),
		touch(t, dir, "m1.db", 60*24*time.Hour, now),
	}
	drop := []string{
		touch(t, dir, "h3.db", 3*time.Hour, now),
		touch(t, dir, "d2.db", 3*24*time.Hour, now),
		touch(t, dir, "w2.db", 20*24*time.Hour, now),
		touch(t, dir, "m2.db", 90*24*time.Hour, now),
		touch(t, dir, "ancient.db", 400*24*time.Hour, now),
	}

	removed, err := prune(dir, policy, now)
	require.NoError(t, err)
	assert.Equal(t, len(drop), removed)
	for _, p := range keep {
		assert.FileExists(t, p)
	}
	for _, p := range drop {
		assert.NoFileExists(t, p)
	}
}
