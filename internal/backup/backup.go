// Package backup snapshots the SQLite entity store, restores it, and prunes
// old snapshots with a tiered retention policy.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrRunning is returned by Restore while scheduled backups are running.
var ErrRunning = errors.New("backup scheduler is running")

// Config describes where the database and its snapshots live.
type Config struct {
	DBPath    string
	Dir       string
	Interval  time.Duration // scheduled backups; zero disables Run
	Retention RetentionPolicy
	Verify    bool
}

// Snapshot describes one backup file.
type Snapshot struct {
	Path      string        `json:"path"`
	CreatedAt time.Time     `json:"created_at"`
	Size      int64         `json:"size"`
	Verified  bool          `json:"verified"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// Service creates, lists, restores and prunes snapshots.
type Service struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	lastSize int64
}

// NewService validates cfg and creates the snapshot directory.
func NewService(cfg Config, logger *zap.Logger) (*Service, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("backup: database path is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("backup: backup directory is required")
	}
	cfg.Retention = cfg.Retention.withDefaults()
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("backup: failed to create %s: %w", cfg.Dir, err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, logger: logger, now: time.Now}, nil
}

// Dir returns the snapshot directory.
func (s *Service) Dir() string { return s.cfg.Dir }

// Run takes a snapshot every Interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("backup: scheduled backups disabled")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.logger.Info("backup scheduler started", zap.Duration("interval", s.cfg.Interval), zap.String("dir", s.cfg.Dir))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, err := s.Create(ctx)
			if err != nil {
				s.logger.Warn("scheduled backup failed", zap.Error(err))
				continue
			}
			s.logger.Info("scheduled backup completed",
				zap.String("path", snap.Path),
				zap.Int64("size", snap.Size),
				zap.Duration("duration", snap.Duration),
				zap.Bool("verified", snap.Verified))
		}
	}
}

// Create snapshots the database, verifies the copy when configured, and
// applies the retention policy. A retention failure is logged, not returned.
func (s *Service) Create(ctx context.Context) (*Snapshot, error) {
	start := s.now()
	if _, err := os.Stat(s.cfg.DBPath); err != nil {
		return nil, fmt.Errorf("backup: database not found: %w", err)
	}

	path := filepath.Join(s.cfg.Dir, "aie-"+start.UTC().Format("20060102-150405.000000")+".db")
	if err := vacuumInto(ctx, s.cfg.DBPath, path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to stat snapshot: %w", err)
	}

	snap := &Snapshot{Path: path, CreatedAt: start, Size: info.Size()}
	if s.cfg.Verify {
		if err := verify(ctx, path); err != nil {
			return snap, fmt.Errorf("backup: snapshot verification failed: %w", err)
		}
		snap.Verified = true
	}
	snap.Duration = s.now().Sub(start)

	s.mu.Lock()
	s.lastRun = s.now()
	s.lastSize = snap.Size
	s.mu.Unlock()

	if _, err := s.Prune(); err != nil {
		s.logger.Warn("failed to apply backup retention", zap.Error(err))
	}
	return snap, nil
}

// List returns the snapshots, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return list(s.cfg.Dir)
}

// Prune removes snapshots outside the retention policy and returns how many
// were removed.
func (s *Service) Prune() (int, error) {
	return prune(s.cfg.Dir, s.cfg.Retention, s.now())
}

// Restore replaces the database with the snapshot at path. The store must
// not be open in any process. The current database is kept aside and put
// back when the restore fails.
func (s *Service) Restore(ctx context.Context, path string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return ErrRunning
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("backup: snapshot not found: %w", err)
	}
	if err := verify(ctx, path); err != nil {
		return fmt.Errorf("backup: snapshot verification failed: %w", err)
	}

	aside := s.cfg.DBPath + ".pre-restore"
	haveCurrent := false
	if _, err := os.Stat(s.cfg.DBPath); err == nil {
		_ = os.Remove(aside)
		if err := vacuumInto(ctx, s.cfg.DBPath, aside); err != nil {
			return fmt.Errorf("backup: failed to save current database: %w", err)
		}
		haveCurrent = true
		defer os.Remove(aside)
	}

	if err := copyDatabase(ctx, path, s.cfg.DBPath); err != nil {
		if haveCurrent {
			if rbErr := copyDatabase(ctx, aside, s.cfg.DBPath); rbErr != nil {
				return fmt.Errorf("backup: restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
			}
			return fmt.Errorf("backup: restore failed, previous database kept: %w", err)
		}
		return err
	}
	s.logger.Info("database restored", zap.String("snapshot", path))
	return nil
}

// Status reports the last scheduled or manual snapshot.
type Status struct {
	LastRun   time.Time `json:"last_run,omitempty"`
	LastSize  int64     `json:"last_size,omitempty"`
	Snapshots int       `json:"snapshots"`
	DiskUsed  int64     `json:"disk_used"`
	Overdue   bool      `json:"overdue"`
}

// Status summarises the snapshot directory.
func (s *Service) Status() (Status, error) {
	snaps, err := s.List()
	if err != nil {
		return Status{}, err
	}
	s.mu.Lock()
	st := Status{LastRun: s.lastRun, LastSize: s.lastSize, Snapshots: len(snaps)}
	s.mu.Unlock()
	for _, snap := range snaps {
		st.DiskUsed += snap.Size
	}
	if s.cfg.Interval > 0 && !st.LastRun.IsZero() && s.now().Sub(st.LastRun) > 2*s.cfg.Interval {
		st.Overdue = true
	}
	return st, nil
}
