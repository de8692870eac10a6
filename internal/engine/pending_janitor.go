package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PendingJanitor periodically abandons pending entities that have been idle
// longer than the configured timeout.
type PendingJanitor struct {
	tracker  *PendingTracker
	interval time.Duration
	idle     time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	lastRun time.Time
}

// NewPendingJanitor creates a janitor for tracker.
func NewPendingJanitor(tracker *PendingTracker, cfg Config, logger *zap.Logger) *PendingJanitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PendingJanitor{
		tracker:  tracker,
		interval: cfg.JanitorInterval,
		idle:     cfg.PendingIdleTimeout,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
// It blocks, so callers typically run it in a goroutine.
func (j *PendingJanitor) Start(ctx context.Context) error {
	if j.interval <= 0 || j.idle <= 0 {
		return fmt.Errorf("pending janitor disabled: interval=%v idle=%v", j.interval, j.idle)
	}

	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return fmt.Errorf("pending janitor is already running")
	}
	j.running = true
	stopCh := j.stopCh
	j.mu.Unlock()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("pending janitor started", zap.Duration("interval", j.interval), zap.Duration("idle_timeout", j.idle))

	for {
		select {
		case <-ctx.Done():
			j.markStopped()
			return ctx.Err()

		case <-stopCh:
			j.logger.Info("pending janitor stopping")
			return nil

		case <-ticker.C:
			if _, err := j.SweepNow(ctx); err != nil {
				j.logger.Warn("pending sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop signals the loop to exit.
func (j *PendingJanitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.running {
		return fmt.Errorf("pending janitor is not running")
	}
	close(j.stopCh)
	j.stopCh = make(chan struct{})
	j.running = false
	return nil
}

func (j *PendingJanitor) markStopped() {
	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// SweepNow abandons idle pending entities immediately.
func (j *PendingJanitor) SweepNow(ctx context.Context) (int, error) {
	n, err := j.tracker.AbandonIdle(ctx, j.idle)
	j.mu.Lock()
	j.lastRun = time.Now()
	j.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		j.logger.Info("abandoned idle pending entities", zap.Int("count", n))
	}
	return n, nil
}

// LastRun reports when the last sweep finished.
func (j *PendingJanitor) LastRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastRun
}
