package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// CleanupTimer periodically removes claims past the retention window.
type CleanupTimer struct {
	guard    *Guard
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewCleanupTimer creates a retention sweeper. interval defaults to 1h.
func NewCleanupTimer(guard *Guard, interval time.Duration, logger *slog.Logger) *CleanupTimer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &CleanupTimer{
		guard:    guard,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *CleanupTimer) Running() bool {
	return t.running.Load()
}

// Start runs the sweep loop until ctx is done or Stop is called. Call in a goroutine.
func (t *CleanupTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the loop to exit.
func (t *CleanupTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *CleanupTimer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in replay cleanup", "panic", fmt.Sprint(r))
		}
	}()
	n, err := t.guard.Cleanup(ctx)
	if err != nil {
		t.logger.Warn("replay cleanup failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("replay cleanup removed expired claims", "deleted", n)
	}
}
