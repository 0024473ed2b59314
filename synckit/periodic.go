package synckit

import (
	"context"
	"fmt"
	"time"

	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/events"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/schedule"
)

// periodicState is guarded by Engine.mu. gen invalidates ticks scheduled by
// an earlier start.
type periodicState struct {
	running  bool
	interval time.Duration
	gen      uint64
	task     schedule.Task
}

// StartPeriodicSync sweeps pending operations every interval. A non-positive
// interval uses the configured SyncInterval. Starting again replaces the
// running timer.
func (e *Engine) StartPeriodicSync(interval time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return closedError(syncErrors.OpFlush)
	}
	if interval <= 0 {
		interval = e.cfg.SyncInterval
	}
	e.stopPeriodicLocked()
	e.periodic.running = true
	e.periodic.interval = interval
	e.schedulePeriodicLocked()

	e.logger.Info("Periodic sync started", "interval", interval)
	return nil
}

// StopPeriodicSync cancels the sweep timer. It reports whether a sweep was
// running.
func (e *Engine) StopPeriodicSync() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	wasRunning := e.periodic.running
	e.stopPeriodicLocked()
	if wasRunning {
		e.logger.Info("Periodic sync stopped")
	}
	return wasRunning
}

// SetSyncInterval changes the sweep interval, restarting the timer if the
// sweep is running.
func (e *Engine) SetSyncInterval(d time.Duration) error {
	if d <= 0 {
		return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("sync interval must be positive, got %s", d))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.cfg.SyncInterval = d
	if !e.periodic.running {
		return nil
	}
	e.stopPeriodicLocked()
	e.periodic.running = true
	e.periodic.interval = d
	e.schedulePeriodicLocked()

	e.logger.Info("Periodic sync interval changed", "interval", d)
	return nil
}

func (e *Engine) schedulePeriodicLocked() {
	gen := e.periodic.gen
	e.periodic.task = e.sched.Schedule(e.periodic.interval, func() { e.periodicTick(gen) })
}

func (e *Engine) stopPeriodicLocked() {
	e.periodic.gen++
	e.periodic.running = false
	if e.periodic.task != nil {
		e.periodic.task.Cancel()
		e.periodic.task = nil
	}
}

func (e *Engine) periodicTick(gen uint64) {
	e.mu.Lock()
	if e.closed || !e.periodic.running || e.periodic.gen != gen {
		e.mu.Unlock()
		return
	}
	e.periodic.task = nil
	e.mu.Unlock()

	e.sweep(e.ctx)

	e.mu.Lock()
	if !e.closed && e.periodic.running && e.periodic.gen == gen {
		e.schedulePeriodicLocked()
	}
	e.mu.Unlock()
}

// sweep is one periodic pass: when online with work pending it flushes and
// brackets the flush with sync_started and sync_completed.
func (e *Engine) sweep(ctx context.Context) {
	if !e.net.Online() {
		return
	}
	n := e.pendingCount()
	if n == 0 {
		return
	}

	e.bus.Publish(events.SyncStarted{Pending: n})
	if err := e.flush(ctx); err != nil {
		logging.LogError(ctx, e.logger, err, "Periodic sync finished with errors")
	}
	e.bus.Publish(events.SyncCompleted{Remaining: e.pendingCount()})
}
