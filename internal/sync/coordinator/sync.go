package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/sortmail/inboxsync/internal/cache"
	"github.com/sortmail/inboxsync/internal/config"
	"github.com/sortmail/inboxsync/internal/otel"
	"github.com/sortmail/inboxsync/internal/remote"
	"github.com/sortmail/inboxsync/internal/status"
)

// check runs the one-shot status check of an activation
func (c *defaultCoordinator) check(ctx context.Context, cycle uint64) {
	defer c.wg.Done()

	c.loadPersisted(ctx, cycle)

	c.mu.Lock()
	if !c.currentLocked(cycle) {
		c.mu.Unlock()
		return
	}
	c.updateLocked(func(s *status.Snapshot) {
		s.State = status.SyncStateChecking
	})
	mountID := c.mountID
	c.mu.Unlock()

	spanCtx, span := otel.StartSpan(ctx, c.tracer, "coordinator.Check")
	remoteStatus, err := c.client.GetSyncStatus(spanCtx)
	otel.RecordError(span, err)
	span.End()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.settle(ctx, cycle, status.SyncStateError, status.ReasonTransportFailed,
			fmt.Sprintf("status check failed: %v", err))
		return
	}

	c.recordLastSync(cycle, remoteStatus.LastSyncAt)

	switch {
	case !remoteStatus.HasAccount:
		c.settle(ctx, cycle, status.SyncStateNoAccount, status.ReasonNoAccount, "")
	case remoteStatus.NeedsSync:
		slog.Info("Remote mailbox needs sync",
			"mount_id", mountID,
			"remote_status", remoteStatus.Status)
		c.mu.Lock()
		if c.currentLocked(cycle) {
			c.triggerLocked()
		}
		c.mu.Unlock()
	default:
		c.settle(ctx, cycle, status.SyncStateIdle, status.ReasonUpToDate, "")
	}
}

// triggerLocked starts a new cycle, cancelling the running poll task.
// c.mu must be held.
func (c *defaultCoordinator) triggerLocked() {
	if !c.active {
		slog.Warn("Ignoring sync trigger, coordinator is not active")
		return
	}

	if c.poll != nil {
		c.poll.cancel()
		c.poll = nil
	}

	c.cycle++
	c.cycleStart = c.clock.Now()
	c.updateLocked(func(s *status.Snapshot) {
		s.State = status.SyncStateSyncing
		s.Reason = ""
		s.Attempts = 0
		s.Message = ""
	})

	slog.Info("Starting sync cycle", "mount_id", c.mountID, "cycle", c.cycle)

	c.wg.Add(1)
	go c.runCycle(c.runCtx, c.cycle)
}

// runCycle posts the sync request and then polls until the cycle settles
func (c *defaultCoordinator) runCycle(ctx context.Context, cycle uint64) {
	defer c.wg.Done()

	if err := c.client.StartSync(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.settle(ctx, cycle, status.SyncStateError, status.ReasonTransportFailed,
			fmt.Sprintf("failed to start sync: %v", err))
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The ticker exists before the task is visible to TriggerSync and Deactivate
	ticker := c.clock.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	c.mu.Lock()
	if !c.currentLocked(cycle) {
		c.mu.Unlock()
		return
	}
	c.poll = &pollTask{cycle: cycle, cancel: cancel}
	c.mu.Unlock()

	for {
		select {
		case <-pollCtx.Done():
			return
		case <-ticker.C():
			if !c.pollOnce(pollCtx, cycle) {
				return
			}
		}
	}
}

// pollOnce makes one status request. It returns false once the cycle is over.
func (c *defaultCoordinator) pollOnce(ctx context.Context, cycle uint64) bool {
	c.mu.Lock()
	if !c.currentLocked(cycle) {
		c.mu.Unlock()
		return false
	}
	c.snap.Attempts++
	attempts := c.snap.Attempts
	c.mu.Unlock()

	spanCtx, span := otel.StartSpan(ctx, c.tracer, "coordinator.Poll",
		trace.WithAttributes(otel.AttrPollAttempt.Int(attempts)))
	remoteStatus, err := c.client.GetSyncStatus(spanCtx)
	otel.RecordError(span, err)
	if err == nil {
		span.SetAttributes(otel.AttrSyncStatus.String(string(remoteStatus.Status)))
	}
	span.End()

	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		c.settle(ctx, cycle, status.SyncStateError, status.ReasonTransportFailed,
			fmt.Sprintf("status poll failed: %v", err))
		return false
	}

	c.recordLastSync(cycle, remoteStatus.LastSyncAt)

	switch remoteStatus.Status {
	case remote.JobStatusIdle:
		c.settle(ctx, cycle, status.SyncStateDone, status.ReasonCompleted, "")
		return false
	case remote.JobStatusFailed:
		c.settle(ctx, cycle, status.SyncStateError, status.ReasonRemoteFailed, "remote sync job failed")
		return false
	case remote.JobStatusSyncing, remote.JobStatusNoAccount:
	}

	if attempts > c.config.MaxPollAttempts {
		slog.Warn("Sync did not finish within the poll limit",
			"attempts", attempts,
			"max_poll_attempts", c.config.MaxPollAttempts,
			"policy", c.config.ExhaustionPolicy)
		state := status.SyncStateDone
		if c.config.ExhaustionPolicy == config.ExhaustionPolicyError {
			state = status.SyncStateError
		}
		c.settle(ctx, cycle, state, status.ReasonExhausted,
			fmt.Sprintf("remote sync still running after %d polls", attempts))
		return false
	}

	c.mu.Lock()
	if c.currentLocked(cycle) {
		c.updateLocked(func(*status.Snapshot) {})
	}
	c.mu.Unlock()

	slog.Debug("Remote sync still running", "attempt", attempts, "remote_status", remoteStatus.Status)
	return true
}

// settle ends cycle in a terminal state. Settling as done invalidates the
// thread list before the new state becomes visible.
func (c *defaultCoordinator) settle(
	ctx context.Context, cycle uint64, state status.SyncState, reason status.SettleReason, message string,
) {
	c.mu.Lock()
	if ctx.Err() != nil || !c.currentLocked(cycle) {
		c.mu.Unlock()
		return
	}
	// Only the goroutine that owns cycle settles it, and it stops polling on return
	if c.poll != nil && c.poll.cycle == cycle {
		c.poll = nil
	}
	c.mu.Unlock()

	if state == status.SyncStateDone {
		c.cache.Invalidate(ctx, cache.ThreadsKey)
	}

	c.mu.Lock()
	if !c.currentLocked(cycle) {
		c.mu.Unlock()
		return
	}
	c.updateLocked(func(s *status.Snapshot) {
		s.State = state
		s.Reason = reason
		s.Message = message
	})
	snap := copySnapshot(c.snap)
	duration := c.clock.Since(c.cycleStart)
	mountID := c.mountID
	c.mu.Unlock()

	logAttrs := []any{
		"mount_id", mountID,
		"state", state,
		"reason", reason,
		"attempts", snap.Attempts,
		"duration", duration,
	}
	if state == status.SyncStateError {
		slog.Error("Sync cycle failed", append(logAttrs, "error", message)...)
	} else {
		slog.Info("Sync cycle settled", logAttrs...)
	}

	c.syncMetrics.RecordCycle(ctx, string(state), string(reason), duration, snap.Attempts)

	if c.persistence != nil {
		if err := c.persistence.Save(context.WithoutCancel(ctx), snap); err != nil {
			slog.Warn("Failed to persist sync status", "error", err)
		}
	}
}
