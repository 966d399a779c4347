package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/sortmail/inboxsync/internal/cache"
	"github.com/sortmail/inboxsync/internal/remote"
	"github.com/sortmail/inboxsync/internal/status"
	"github.com/sortmail/inboxsync/internal/telemetry"
	"github.com/sortmail/inboxsync/internal/watcher"
)

// Coordinator drives the check, trigger, poll and settle cycle of the remote sync job
type Coordinator interface {
	// Activate starts the coordinator and runs one status check. mountID
	// labels the activation in logs. A second call while active is a no-op.
	Activate(ctx context.Context, mountID string)

	// Deactivate cancels any running cycle and waits for it to exit
	Deactivate()

	// TriggerSync starts a new sync cycle, replacing the running one if any.
	// It does not block; the cycle runs under the context given to Activate.
	TriggerSync()

	// State returns the current coordinator state
	State() status.SyncState

	// Snapshot returns a copy of the observable coordinator state
	Snapshot() status.Snapshot

	// Watch subscribes to snapshot updates. Slow subscribers only see the latest one.
	Watch() (<-chan status.Snapshot, func())
}

// pollTask is the handle of the repeating poll of one cycle
type pollTask struct {
	cycle  uint64
	cancel context.CancelFunc
}

// defaultCoordinator is the default implementation of Coordinator
type defaultCoordinator struct {
	client remote.Client
	cache  cache.Invalidator
	config Config

	clock       clock.WithTicker
	persistence status.Persistence
	syncMetrics *telemetry.SyncMetrics
	tracer      trace.Tracer
	notifier    watcher.Notifier[status.Snapshot]

	wg sync.WaitGroup

	// mu guards everything below
	mu         sync.Mutex
	active     bool
	mountID    string
	runCtx     context.Context
	cancelFunc context.CancelFunc
	poll       *pollTask
	cycle      uint64
	cycleStart time.Time
	snap       status.Snapshot
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithClock sets the clock used for poll ticks and timestamps
func WithClock(clk clock.WithTicker) Option {
	return func(c *defaultCoordinator) {
		c.clock = clk
	}
}

// WithPersistence saves every settled snapshot and seeds lastSyncAt on activation
func WithPersistence(persistence status.Persistence) Option {
	return func(c *defaultCoordinator) {
		c.persistence = persistence
	}
}

// WithSyncMetrics sets the sync metrics for the coordinator
func WithSyncMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(c *defaultCoordinator) {
		c.syncMetrics = metrics
	}
}

// WithTracer sets the tracer for check and poll spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *defaultCoordinator) {
		c.tracer = tracer
	}
}

// New creates a new coordinator with injected dependencies
func New(client remote.Client, invalidator cache.Invalidator, cfg Config, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		client:   client,
		cache:    invalidator,
		config:   cfg.withDefaults(),
		clock:    clock.RealClock{},
		notifier: watcher.NewMemory[status.Snapshot](watcher.MemoryOptions{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.snap = status.Snapshot{State: status.SyncStateIdle, UpdatedAt: c.clock.Now()}
	return c
}

// Activate starts the coordinator and runs one status check
func (c *defaultCoordinator) Activate(ctx context.Context, mountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		slog.Debug("Sync coordinator already active", "mount_id", c.mountID)
		return
	}

	c.active = true
	c.mountID = mountID
	c.runCtx, c.cancelFunc = context.WithCancel(ctx)
	c.cycle++
	c.cycleStart = c.clock.Now()
	c.updateLocked(func(s *status.Snapshot) {
		s.State = status.SyncStateIdle
		s.Reason = ""
		s.Attempts = 0
		s.Message = ""
	})

	slog.Info("Sync coordinator activated",
		"mount_id", c.mountID,
		"poll_interval", c.config.PollInterval,
		"max_poll_attempts", c.config.MaxPollAttempts)

	c.wg.Add(1)
	go c.check(c.runCtx, c.cycle)
}

// Deactivate cancels any running cycle and waits for it to exit
func (c *defaultCoordinator) Deactivate() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}

	c.active = false
	c.cancelFunc()
	c.poll = nil
	// Orphan whatever cycle is in flight
	c.cycle++
	if !c.snap.State.Terminal() {
		c.updateLocked(func(s *status.Snapshot) {
			s.State = status.SyncStateIdle
			s.Reason = ""
		})
	}
	mountID := c.mountID
	c.mu.Unlock()

	c.wg.Wait()
	slog.Info("Sync coordinator deactivated", "mount_id", mountID)
}

// TriggerSync starts a new sync cycle
func (c *defaultCoordinator) TriggerSync() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.triggerLocked()
}

// State returns the current coordinator state
func (c *defaultCoordinator) State() status.SyncState {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.snap.State
}

// Snapshot returns a copy of the observable coordinator state
func (c *defaultCoordinator) Snapshot() status.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return copySnapshot(c.snap)
}

// Watch subscribes to snapshot updates
func (c *defaultCoordinator) Watch() (<-chan status.Snapshot, func()) {
	return c.notifier.Watch()
}

// updateLocked applies fn to the snapshot and broadcasts the result.
// c.mu must be held.
func (c *defaultCoordinator) updateLocked(fn func(*status.Snapshot)) {
	fn(&c.snap)
	c.snap.UpdatedAt = c.clock.Now()
	c.notifier.Notify(copySnapshot(c.snap))
}

// currentLocked reports whether cycle is still the one the coordinator runs.
// c.mu must be held.
func (c *defaultCoordinator) currentLocked(cycle uint64) bool {
	return c.active && c.cycle == cycle
}

// recordLastSync stores the remote's last sync time if cycle is current
func (c *defaultCoordinator) recordLastSync(cycle uint64, lastSyncAt *time.Time) {
	if lastSyncAt == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.currentLocked(cycle) {
		return
	}
	ts := *lastSyncAt
	c.snap.LastSyncAt = &ts
}

// loadPersisted seeds lastSyncAt from the previous run
func (c *defaultCoordinator) loadPersisted(ctx context.Context, cycle uint64) {
	if c.persistence == nil {
		return
	}

	saved, err := c.persistence.Load(ctx)
	if err != nil {
		slog.Warn("Failed to load persisted sync status", "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentLocked(cycle) && c.snap.LastSyncAt == nil && saved.LastSyncAt != nil {
		ts := *saved.LastSyncAt
		c.snap.LastSyncAt = &ts
		slog.Debug("Restored last sync time", "last_sync_at", ts)
	}
}

func copySnapshot(s status.Snapshot) status.Snapshot {
	if s.LastSyncAt != nil {
		ts := *s.LastSyncAt
		s.LastSyncAt = &ts
	}
	return s
}
