// Package engine mounts the sync coordinator and the push subscriber as one
// unit with a shared lifecycle.
//
// An activation gives both paths the same context. The coordinator runs its
// status check and any sync cycle it starts; the subscriber holds one push
// channel. Deactivate stops the push channel first, then the coordinator, and
// returns once no goroutine of the activation can touch the cache.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sortmail/inboxsync/internal/status"
	"github.com/sortmail/inboxsync/internal/stream"
	"github.com/sortmail/inboxsync/internal/sync/coordinator"
)

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks -source=engine.go Engine

// Engine is the mountable sync and invalidation engine
type Engine interface {
	// Activate starts both paths. A second call while active is a no-op.
	Activate(ctx context.Context)

	// Deactivate stops both paths and waits for them. It is idempotent.
	Deactivate()

	// TriggerSync starts a new pull cycle
	TriggerSync()

	// Snapshot returns the coordinator's observable state
	Snapshot() status.Snapshot

	// Watch subscribes to snapshot updates
	Watch() (<-chan status.Snapshot, func())

	// MountID identifies the current activation. It is empty while inactive.
	MountID() string
}

type defaultEngine struct {
	coordinator coordinator.Coordinator
	subscriber  stream.Subscriber

	mu         sync.Mutex
	mountID    string
	cancelFunc context.CancelFunc
}

// New creates an engine. subscriber may be nil when the push channel is disabled.
func New(coord coordinator.Coordinator, subscriber stream.Subscriber) Engine {
	return &defaultEngine{
		coordinator: coord,
		subscriber:  subscriber,
	}
}

// Activate starts the coordinator and opens the push channel
func (e *defaultEngine) Activate(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFunc != nil {
		slog.Debug("Engine already mounted", "mount_id", e.mountID)
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelFunc = cancel
	e.mountID = uuid.NewString()

	e.coordinator.Activate(runCtx, e.mountID)

	// The pull path converges on its own, so a push channel failure is not fatal
	if e.subscriber != nil {
		if err := e.subscriber.Activate(runCtx); err != nil {
			slog.Warn("Push channel unavailable, relying on the pull path only",
				"mount_id", e.mountID,
				"error", err)
		}
	}

	slog.Info("Engine mounted", "mount_id", e.mountID, "push", e.subscriber != nil)
}

// Deactivate stops both paths and waits for them
func (e *defaultEngine) Deactivate() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancelFunc == nil {
		return
	}

	if e.subscriber != nil {
		e.subscriber.Deactivate()
	}
	e.coordinator.Deactivate()
	e.cancelFunc()

	slog.Info("Engine unmounted", "mount_id", e.mountID)
	e.cancelFunc = nil
	e.mountID = ""
}

// TriggerSync starts a new pull cycle
func (e *defaultEngine) TriggerSync() {
	e.coordinator.TriggerSync()
}

// Snapshot returns the coordinator's observable state
func (e *defaultEngine) Snapshot() status.Snapshot {
	return e.coordinator.Snapshot()
}

// Watch subscribes to snapshot updates
func (e *defaultEngine) Watch() (<-chan status.Snapshot, func()) {
	return e.coordinator.Watch()
}

// MountID identifies the current activation
func (e *defaultEngine) MountID() string {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.mountID
}
