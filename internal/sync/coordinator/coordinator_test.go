package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/sortmail/inboxsync/internal/cache"
	cachemocks "github.com/sortmail/inboxsync/internal/cache/mocks"
	"github.com/sortmail/inboxsync/internal/config"
	"github.com/sortmail/inboxsync/internal/remote"
	remotemocks "github.com/sortmail/inboxsync/internal/remote/mocks"
	"github.com/sortmail/inboxsync/internal/status"
	statusmocks "github.com/sortmail/inboxsync/internal/status/mocks"
)

const (
	testInterval = 3 * time.Second
	waitTimeout  = 5 * time.Second
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:443: connection refused")

// tickerClock is a fake clock that counts the tickers it handed out which
// have not been stopped yet
type tickerClock struct {
	*clocktesting.FakeClock
	created atomic.Int32
	live    atomic.Int32
}

func (c *tickerClock) NewTicker(d time.Duration) clock.Ticker {
	c.created.Add(1)
	c.live.Add(1)
	return &trackedTicker{Ticker: c.FakeClock.NewTicker(d), owner: c}
}

type trackedTicker struct {
	clock.Ticker
	owner *tickerClock
	once  sync.Once
}

func (t *trackedTicker) Stop() {
	t.once.Do(func() { t.owner.live.Add(-1) })
	t.Ticker.Stop()
}

type harness struct {
	coord  *defaultCoordinator
	client *remotemocks.MockClient
	cache  *cachemocks.MockInvalidator
	clock  *tickerClock
	polled chan struct{}
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()

	ctrl := gomock.NewController(t)
	h := &harness{
		client: remotemocks.NewMockClient(ctrl),
		cache:  cachemocks.NewMockInvalidator(ctrl),
		clock:  &tickerClock{FakeClock: clocktesting.NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))},
		polled: make(chan struct{}, 64),
	}

	cfg.PollInterval = testInterval
	opts = append([]Option{WithClock(h.clock)}, opts...)

	coord, ok := New(h.client, h.cache, cfg, opts...).(*defaultCoordinator)
	require.True(t, ok)
	h.coord = coord

	// Registered after the controller so it runs before the mock expectations are checked
	t.Cleanup(h.coord.Deactivate)
	return h
}

// pollReturning answers a poll and signals the test that it happened
func (h *harness) pollReturning(s *remote.SyncStatus, err error) func(context.Context) (*remote.SyncStatus, error) {
	return func(context.Context) (*remote.SyncStatus, error) {
		h.polled <- struct{}{}
		return s, err
	}
}

// waitForPollTask blocks until the current cycle has a running poll task
func (h *harness) waitForPollTask(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool {
		h.coord.mu.Lock()
		defer h.coord.mu.Unlock()
		return h.coord.poll != nil && h.coord.poll.cycle == h.coord.cycle
	}, waitTimeout, time.Millisecond)
}

// tick advances the clock by one interval and waits for the resulting poll
func (h *harness) tick(t *testing.T) {
	t.Helper()

	h.clock.Step(testInterval)
	select {
	case <-h.polled:
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for status poll")
	}
}

// waitPollStopped blocks until every poll ticker the coordinator started is stopped
func (h *harness) waitPollStopped(t *testing.T) {
	t.Helper()

	require.Eventually(t, func() bool { return h.clock.live.Load() == 0 },
		waitTimeout, time.Millisecond, "poll ticker still running")
}

func (h *harness) waitSettled(t *testing.T, want status.SyncState) status.Snapshot {
	t.Helper()

	require.Eventually(t, func() bool {
		snap := h.coord.Snapshot()
		return snap.Settled() && snap.State == want
	}, waitTimeout, time.Millisecond, "coordinator did not settle as %s", want)
	return h.coord.Snapshot()
}

func needsSync() *remote.SyncStatus {
	return &remote.SyncStatus{HasAccount: true, NeedsSync: true, Status: remote.JobStatusIdle}
}

func syncing() *remote.SyncStatus {
	return &remote.SyncStatus{HasAccount: true, Status: remote.JobStatusSyncing}
}

func TestCoordinator_New(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	require.NotNil(t, h.coord)
	assert.Equal(t, status.SyncStateIdle, h.coord.State())
	assert.Equal(t, config.DefaultMaxPollAttempts, h.coord.config.MaxPollAttempts)
	assert.Equal(t, config.ExhaustionPolicyDone, h.coord.config.ExhaustionPolicy)
}

func TestCoordinator_DeactivateBeforeActivate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	// Must not panic or block
	h.coord.Deactivate()
	assert.Equal(t, status.SyncStateIdle, h.coord.State())
}

func TestCoordinator_TriggerSyncWhileInactive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	h.coord.TriggerSync()

	assert.Equal(t, status.SyncStateIdle, h.coord.State())
	assert.Zero(t, h.clock.created.Load())
}

func TestCoordinator_BoundedPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxPollAttempts: 20})

	gomock.InOrder(
		h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(needsSync(), nil),
		h.client.EXPECT().StartSync(gomock.Any()).Return(nil),
		h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(syncing(), nil)).Times(21),
		h.cache.EXPECT().Invalidate(gomock.Any(), cache.ThreadsKey).Times(1),
	)

	h.coord.Activate(context.Background(), "mount-1")
	h.waitForPollTask(t)

	for range 21 {
		h.tick(t)
	}

	snap := h.waitSettled(t, status.SyncStateDone)
	assert.Equal(t, status.ReasonExhausted, snap.Reason)
	assert.Equal(t, 21, snap.Attempts)
	assert.NotEmpty(t, snap.Message)

	// The poll task is gone, so further time passing issues no requests.
	// A 22nd poll would exceed the Times(21) expectation.
	h.waitPollStopped(t)
	assert.Equal(t, int32(1), h.clock.created.Load())
	h.clock.Step(10 * testInterval)
	assert.Empty(t, h.polled)
}

func TestCoordinator_ExhaustionPolicyError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxPollAttempts: 2, ExhaustionPolicy: config.ExhaustionPolicyError})

	gomock.InOrder(
		h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(needsSync(), nil),
		h.client.EXPECT().StartSync(gomock.Any()).Return(nil),
		h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(syncing(), nil)).Times(3),
	)
	// No Invalidate expectation: an exhausted cycle settled as error leaves the cache alone

	h.coord.Activate(context.Background(), "mount-1")
	h.waitForPollTask(t)
	for range 3 {
		h.tick(t)
	}

	snap := h.waitSettled(t, status.SyncStateError)
	assert.Equal(t, status.ReasonExhausted, snap.Reason)
	assert.Equal(t, 3, snap.Attempts)
}

func TestCoordinator_NoAccountShortCircuit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(&remote.SyncStatus{
		HasAccount: false,
		Status:     remote.JobStatusNoAccount,
	}, nil)
	// StartSync and Invalidate have no expectations and fail the test if called

	h.coord.Activate(context.Background(), "mount-1")

	snap := h.waitSettled(t, status.SyncStateNoAccount)
	assert.Equal(t, status.ReasonNoAccount, snap.Reason)
	assert.Zero(t, snap.Attempts)
	assert.Zero(t, h.clock.created.Load())
}

func TestCoordinator_UpToDate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	lastSync := time.Date(2026, 1, 1, 11, 58, 0, 0, time.UTC)
	h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(&remote.SyncStatus{
		HasAccount: true,
		NeedsSync:  false,
		LastSyncAt: &lastSync,
		Status:     remote.JobStatusIdle,
	}, nil)

	h.coord.Activate(context.Background(), "mount-1")

	snap := h.waitSettled(t, status.SyncStateIdle)
	assert.Equal(t, status.ReasonUpToDate, snap.Reason)
	require.NotNil(t, snap.LastSyncAt)
	assert.True(t, lastSync.Equal(*snap.LastSyncAt))
	assert.Zero(t, h.clock.created.Load())
}

func TestCoordinator_Convergence(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	completedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	gomock.InOrder(
		h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(needsSync(), nil),
		h.client.EXPECT().StartSync(gomock.Any()).Return(nil),
		h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(syncing(), nil)),
		h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(&remote.SyncStatus{
			HasAccount: true,
			LastSyncAt: &completedAt,
			Status:     remote.JobStatusIdle,
		}, nil)),
		h.cache.EXPECT().Invalidate(gomock.Any(), cache.ThreadsKey).Times(1),
	)

	h.coord.Activate(context.Background(), "mount-1")
	h.waitForPollTask(t)

	h.tick(t)
	assert.Equal(t, status.SyncStateSyncing, h.coord.State())
	h.tick(t)

	snap := h.waitSettled(t, status.SyncStateDone)
	assert.Equal(t, status.ReasonCompleted, snap.Reason)
	assert.Equal(t, 2, snap.Attempts)
	require.NotNil(t, snap.LastSyncAt)
	assert.Equal(t, "2026-01-01T00:00:00Z", snap.LastSyncAt.Format(time.RFC3339))
}

func TestCoordinator_FailurePaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		setup      func(h *harness)
		ticks      int
		wantReason status.SettleReason
	}{
		{
			name: "status check transport failure",
			setup: func(h *harness) {
				h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(nil, errConnRefused)
			},
			wantReason: status.ReasonTransportFailed,
		},
		{
			name: "start sync failure",
			setup: func(h *harness) {
				gomock.InOrder(
					h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(needsSync(), nil),
					h.client.EXPECT().StartSync(gomock.Any()).
						Return(remote.NewHTTPError(500, "https://api.test/emails/sync", "500 Internal Server Error")),
				)
			},
			wantReason: status.ReasonTransportFailed,
		},
		{
			name: "remote job failed",
			setup: func(h *harness) {
				gomock.InOrder(
					h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(needsSync(), nil),
					h.client.EXPECT().StartSync(gomock.Any()).Return(nil),
					h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(syncing(), nil)),
					h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(&remote.SyncStatus{
						HasAccount: true,
						Status:     remote.JobStatusFailed,
					}, nil)),
				)
			},
			ticks:      2,
			wantReason: status.ReasonRemoteFailed,
		},
		{
			name: "poll transport failure stops polling",
			setup: func(h *harness) {
				gomock.InOrder(
					h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(needsSync(), nil),
					h.client.EXPECT().StartSync(gomock.Any()).Return(nil),
					h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(nil, errConnRefused)),
				)
			},
			ticks:      1,
			wantReason: status.ReasonTransportFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Config{})
			tt.setup(h)

			h.coord.Activate(context.Background(), "mount-1")
			if tt.ticks > 0 {
				h.waitForPollTask(t)
				for range tt.ticks {
					h.tick(t)
				}
			}

			snap := h.waitSettled(t, status.SyncStateError)
			assert.Equal(t, tt.wantReason, snap.Reason)
			assert.NotEmpty(t, snap.Message)
			h.waitPollStopped(t)
			h.clock.Step(10 * testInterval)
			assert.Empty(t, h.polled)
		})
	}
}

func TestCoordinator_DoubleActivate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(&remote.SyncStatus{HasAccount: true}, nil).Times(1)

	ctx := context.Background()
	h.coord.Activate(ctx, "mount-1")
	h.coord.Activate(ctx, "mount-2")

	h.waitSettled(t, status.SyncStateIdle)
	assert.Equal(t, "mount-1", h.coord.mountID)
}

func TestCoordinator_ReactivateStartsNewMount(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(&remote.SyncStatus{HasAccount: true}, nil).Times(2)

	ctx := context.Background()
	h.coord.Activate(ctx, "mount-1")
	h.waitSettled(t, status.SyncStateIdle)
	assert.Equal(t, "mount-1", h.coord.mountID)

	h.coord.Deactivate()
	h.coord.Activate(ctx, "mount-2")
	h.waitSettled(t, status.SyncStateIdle)

	assert.Equal(t, "mount-2", h.coord.mountID)
}

func TestCoordinator_TeardownDuringCheck(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	started := make(chan struct{})
	h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(func(ctx context.Context) (*remote.SyncStatus, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	h.coord.Activate(context.Background(), "mount-1")
	<-started
	h.coord.Deactivate()

	snap := h.coord.Snapshot()
	assert.Equal(t, status.SyncStateIdle, snap.State)
	assert.Empty(t, snap.Reason)
	assert.Zero(t, h.clock.created.Load())
}

func TestCoordinator_TeardownDuringPolling(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	gomock.InOrder(
		h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(needsSync(), nil),
		h.client.EXPECT().StartSync(gomock.Any()).Return(nil),
		h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(syncing(), nil)),
	)

	h.coord.Activate(context.Background(), "mount-1")
	h.waitForPollTask(t)
	h.tick(t)
	require.Eventually(t, func() bool { return h.coord.Snapshot().Attempts == 1 }, waitTimeout, time.Millisecond)

	h.coord.Deactivate()

	// Deactivate waited for the poll goroutine, so its ticker is stopped
	assert.Equal(t, int32(1), h.clock.created.Load())
	assert.Zero(t, h.clock.live.Load())
	h.clock.Step(10 * testInterval)
	assert.Empty(t, h.polled)
	assert.Equal(t, status.SyncStateIdle, h.coord.State())
}

func TestCoordinator_TriggerSyncReplacesRunningCycle(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})

	gomock.InOrder(
		h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(needsSync(), nil),
		h.client.EXPECT().StartSync(gomock.Any()).Return(nil).Times(2),
		h.client.EXPECT().GetSyncStatus(gomock.Any()).DoAndReturn(h.pollReturning(&remote.SyncStatus{
			HasAccount: true,
			Status:     remote.JobStatusIdle,
		}, nil)),
		h.cache.EXPECT().Invalidate(gomock.Any(), cache.ThreadsKey).Times(1),
	)

	h.coord.Activate(context.Background(), "mount-1")
	h.waitForPollTask(t)

	h.coord.mu.Lock()
	firstCycle := h.coord.cycle
	h.coord.mu.Unlock()

	h.coord.TriggerSync()
	h.waitForPollTask(t)

	h.coord.mu.Lock()
	assert.Greater(t, h.coord.cycle, firstCycle)
	h.coord.mu.Unlock()

	h.tick(t)

	snap := h.waitSettled(t, status.SyncStateDone)
	assert.Equal(t, status.ReasonCompleted, snap.Reason)
	assert.Equal(t, 1, snap.Attempts)
}

func TestCoordinator_Watch(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(&remote.SyncStatus{HasAccount: false}, nil)

	updates, stop := h.coord.Watch()
	defer stop()

	h.coord.Activate(context.Background(), "mount-1")

	timeout := time.After(waitTimeout)
	for {
		select {
		case snap := <-updates:
			if snap.Settled() {
				assert.Equal(t, status.SyncStateNoAccount, snap.State)
				return
			}
		case <-timeout:
			t.Fatal("timeout waiting for settled snapshot")
		}
	}
}

func TestCoordinator_Persistence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	persistence := status.NewFilePersistence(dir)

	previous := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)
	require.NoError(t, persistence.Save(context.Background(), status.Snapshot{
		State:      status.SyncStateDone,
		Reason:     status.ReasonCompleted,
		LastSyncAt: &previous,
	}))

	h := newHarness(t, Config{}, WithPersistence(persistence))
	// The remote reports no sync time, so the persisted one survives
	h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(&remote.SyncStatus{HasAccount: true}, nil)

	h.coord.Activate(context.Background(), "mount-1")

	snap := h.waitSettled(t, status.SyncStateIdle)
	require.NotNil(t, snap.LastSyncAt)
	assert.True(t, previous.Equal(*snap.LastSyncAt))

	require.Eventually(t, func() bool {
		saved, err := persistence.Load(context.Background())
		return err == nil && saved.State == status.SyncStateIdle && saved.Reason == status.ReasonUpToDate
	}, waitTimeout, time.Millisecond)
}

func TestCoordinator_PersistenceErrorsAreNotFatal(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	persistence := statusmocks.NewMockPersistence(ctrl)
	persistence.EXPECT().Load(gomock.Any()).Return(nil, errors.New("permission denied"))
	persistence.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	h := newHarness(t, Config{}, WithPersistence(persistence))
	h.client.EXPECT().GetSyncStatus(gomock.Any()).Return(&remote.SyncStatus{HasAccount: false}, nil)

	h.coord.Activate(context.Background(), "mount-1")
	h.waitSettled(t, status.SyncStateNoAccount)
}

func TestConfigFrom(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  *config.SyncConfig
		want Config
	}{
		{
			name: "nil uses defaults",
			cfg:  nil,
			want: Config{
				PollInterval:     config.DefaultPollInterval,
				MaxPollAttempts:  config.DefaultMaxPollAttempts,
				ExhaustionPolicy: config.ExhaustionPolicyDone,
			},
		},
		{
			name: "explicit values",
			cfg: &config.SyncConfig{
				PollInterval:     "500ms",
				MaxPollAttempts:  5,
				ExhaustionPolicy: config.ExhaustionPolicyError,
			},
			want: Config{
				PollInterval:     500 * time.Millisecond,
				MaxPollAttempts:  5,
				ExhaustionPolicy: config.ExhaustionPolicyError,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ConfigFrom(tt.cfg).withDefaults())
		})
	}
}

func TestConfig_WithDefaults_UnknownPolicy(t *testing.T) {
	t.Parallel()

	got := Config{PollInterval: -time.Second, ExhaustionPolicy: "retry"}.withDefaults()
	assert.Equal(t, config.DefaultPollInterval, got.PollInterval)
	assert.Equal(t, config.ExhaustionPolicyDone, got.ExhaustionPolicy)
}
