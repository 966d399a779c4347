package status

import "time"

// SyncState is the local phase of the sync coordinator
type SyncState string

const (
	// SyncStateIdle means no cycle is running and the data is considered fresh
	SyncStateIdle SyncState = "idle"

	// SyncStateChecking means the one-shot status check is in flight
	SyncStateChecking SyncState = "checking"

	// SyncStateSyncing means a remote sync job was triggered and is being polled
	SyncStateSyncing SyncState = "syncing"

	// SyncStateDone means the last cycle settled and the thread list was invalidated
	SyncStateDone SyncState = "done"

	// SyncStateError means the last cycle failed
	SyncStateError SyncState = "error"

	// SyncStateNoAccount means no mailbox is connected; nothing is polled
	SyncStateNoAccount SyncState = "no_account"
)

// Terminal reports whether s ends a cycle
func (s SyncState) Terminal() bool {
	switch s {
	case SyncStateIdle, SyncStateDone, SyncStateError, SyncStateNoAccount:
		return true
	case SyncStateChecking, SyncStateSyncing:
		return false
	}
	return false
}

// SettleReason records why the last cycle reached its terminal state
type SettleReason string

const (
	// ReasonCompleted means the remote job reported idle
	ReasonCompleted SettleReason = "completed"

	// ReasonExhausted means polling gave up after the attempt ceiling
	ReasonExhausted SettleReason = "exhausted"

	// ReasonRemoteFailed means the remote job reported failed
	ReasonRemoteFailed SettleReason = "remote_failed"

	// ReasonTransportFailed means a request to the remote API failed
	ReasonTransportFailed SettleReason = "transport_failed"

	// ReasonNoAccount means the remote has no mailbox connected
	ReasonNoAccount SettleReason = "no_account"

	// ReasonUpToDate means the status check found nothing to sync
	ReasonUpToDate SettleReason = "up_to_date"
)

// Snapshot is the observable state of the sync coordinator
type Snapshot struct {
	// State is the current coordinator state
	State SyncState `json:"state"`

	// Reason is set once the current cycle has settled
	Reason SettleReason `json:"reason,omitempty"`

	// LastSyncAt is the last completed remote sync time seen by the coordinator
	LastSyncAt *time.Time `json:"lastSyncAt,omitempty"`

	// Attempts is the number of polls made in the current cycle
	Attempts int `json:"attempts"`

	// UpdatedAt is when the snapshot last changed
	UpdatedAt time.Time `json:"updatedAt"`

	// Message carries the error text for failed cycles
	Message string `json:"message,omitempty"`
}

// Settled reports whether the snapshot describes a finished cycle
func (s Snapshot) Settled() bool {
	return s.Reason != "" && s.State.Terminal()
}
