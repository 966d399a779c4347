package v1

import "github.com/sortmail/inboxsync/internal/status"

// HealthResponse represents the health check response
type HealthResponse struct {
	Status string `json:"status" example:"healthy"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status  string `json:"status" example:"ready"`
	MountID string `json:"mount_id,omitempty"`
}

// SyncStateResponse is the engine's current snapshot
type SyncStateResponse struct {
	status.Snapshot
	MountID string `json:"mount_id,omitempty"`
}

// TriggerResponse acknowledges a sync request
type TriggerResponse struct {
	Status string `json:"status" example:"accepted"`
}
