package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// JobStatus is the remote sync job status
type JobStatus string

const (
	// JobStatusIdle means no sync is running; the last one (if any) completed
	JobStatusIdle JobStatus = "idle"

	// JobStatusSyncing means a sync job is running
	JobStatusSyncing JobStatus = "syncing"

	// JobStatusFailed means the last sync job failed
	JobStatusFailed JobStatus = "failed"

	// JobStatusNoAccount means no mailbox is connected
	JobStatusNoAccount JobStatus = "no_account"
)

// SyncStatus is the remote view of the mailbox sync job
type SyncStatus struct {
	HasAccount bool       `json:"has_account"`
	NeedsSync  bool       `json:"needs_sync"`
	LastSyncAt *time.Time `json:"last_sync_at"`
	Status     JobStatus  `json:"status"`

	Provider          string `json:"provider,omitempty"`
	ProviderEmail     string `json:"provider_email,omitempty"`
	InitialSyncDone   bool   `json:"initial_sync_done,omitempty"`
	StaleAfterMinutes int    `json:"stale_after_minutes,omitempty"`
}

// UnmarshalJSON decodes last_sync_at leniently. An unparseable timestamp
// decodes to nil instead of failing the whole status.
func (s *SyncStatus) UnmarshalJSON(data []byte) error {
	type alias SyncStatus
	aux := struct {
		*alias
		LastSyncAt *string `json:"last_sync_at"`
	}{alias: (*alias)(s)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	s.LastSyncAt = nil
	if aux.LastSyncAt == nil || *aux.LastSyncAt == "" {
		return nil
	}

	ts, err := ParseTimestamp(*aux.LastSyncAt)
	if err != nil {
		slog.Warn("Ignoring unparseable last_sync_at", "value", *aux.LastSyncAt, "error", err)
		return nil
	}
	s.LastSyncAt = &ts
	return nil
}

// timestampLayouts are tried in order by ParseTimestamp
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// ParseTimestamp parses RFC3339 timestamps and the backend's double-suffixed
// form ("2026-01-01T00:00:00+00:00Z"). Timestamps without a zone are UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	candidates := []string{value}
	if trimmed, ok := strings.CutSuffix(value, "Z"); ok && hasZoneOffset(trimmed) {
		candidates = append(candidates, trimmed)
	}

	for _, candidate := range candidates {
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, candidate); err == nil {
				return t.UTC(), nil
			}
		}
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// hasZoneOffset reports whether value ends in a numeric offset such as +00:00
func hasZoneOffset(value string) bool {
	if len(value) < 6 {
		return false
	}
	suffix := value[len(value)-6:]
	return (suffix[0] == '+' || suffix[0] == '-') && suffix[3] == ':'
}

// HTTPError represents a non-2xx response from the remote API
type HTTPError struct {
	StatusCode int
	Message    string
	URL        string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, url, message string) error {
	return &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    message,
	}
}

// StatusCode returns the HTTP status carried by err, or 0 if err is not an HTTPError
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 from the remote API
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
