// Package stream consumes the server-push channel and turns its events into
// cache invalidations.
//
// The subscriber holds exactly one channel per activation. Every frame is
// resolved to an event kind, decoded, mapped to cache keys by Dispatch and
// invalidated. Frames that cannot be decoded are dropped without any state
// change.
package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/sortmail/inboxsync/internal/push"
)

// Kind identifies a push event
type Kind string

const (
	// KindIntelReady is sent when AI analysis of a thread finished
	KindIntelReady Kind = "intel_ready"

	// KindNewEmails is sent when an incremental sync found new threads
	KindNewEmails Kind = "new_emails"

	// KindSyncStatus is sent when a sync job started or finished
	KindSyncStatus Kind = "sync_status"

	// KindHeartbeat keeps idle connections open
	KindHeartbeat Kind = "heartbeat"
)

// unnamedEventType is the SSE default event name
const unnamedEventType = "message"

// ErrMalformedPayload is returned by Parse for payloads that are not valid JSON
// or do not match their event kind
var ErrMalformedPayload = errors.New("malformed event payload")

// Event is a decoded push event
type Event interface {
	Kind() Kind
}

// IntelReady reports that a thread's annotations were recomputed
type IntelReady struct {
	ThreadID         string  `json:"thread_id"`
	Summary          string  `json:"summary,omitempty"`
	Intent           string  `json:"intent,omitempty"`
	UrgencyScore     float64 `json:"urgency_score,omitempty"`
	ActionItemsCount int     `json:"action_items_count,omitempty"`
}

// Kind implements Event
func (IntelReady) Kind() Kind { return KindIntelReady }

// NewEmails reports new threads
type NewEmails struct {
	Count int `json:"count"`
}

// Kind implements Event
func (NewEmails) Kind() Kind { return KindNewEmails }

// SyncStatusChanged reports a sync job transition
type SyncStatusChanged struct {
	Status string `json:"status,omitempty"`
}

// Kind implements Event
func (SyncStatusChanged) Kind() Kind { return KindSyncStatus }

// Heartbeat is a keep-alive
type Heartbeat struct{}

// Kind implements Event
func (Heartbeat) Kind() Kind { return KindHeartbeat }

// Unknown is an event of a kind this client does not handle
type Unknown struct {
	Name string
}

// Kind implements Event
func (u Unknown) Kind() Kind { return Kind(u.Name) }

// Parse decodes a frame. The SSE event name decides the kind; unnamed frames
// fall back to the payload's "type" field, which is how the backend's Redis
// relay tags events. An empty payload decodes as {}.
func Parse(frame push.Frame) (Event, error) {
	data := bytes.TrimSpace(frame.Data)
	if len(data) == 0 {
		data = []byte("{}")
	}

	kind := Kind(frame.Type)
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %s event is not valid JSON", ErrMalformedPayload, kindLabel(kind))
	}
	if kind == "" || kind == unnamedEventType {
		kind = Kind(gjson.GetBytes(data, "type").String())
	}

	switch kind {
	case KindIntelReady:
		return decode[IntelReady](kind, data)
	case KindNewEmails:
		return decode[NewEmails](kind, data)
	case KindSyncStatus:
		return decode[SyncStatusChanged](kind, data)
	case KindHeartbeat:
		return Heartbeat{}, nil
	default:
		return Unknown{Name: string(kind)}, nil
	}
}

func decode[T Event](kind Kind, data []byte) (Event, error) {
	var ev T
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s event: %v", ErrMalformedPayload, kind, err)
	}
	return ev, nil
}

func kindLabel(kind Kind) string {
	if kind == "" {
		return unnamedEventType
	}
	return string(kind)
}
