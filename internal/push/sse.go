package push

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tmaxmax/go-sse"
)

const (
	// DefaultMaxEventSize bounds a single SSE event
	DefaultMaxEventSize = 1024 * 1024

	// defaultInitialRetry and defaultMaxRetry bound the reconnect delay
	defaultInitialRetry = time.Second
	defaultMaxRetry     = 30 * time.Second
)

// errStreamEnded is returned when the server closes the stream with 204 No Content
var errStreamEnded = errors.New("event stream ended by server")

// SSEOption configures the SSE transport
type SSEOption func(*sseTransport)

// WithBackOff sets the factory for the reconnect backoff policy
func WithBackOff(newBackOff func() backoff.BackOff) SSEOption {
	return func(t *sseTransport) {
		t.newBackOff = newBackOff
	}
}

// WithMaxEventSize bounds the size of a single event
func WithMaxEventSize(size int) SSEOption {
	return func(t *sseTransport) {
		if size > 0 {
			t.maxEventSize = size
		}
	}
}

// sseTransport reads Server-Sent Events over a long-lived HTTP request
type sseTransport struct {
	client       *http.Client
	url          string
	maxEventSize int
	newBackOff   func() backoff.BackOff
}

// NewSSETransport creates a transport that streams events from streamURL.
// The client must not have a request timeout.
func NewSSETransport(client *http.Client, streamURL string, opts ...SSEOption) (Transport, error) {
	u, err := url.Parse(streamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid event stream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("event stream URL must be http or https, got %q", streamURL)
	}

	t := &sseTransport{
		client:       client,
		url:          streamURL,
		maxEventSize: DefaultMaxEventSize,
		newBackOff:   defaultBackOff,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultInitialRetry
	b.MaxInterval = defaultMaxRetry
	return b
}

// Subscribe starts the read loop and returns its frames
func (t *sseTransport) Subscribe(ctx context.Context) (<-chan Frame, error) {
	out := make(chan Frame, frameBuffer)
	go t.run(ctx, out)
	return out, nil
}

// run connects, reads until the connection drops and reconnects with backoff
func (t *sseTransport) run(ctx context.Context, out chan<- Frame) {
	defer close(out)

	retry := t.newBackOff()
	lastEventID := ""

	for {
		received, err := t.stream(ctx, out, &lastEventID)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errStreamEnded) {
			slog.Info("Event stream ended by server", "url", t.url)
			return
		}

		// A connection that delivered events starts the backoff over
		if received {
			retry.Reset()
		}

		delay := retry.NextBackOff()
		if delay == backoff.Stop {
			slog.Error("Giving up on event stream", "url", t.url, "error", err)
			return
		}

		slog.Warn("Event stream disconnected, reconnecting",
			"url", t.url,
			"error", err,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream reads one connection. It reports whether any event was received.
func (t *sseTransport) stream(ctx context.Context, out chan<- Frame, lastEventID *string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if *lastEventID != "" {
		req.Header.Set("Last-Event-ID", *lastEventID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNoContent:
		return false, errStreamEnded
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("unexpected status from event stream: %s", resp.Status)
	}

	slog.Debug("Event stream connected", "url", t.url, "last_event_id", *lastEventID)

	received := false
	for event, err := range sse.Read(resp.Body, &sse.ReadConfig{MaxEventSize: t.maxEventSize}) {
		if err != nil {
			return received, fmt.Errorf("failed to read event stream: %w", err)
		}

		received = true
		if event.LastEventID != "" {
			*lastEventID = event.LastEventID
		}

		frame := Frame{
			ID:   event.LastEventID,
			Type: event.Type,
			Data: []byte(event.Data),
		}
		select {
		case out <- frame:
		case <-ctx.Done():
			return received, ctx.Err()
		}
	}

	// The server closed a stream that is meant to stay open
	return received, io.ErrUnexpectedEOF
}
