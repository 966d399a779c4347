// Package remote provides the transport client for the SortMail API: sync
// status checks, sync triggers and the thread reads served by the local cache.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/sortmail/inboxsync/internal/otel"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client

const (
	// DefaultTimeout is the default timeout for HTTP requests
	DefaultTimeout = 10 * time.Second

	// MaxResponseSize is the maximum allowed response size (20MB)
	MaxResponseSize = 20 * 1024 * 1024

	// UserAgent is the user agent string for HTTP requests
	UserAgent = "inboxsync/1.0"

	// TracerName is the name used for the remote client tracer
	TracerName = "github.com/sortmail/inboxsync/remote"
)

// Default endpoint paths relative to the API root
const (
	DefaultSyncStatusPath = "/emails/sync/status"
	DefaultStartSyncPath  = "/emails/sync"
	DefaultEventsPath     = "/events/stream"
	DefaultThreadsPath    = "/threads"
)

// Client is the engine's view of the remote API
type Client interface {
	// GetSyncStatus fetches the remote sync job status
	GetSyncStatus(ctx context.Context) (*SyncStatus, error)

	// StartSync asks the remote to start a sync job
	StartSync(ctx context.Context) error

	// ListThreads returns the raw thread list for an encoded query (may be empty)
	ListThreads(ctx context.Context, query string) ([]byte, error)

	// GetThread returns the raw detail of a single thread
	GetThread(ctx context.Context, threadID string) ([]byte, error)
}

// Paths holds the endpoint paths relative to the base URL
type Paths struct {
	SyncStatus string
	StartSync  string
	Threads    string
}

// DefaultPaths returns the standard SortMail endpoint paths
func DefaultPaths() Paths {
	return Paths{
		SyncStatus: DefaultSyncStatusPath,
		StartSync:  DefaultStartSyncPath,
		Threads:    DefaultThreadsPath,
	}
}

// Option configures the DefaultClient
type Option func(*DefaultClient)

// WithHTTPClient replaces the underlying *http.Client
func WithHTTPClient(client *http.Client) Option {
	return func(c *DefaultClient) {
		c.client = client
	}
}

// WithPaths overrides endpoint paths; empty fields keep their defaults
func WithPaths(paths Paths) Option {
	return func(c *DefaultClient) {
		if paths.SyncStatus != "" {
			c.paths.SyncStatus = paths.SyncStatus
		}
		if paths.StartSync != "" {
			c.paths.StartSync = paths.StartSync
		}
		if paths.Threads != "" {
			c.paths.Threads = paths.Threads
		}
	}
}

// WithTracer sets the tracer used for client spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *DefaultClient) {
		c.tracer = tracer
	}
}

// DefaultClient is the HTTP implementation of Client
type DefaultClient struct {
	baseURL string
	client  *http.Client
	paths   Paths
	tracer  trace.Tracer
}

// NewClient creates a client for the API rooted at baseURL
func NewClient(baseURL string, opts ...Option) (Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute, got %q", baseURL)
	}

	c := &DefaultClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  NewHTTPClient(WithHTTPTimeout(DefaultTimeout)),
		paths:   DefaultPaths(),
	}
	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// GetSyncStatus fetches the remote sync job status
func (c *DefaultClient) GetSyncStatus(ctx context.Context) (*SyncStatus, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "remote.GetSyncStatus")
	defer span.End()

	body, err := c.do(ctx, http.MethodGet, c.paths.SyncStatus, nil)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}

	var status SyncStatus
	if err := json.Unmarshal(body, &status); err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to decode sync status: %w", err)
	}

	span.SetAttributes(
		otel.AttrSyncStatus.String(string(status.Status)),
		otel.AttrHasAccount.Bool(status.HasAccount),
		otel.AttrNeedsSync.Bool(status.NeedsSync),
	)
	return &status, nil
}

// StartSync asks the remote to start a sync job
func (c *DefaultClient) StartSync(ctx context.Context) error {
	ctx, span := otel.StartSpan(ctx, c.tracer, "remote.StartSync")
	defer span.End()

	if _, err := c.do(ctx, http.MethodPost, c.paths.StartSync, bytes.NewReader([]byte("{}"))); err != nil {
		otel.RecordError(span, err)
		return err
	}
	return nil
}

// ListThreads returns the raw thread list for an encoded query
func (c *DefaultClient) ListThreads(ctx context.Context, query string) ([]byte, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "remote.ListThreads",
		trace.WithAttributes(attribute.String("query", query)))
	defer span.End()

	path := c.paths.Threads
	if query != "" {
		path += "?" + query
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return body, nil
}

// GetThread returns the raw detail of a single thread
func (c *DefaultClient) GetThread(ctx context.Context, threadID string) ([]byte, error) {
	ctx, span := otel.StartSpan(ctx, c.tracer, "remote.GetThread",
		trace.WithAttributes(otel.AttrThreadID.String(threadID)))
	defer span.End()

	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}

	body, err := c.do(ctx, http.MethodGet, c.paths.Threads+"/"+url.PathEscape(threadID), nil)
	if err != nil {
		otel.RecordError(span, err)
		return nil, err
	}
	return body, nil
}

// do executes a request against path and returns the size-limited body of a 2xx response
func (c *DefaultClient) do(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	target := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, NewHTTPError(resp.StatusCode, target, resp.Status)
	}

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes",
			resp.ContentLength, MaxResponseSize)
	}

	// +1 to detect if limit exceeded
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(data)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes", MaxResponseSize)
	}

	return data, nil
}
