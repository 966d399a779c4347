package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"github.com/sortmail/inboxsync/internal/api"
	"github.com/sortmail/inboxsync/internal/cache"
	"github.com/sortmail/inboxsync/internal/config"
	"github.com/sortmail/inboxsync/internal/engine"
	"github.com/sortmail/inboxsync/internal/push"
	"github.com/sortmail/inboxsync/internal/redisclient"
	"github.com/sortmail/inboxsync/internal/remote"
	"github.com/sortmail/inboxsync/internal/status"
	"github.com/sortmail/inboxsync/internal/stream"
	"github.com/sortmail/inboxsync/internal/sync/coordinator"
	"github.com/sortmail/inboxsync/internal/telemetry"
)

const (
	defaultHTTPAddress    = ":8080"
	defaultRequestTimeout = 10 * time.Second
	defaultReadTimeout    = 10 * time.Second
	defaultWriteTimeout   = 15 * time.Second
	defaultIdleTimeout    = 60 * time.Second
)

// SyncAppOptions is a function that configures the sync app builder
type SyncAppOptions func(*syncAppConfig) error

// syncAppConfig collects what NewSyncApp needs. It supports dependency
// injection for testing while providing sensible defaults for production.
type syncAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	client    remote.Client
	transport push.Transport
	clock     clock.WithTicker

	// HTTP server options
	address        string
	middlewares    []func(http.Handler) http.Handler
	requestTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	idleTimeout    time.Duration

	dataDir string

	// telemetry is nil when the caller did not set up OpenTelemetry
	telemetry *telemetry.Telemetry
}

func baseConfig(opts ...SyncAppOptions) (*syncAppConfig, error) {
	cfg := &syncAppConfig{
		address:        defaultHTTPAddress,
		requestTimeout: defaultRequestTimeout,
		readTimeout:    defaultReadTimeout,
		writeTimeout:   defaultWriteTimeout,
		idleTimeout:    defaultIdleTimeout,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.dataDir == "" {
		cfg.dataDir = cfg.config.GetDataDir()
	}

	return cfg, nil
}

// NewSyncApp builds every component from the configuration
func NewSyncApp(
	ctx context.Context,
	opts ...SyncAppOptions,
) (*SyncApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	components := &AppComponents{}

	// Ensure cleanup happens on error
	cleanupNeeded := true
	defer func() {
		if !cleanupNeeded {
			return
		}
		if components.Cache != nil {
			_ = components.Cache.Close()
		}
		if components.StreamRedis != nil {
			_ = components.StreamRedis.Close()
		}
	}()

	token, err := cfg.config.Auth.GetToken()
	if err != nil {
		return nil, fmt.Errorf("failed to load API token: %w", err)
	}

	components.Client, err = buildRemoteClient(cfg, token)
	if err != nil {
		return nil, fmt.Errorf("failed to build remote client: %w", err)
	}

	components.Cache, err = buildCache(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build cache: %w", err)
	}

	subscriber, err := buildStreamComponents(ctx, cfg, components, token)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream components: %w", err)
	}

	syncCoordinator, err := buildSyncComponents(cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync components: %w", err)
	}

	components.Engine = engine.New(syncCoordinator, subscriber)

	httpServer, err := buildHTTPServer(cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)

	// Cleanup is now handled by the app, not in defer
	cleanupNeeded = false

	return &SyncApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress sets the HTTP server address
func WithAddress(addr string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares sets custom HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithDataDirectory overrides the directory holding status.json
func WithDataDirectory(dir string) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.dataDir = dir
		return nil
	}
}

// WithRemoteClient allows injecting a custom remote client (for testing)
func WithRemoteClient(client remote.Client) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.client = client
		return nil
	}
}

// WithTransport allows injecting a custom push transport (for testing)
func WithTransport(transport push.Transport) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.transport = transport
		return nil
	}
}

// WithClock allows injecting the clock driving the poll timer (for testing)
func WithClock(clk clock.WithTicker) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.clock = clk
		return nil
	}
}

// WithTelemetry instruments every component with tel. The caller shuts it down.
func WithTelemetry(tel *telemetry.Telemetry) SyncAppOptions {
	return func(cfg *syncAppConfig) error {
		cfg.telemetry = tel
		return nil
	}
}

// tracer returns the engine tracer, or nil when tracing is not configured
func (b *syncAppConfig) tracer() trace.Tracer {
	if b.telemetry == nil {
		return nil
	}
	return b.telemetry.Tracer()
}

// tracerProvider returns the provider for outgoing request spans, or nil to
// leave otelhttp on the global one
func (b *syncAppConfig) tracerProvider() trace.TracerProvider {
	if b.telemetry == nil {
		return nil
	}
	return b.telemetry.TracerProvider()
}

// buildRemoteClient builds the authenticated remote API client
func buildRemoteClient(b *syncAppConfig, token string) (remote.Client, error) {
	if b.client != nil {
		return b.client, nil
	}

	httpClient := remote.NewHTTPClient(
		remote.WithHTTPTimeout(b.config.API.GetTimeout()),
		remote.WithToken(token),
		remote.WithTracerProvider(b.tracerProvider()),
	)

	paths := b.config.API.Paths
	return remote.NewClient(b.config.API.GetBaseURL(),
		remote.WithHTTPClient(httpClient),
		remote.WithPaths(remote.Paths{
			SyncStatus: paths.SyncStatus,
			StartSync:  paths.StartSync,
			Threads:    paths.Threads,
		}),
		remote.WithTracer(b.tracer()),
	)
}

// buildCache builds the local read cache for the configured mode
func buildCache(ctx context.Context, b *syncAppConfig) (*cache.Cache, error) {
	var cacheOpts []cache.Option
	if b.telemetry != nil {
		cacheOpts = append(cacheOpts, cache.WithMetrics(b.telemetry.Cache()))
	}

	return cache.New(ctx, &b.config.Cache, cacheOpts...)
}

// buildStreamComponents builds the push transport and subscriber. It returns
// a nil subscriber when the push channel is disabled.
func buildStreamComponents(
	ctx context.Context,
	b *syncAppConfig,
	components *AppComponents,
	token string,
) (stream.Subscriber, error) {
	streamCfg := b.config.Stream
	if streamCfg.Disabled {
		slog.Info("Push channel disabled, relying on the pull path only")
		return nil, nil
	}

	transport := b.transport
	if transport == nil {
		var err error
		switch streamCfg.GetSource() {
		case config.StreamSourceRedis:
			redisClient, redisErr := redisclient.New(ctx, streamCfg.Redis)
			if redisErr != nil {
				return nil, fmt.Errorf("failed to create redis client for stream: %w", redisErr)
			}
			components.StreamRedis = redisClient
			transport, err = push.NewRedisTransport(redisClient, streamCfg.UserID)
		default:
			transport, err = buildSSETransport(b, token)
		}
		if err != nil {
			return nil, err
		}
	}

	var streamOpts []stream.Option
	if b.telemetry != nil {
		streamOpts = append(streamOpts, stream.WithStreamMetrics(b.telemetry.Stream()))
	}
	if tracer := b.tracer(); tracer != nil {
		streamOpts = append(streamOpts, stream.WithTracer(tracer))
	}

	slog.Info("Push channel configured", "source", streamCfg.GetSource())
	return stream.NewSubscriber(transport, components.Cache, streamOpts...), nil
}

// buildSSETransport builds the SSE transport. The stream shares the bearer
// auth of the remote client but has no request timeout.
func buildSSETransport(b *syncAppConfig, token string) (push.Transport, error) {
	eventsPath := b.config.API.Paths.Events
	if eventsPath == "" {
		eventsPath = remote.DefaultEventsPath
	}

	httpClient := remote.NewHTTPClient(
		remote.WithHTTPTimeout(0),
		remote.WithToken(token),
		remote.WithTracerProvider(b.tracerProvider()),
	)

	var sseOpts []push.SSEOption
	if b.config.Stream.MaxEventSize > 0 {
		sseOpts = append(sseOpts, push.WithMaxEventSize(b.config.Stream.MaxEventSize))
	}

	return push.NewSSETransport(httpClient, b.config.API.GetBaseURL()+eventsPath, sseOpts...)
}

// buildSyncComponents builds the coordinator with persistence and metrics
func buildSyncComponents(b *syncAppConfig, components *AppComponents) (coordinator.Coordinator, error) {
	slog.Info("Initializing sync components")

	coordOpts := []coordinator.Option{
		coordinator.WithPersistence(status.NewFilePersistence(filepath.Clean(b.dataDir))),
	}
	if b.clock != nil {
		coordOpts = append(coordOpts, coordinator.WithClock(b.clock))
	}
	if tracer := b.tracer(); tracer != nil {
		coordOpts = append(coordOpts, coordinator.WithTracer(tracer))
	}

	if b.telemetry != nil && b.telemetry.Sync() != nil {
		coordOpts = append(coordOpts, coordinator.WithSyncMetrics(b.telemetry.Sync()))
		slog.Info("Sync metrics enabled")
	}

	syncCoordinator := coordinator.New(components.Client, components.Cache,
		coordinator.ConfigFrom(&b.config.Sync), coordOpts...)
	slog.Info("Sync components initialized successfully")

	return syncCoordinator, nil
}

// buildHTTPServer builds the HTTP server with router and middleware
func buildHTTPServer(b *syncAppConfig, components *AppComponents) (*http.Server, error) {
	slog.Info("Initializing HTTP server")

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Timeout(b.requestTimeout),
			api.LoggingMiddleware,
		}
	}

	// Tracing and metrics go first so they see every request
	if b.telemetry != nil {
		if mws := b.telemetry.Middlewares(); len(mws) > 0 {
			b.middlewares = append(mws, b.middlewares...)
			slog.Info("API telemetry middleware enabled", "count", len(mws))
		}
	}

	router := api.NewServer(components.Cache, components.Client, components.Engine,
		api.WithMiddlewares(b.middlewares...))

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  b.readTimeout,
		WriteTimeout: b.writeTimeout,
		IdleTimeout:  b.idleTimeout,
	}

	slog.Info("HTTP server configured", "address", b.address)
	return server, nil
}
