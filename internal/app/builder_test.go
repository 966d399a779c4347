package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/sortmail/inboxsync/internal/cache"
	"github.com/sortmail/inboxsync/internal/config"
	enginemocks "github.com/sortmail/inboxsync/internal/engine/mocks"
	remotemocks "github.com/sortmail/inboxsync/internal/remote/mocks"
	"github.com/sortmail/inboxsync/internal/telemetry"
)

// newTestTelemetry records into in-process SDK providers
func newTestTelemetry(t *testing.T) *telemetry.Telemetry {
	t.Helper()

	tel, err := telemetry.New(context.Background(), nil,
		telemetry.WithMeterProvider(sdkmetric.NewMeterProvider()),
		telemetry.WithTracerProvider(sdktrace.NewTracerProvider()),
	)
	require.NoError(t, err)
	return tel
}

// createValidTestConfig creates a minimal valid config for testing
func createValidTestConfig() *config.Config {
	return &config.Config{
		API: config.APIConfig{
			BaseURL: "http://localhost:8000/api",
		},
	}
}

func TestBaseConfig(t *testing.T) {
	t.Parallel()

	built, err := baseConfig(WithConfig(createValidTestConfig()))
	require.NoError(t, err)
	require.NotNil(t, built)
	assert.Equal(t, defaultHTTPAddress, built.address)
	assert.Equal(t, config.DefaultDataDir, built.dataDir)
	assert.Equal(t, defaultRequestTimeout, built.requestTimeout)
}

func TestBaseConfig_DataDirFromConfig(t *testing.T) {
	t.Parallel()

	cfg := createValidTestConfig()
	cfg.DataDir = "/var/lib/inboxsync"

	built, err := baseConfig(WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/inboxsync", built.dataDir)

	built, err = baseConfig(WithConfig(cfg), WithDataDirectory("/tmp/override"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override", built.dataDir)
}

func TestBaseConfig_Errors(t *testing.T) {
	t.Parallel()

	built, err := baseConfig()
	require.Error(t, err)
	assert.Nil(t, built)

	built, err = baseConfig(WithConfig(createValidTestConfig()), WithAddress(":"))
	require.Error(t, err)
	assert.Nil(t, built)
}

func TestWithAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		address string
		want    string
		wantErr bool
	}{
		{name: "valid address", address: ":9999", want: ":9999"},
		{name: "valid address with host", address: "127.0.0.1:9999", want: "127.0.0.1:9999"},
		{name: "valid address with localhost", address: "localhost:9999", want: "localhost:9999"},
		{name: "invalid empty address", address: "", wantErr: true},
		{name: "invalid empty port", address: ":", wantErr: true},
		{name: "invalid missing port", address: "localhost", wantErr: true},
		{name: "invalid port out of range", address: "localhost:999999", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &syncAppConfig{}
			err := WithAddress(tt.address)(cfg)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.address)
		})
	}
}

func TestWithMiddlewares(t *testing.T) {
	t.Parallel()

	mw := func(next http.Handler) http.Handler { return next }
	cfg := &syncAppConfig{}
	require.NoError(t, WithMiddlewares(mw, mw)(cfg))
	assert.Len(t, cfg.middlewares, 2)
}

func TestBuildHTTPServer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		config      *syncAppConfig
		wantAddr    string
		wantReadTO  time.Duration
		wantWriteTO time.Duration
		wantIdleTO  time.Duration
	}{
		{
			name: "with default middlewares",
			config: &syncAppConfig{
				address:        ":8080",
				requestTimeout: 10 * time.Second,
				readTimeout:    10 * time.Second,
				writeTimeout:   15 * time.Second,
				idleTimeout:    60 * time.Second,
			},
			wantAddr:    ":8080",
			wantReadTO:  10 * time.Second,
			wantWriteTO: 15 * time.Second,
			wantIdleTO:  60 * time.Second,
		},
		{
			name: "with custom middlewares and telemetry",
			config: &syncAppConfig{
				address: "127.0.0.1:3000",
				middlewares: []func(http.Handler) http.Handler{
					func(next http.Handler) http.Handler { return next },
				},
				requestTimeout: 5 * time.Second,
				readTimeout:    5 * time.Second,
				writeTimeout:   10 * time.Second,
				idleTimeout:    30 * time.Second,
				telemetry:      newTestTelemetry(t),
			},
			wantAddr:    "127.0.0.1:3000",
			wantReadTO:  5 * time.Second,
			wantWriteTO: 10 * time.Second,
			wantIdleTO:  30 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			store, err := cache.New(context.Background(), nil)
			require.NoError(t, err)

			server, err := buildHTTPServer(tt.config, &AppComponents{
				Engine: enginemocks.NewMockEngine(ctrl),
				Cache:  store,
				Client: remotemocks.NewMockClient(ctrl),
			})
			require.NoError(t, err)
			require.NotNil(t, server)

			assert.Equal(t, tt.wantAddr, server.Addr)
			assert.Equal(t, tt.wantReadTO, server.ReadTimeout)
			assert.Equal(t, tt.wantWriteTO, server.WriteTimeout)
			assert.Equal(t, tt.wantIdleTO, server.IdleTimeout)

			rr := httptest.NewRecorder()
			server.Handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, http.StatusOK, rr.Code)
		})
	}
}

func TestNewSyncApp(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	tests := []struct {
		name            string
		mutate          func(*config.Config)
		wantStreamRedis bool
	}{
		{
			name: "sse push channel",
		},
		{
			name: "push channel disabled",
			mutate: func(cfg *config.Config) {
				cfg.Stream.Disabled = true
			},
		},
		{
			name: "redis push channel",
			mutate: func(cfg *config.Config) {
				cfg.Stream = config.StreamConfig{
					Source: config.StreamSourceRedis,
					UserID: "user-1",
					Redis:  &config.RedisConfig{Addr: mr.Addr()},
				}
			},
			wantStreamRedis: true,
		},
		{
			name: "two-level cache",
			mutate: func(cfg *config.Config) {
				cfg.Cache = config.CacheConfig{
					Mode:  config.CacheModeTwoLevel,
					Redis: &config.RedisConfig{Addr: mr.Addr()},
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := createValidTestConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}

			app, err := NewSyncApp(context.Background(),
				WithConfig(cfg),
				WithAddress("127.0.0.1:0"),
				WithDataDirectory(t.TempDir()),
				WithTelemetry(newTestTelemetry(t)),
			)
			require.NoError(t, err)
			require.NotNil(t, app)

			components := app.GetComponents()
			assert.NotNil(t, components.Engine)
			assert.NotNil(t, components.Cache)
			assert.NotNil(t, components.Client)
			assert.Equal(t, tt.wantStreamRedis, components.StreamRedis != nil)
			assert.Same(t, cfg, app.GetConfig())

			require.NoError(t, app.Stop(time.Second))
		})
	}
}

func TestNewSyncApp_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name: "missing token file",
			mutate: func(cfg *config.Config) {
				cfg.Auth = &config.AuthConfig{TokenFile: filepath.Join(os.TempDir(), "inboxsync-missing-token")}
			},
			wantErr: "failed to load API token",
		},
		{
			name: "unreachable cache redis",
			mutate: func(cfg *config.Config) {
				cfg.Cache = config.CacheConfig{
					Mode:  config.CacheModeRedis,
					Redis: &config.RedisConfig{Addr: "127.0.0.1:1"},
				}
			},
			wantErr: "failed to build cache",
		},
		{
			name: "unreachable stream redis",
			mutate: func(cfg *config.Config) {
				cfg.Stream = config.StreamConfig{
					Source: config.StreamSourceRedis,
					UserID: "user-1",
					Redis:  &config.RedisConfig{Addr: "127.0.0.1:1"},
				}
			},
			wantErr: "failed to build stream components",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := createValidTestConfig()
			tt.mutate(cfg)

			app, err := NewSyncApp(context.Background(), WithConfig(cfg), WithDataDirectory(t.TempDir()))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Nil(t, app)
		})
	}
}
