package remote

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// HTTPClientOption configures NewHTTPClient
type HTTPClientOption func(*httpClientConfig)

type httpClientConfig struct {
	timeout        time.Duration
	tokenSource    oauth2.TokenSource
	tracerProvider trace.TracerProvider
	base           http.RoundTripper
}

// WithHTTPTimeout bounds every request. Zero means no timeout, which is what
// long-lived streams need.
func WithHTTPTimeout(timeout time.Duration) HTTPClientOption {
	return func(cfg *httpClientConfig) {
		cfg.timeout = timeout
	}
}

// WithToken authenticates every request with a static bearer token. An empty
// token leaves requests unauthenticated.
func WithToken(token string) HTTPClientOption {
	return func(cfg *httpClientConfig) {
		if token == "" {
			cfg.tokenSource = nil
			return
		}
		cfg.tokenSource = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	}
}

// WithTokenSource authenticates every request with tokens from ts
func WithTokenSource(ts oauth2.TokenSource) HTTPClientOption {
	return func(cfg *httpClientConfig) {
		cfg.tokenSource = ts
	}
}

// WithTracerProvider sets the tracer provider for outgoing request spans
func WithTracerProvider(tp trace.TracerProvider) HTTPClientOption {
	return func(cfg *httpClientConfig) {
		cfg.tracerProvider = tp
	}
}

// WithBaseTransport replaces the underlying round tripper
func WithBaseTransport(rt http.RoundTripper) HTTPClientOption {
	return func(cfg *httpClientConfig) {
		cfg.base = rt
	}
}

// NewHTTPClient builds the *http.Client shared by the remote client and the
// push transport: otelhttp instrumentation with bearer auth layered on top.
func NewHTTPClient(opts ...HTTPClientOption) *http.Client {
	cfg := &httpClientConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	base := cfg.base
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}

	var otelOpts []otelhttp.Option
	if cfg.tracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(cfg.tracerProvider))
	}
	var transport http.RoundTripper = otelhttp.NewTransport(base, otelOpts...)

	if cfg.tokenSource != nil {
		transport = &oauth2.Transport{
			Source: oauth2.ReuseTokenSource(nil, cfg.tokenSource),
			Base:   transport,
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.timeout,
	}
}
