// Package proxy is the HTTP surface of the gateway. It routes client requests by path into
// the dispatcher and serves the results in the client's wire format.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/florianilch/claudine-gateway/internal/dispatch"
	"github.com/florianilch/claudine-gateway/internal/hooks"
	"github.com/florianilch/claudine-gateway/internal/observability/middleware"
	"github.com/florianilch/claudine-gateway/internal/streaming"
	"github.com/florianilch/claudine-gateway/internal/tokens"
)

// Defaults for Options.
const (
	DefaultMaxRequestBytes = 32 << 20
	DefaultRequestTimeout  = 10 * time.Minute
)

// ReadinessChecker reports whether the application can serve traffic.
type ReadinessChecker interface {
	IsReady() bool
}

// StatusReporter runs the health self-test behind /health/status. report is encoded as JSON;
// healthy selects between 200 and 503.
type StatusReporter interface {
	StatusReport(ctx context.Context) (report any, healthy bool)
}

// Dependencies are the collaborators every proxy needs.
type Dependencies struct {
	Router     *dispatch.Router
	Dispatcher *dispatch.Dispatcher
	Engine     *streaming.Engine
	Hooks      *hooks.Pipeline
	Tokens     *tokens.Estimator
	Health     ReadinessChecker
	Status     StatusReporter
}

// Proxy serves the gateway API.
type Proxy struct {
	deps            Dependencies
	logger          *slog.Logger
	maxRequestBytes int64
	requestTimeout  time.Duration

	handler http.Handler
	server  *http.Server
}

// Compile-time check to ensure Proxy implements http.Handler
var _ http.Handler = (*Proxy)(nil)

// Option configures a Proxy.
type Option func(*Proxy)

// WithLogger sets the logger used for request logs.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Proxy) { p.logger = logger }
}

// WithMaxRequestBytes limits request bodies.
func WithMaxRequestBytes(n int64) Option {
	return func(p *Proxy) { p.maxRequestBytes = n }
}

// WithRequestTimeout bounds the handling of a single API request, streams included.
// Zero disables the limit.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Proxy) { p.requestTimeout = d }
}

// New creates a proxy.
func New(deps Dependencies, opts ...Option) (*Proxy, error) {
	if deps.Router == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("router and dispatcher are required")
	}
	if deps.Engine == nil {
		deps.Engine = streaming.NewEngine(streaming.Options{})
	}
	if deps.Hooks == nil {
		deps.Hooks = hooks.New(hooks.DefaultBudget, hooks.DefaultQueue)
	}
	if deps.Tokens == nil {
		deps.Tokens = tokens.NewEstimator()
	}

	p := &Proxy{
		deps:            deps,
		logger:          slog.Default(),
		maxRequestBytes: DefaultMaxRequestBytes,
		requestTimeout:  DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /health/live", livenessHandler())
	if deps.Health != nil {
		mux.Handle("GET /health/ready", readinessHandler(deps.Health))
	}
	if deps.Status != nil {
		mux.Handle("GET /health/status", statusHandler(deps.Status))
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /", p.serveModels)
	mux.HandleFunc("POST /", p.serveAPI)

	p.handler = applyMiddlewares(mux,
		Recovery,
		middleware.RequestIDGeneration,
		middleware.TraceContextExtraction,
		middleware.Logging(p.logger),
		middleware.RequestIDPropagation,
		RequestSizeLimit(p.maxRequestBytes),
	)
	return p, nil
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.handler.ServeHTTP(w, r)
}

// Start listens on addr and serves in the background. The returned channel receives the
// terminal serve error, or nil after a clean shutdown.
func (p *Proxy) Start(ctx context.Context, addr string) (<-chan error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	p.server = &http.Server{
		Handler:           p,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		slog.InfoContext(ctx, "proxy listening", "addr", ln.Addr().String())
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return errCh, nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (p *Proxy) Shutdown(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	if err := p.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("proxy shutdown: %w", err)
	}
	return nil
}
