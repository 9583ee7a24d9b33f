package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/dispatch"
	"github.com/florianilch/claudine-gateway/internal/hooks"
	"github.com/florianilch/claudine-gateway/internal/policy"
	"github.com/florianilch/claudine-gateway/internal/provider"
	"github.com/florianilch/claudine-gateway/internal/provider/anthropicclaude"
	"github.com/florianilch/claudine-gateway/internal/provider/openaicompat"
	"github.com/florianilch/claudine-gateway/internal/proxy"
	"github.com/florianilch/claudine-gateway/internal/session"
	"github.com/florianilch/claudine-gateway/internal/streaming"
	"github.com/florianilch/claudine-gateway/internal/tokens"
	"github.com/florianilch/claudine-gateway/internal/tokensource"
)

// App orchestrates the lifecycle of the proxy server and related services.
type App struct {
	cfg      *Config
	sessions *session.Registry
	health   *Health
	proxy    *proxy.Proxy
}

type options struct {
	baseTransport http.RoundTripper
	refresher     credential.Refresher
	stores        map[string]credential.Store
	estimator     *tokens.Estimator
}

// Option configures an App.
type Option func(*options)

// WithBaseTransport sets the transport under every upstream call.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.baseTransport = rt }
}

// WithCredentialStore replaces the configured credential store of a provider.
func WithCredentialStore(provider string, store credential.Store) Option {
	return func(o *options) { o.stores[provider] = store }
}

// WithRefresher replaces the OAuth refresher used for Anthropic providers.
func WithRefresher(r credential.Refresher) Option {
	return func(o *options) { o.refresher = r }
}

// WithEstimator replaces the tiktoken-backed token estimator.
func WithEstimator(e *tokens.Estimator) Option {
	return func(o *options) { o.estimator = e }
}

// defaultCapabilities returns the capabilities a provider kind has unless configured otherwise.
func defaultCapabilities(kind string) policy.Capabilities {
	if kind == policy.KindOpenAI {
		return openaicompat.DefaultCapabilities
	}
	return anthropicclaude.DefaultCapabilities
}

// New wires every component from cfg.
func New(cfg *Config, opts ...Option) (*App, error) {
	o := &options{
		baseTransport: http.DefaultTransport,
		refresher:     tokensource.NewRefresher(tokensource.Endpoint),
		stores:        make(map[string]credential.Store),
		estimator:     tokens.NewEstimator(),
	}
	for _, opt := range opts {
		opt(o)
	}

	registry := provider.NewRegistry()
	broker := credential.NewBroker(credential.WithRefreshMargin(cfg.Auth.RefreshMargin))
	dispatchOpts := []dispatch.Option{dispatch.WithBaseTransport(o.baseTransport)}

	for _, name := range cfg.ProviderNames() {
		pc := cfg.Providers[name]
		caps, err := cfg.Capabilities(name)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}

		var (
			p         provider.Provider
			refresher credential.Refresher
		)
		switch pc.Kind {
		case policy.KindAnthropic:
			p = anthropicclaude.New(anthropicclaude.Config{Name: name, BaseURL: pc.BaseURL, Capabilities: caps})
			refresher = o.refresher
		case policy.KindOpenAI:
			p = openaicompat.New(openaicompat.Config{Name: name, BaseURL: pc.BaseURL, Capabilities: caps})
		default:
			return nil, fmt.Errorf("provider %s: unsupported kind %q", name, pc.Kind)
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}

		store, ok := o.stores[name]
		if !ok {
			if store, err = cfg.NewCredentialStore(name); err != nil {
				return nil, fmt.Errorf("provider %s: %w", name, err)
			}
		}
		broker.Register(name, store, refresher)

		pol, err := cfg.Policy(name)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithPolicy(name, pol))
	}
	if err := registry.SetDefault(cfg.DefaultProvider); err != nil {
		return nil, err
	}

	sessions := session.NewRegistry(session.NewMemoryStore(),
		session.WithInactivityTimeout(cfg.Sessions.InactivityTimeout))
	dispatcher := dispatch.NewDispatcher(registry, broker, sessions, dispatchOpts...)

	observers := []hooks.Observer{hooks.NewLogObserver(slog.Default())}
	if cfg.Hooks.Metrics {
		observers = append(observers, hooks.NewMetricsObserver(proxy.ModelIDs()...))
	}
	if cfg.Hooks.Tracing {
		observers = append(observers, hooks.NewTraceObserver(otel.GetTracerProvider()))
	}

	estimator := o.estimator
	health := NewHealth(registry.Names(), broker, dispatcher)

	proxyServer, err := proxy.New(proxy.Dependencies{
		Router:     dispatch.NewRouter(registry),
		Dispatcher: dispatcher,
		Engine: streaming.NewEngine(streaming.Options{
			Buffer:         cfg.Stream.Buffer,
			KeepAlive:      cfg.Stream.KeepAlive,
			EstimateOutput: estimator.Text,
		}),
		Hooks:  hooks.New(cfg.Hooks.Budget, cfg.Hooks.Queue, observers...),
		Tokens: estimator,
		Health: health,
		Status: health,
	},
		proxy.WithMaxRequestBytes(cfg.Server.MaxRequestBytes),
		proxy.WithRequestTimeout(cfg.Server.RequestTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy: %w", err)
	}

	return &App{
		cfg:      cfg,
		sessions: sessions,
		health:   health,
		proxy:    proxyServer,
	}, nil
}

// Health returns the health state shared with the proxy.
func (a *App) Health() *Health {
	return a.health
}

// Handler returns the HTTP handler of the proxy.
func (a *App) Handler() http.Handler {
	return a.proxy
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting proxy server", "addr", a.cfg.Server.Addr)
	proxyErrCh, err := a.proxy.Start(gCtx, a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("proxy startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.proxy.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-proxyErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "proxy runtime error", "error", err)
				return fmt.Errorf("proxy: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if interval := a.cfg.Sessions.SweepInterval; interval > 0 {
		g.Go(func() error {
			return a.sessions.Sweep(gCtx, interval)
		})
	}

	a.health.SetReady(true)

	runtimeErr := g.Wait()

	a.health.SetReady(false)
	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
