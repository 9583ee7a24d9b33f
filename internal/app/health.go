package app

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/provider"
	"github.com/florianilch/claudine-gateway/internal/proxy"
)

// DefaultPingTimeout bounds the upstream reachability check of one provider.
const DefaultPingTimeout = 5 * time.Second

// TokenSource yields valid provider tokens.
type TokenSource interface {
	ValidToken(ctx context.Context, provider string) (credential.Token, error)
}

// Prober hands out a provider with an authenticated transport.
type Prober interface {
	Probe(ctx context.Context, name string) (provider.Provider, http.RoundTripper, error)
}

// ProviderStatus is the self-test result of one provider.
type ProviderStatus struct {
	Name            string `json:"name"`
	Kind            string `json:"kind,omitempty"`
	CredentialValid bool   `json:"credential_valid"`
	CredentialError string `json:"credential_error,omitempty"`
	NeedsLogin      bool   `json:"needs_login,omitempty"`
	Reachable       bool   `json:"reachable"`
	ReachError      string `json:"reach_error,omitempty"`
	LatencyMillis   int64  `json:"latency_ms,omitempty"`
}

// Healthy reports whether the provider passed both checks.
func (s ProviderStatus) Healthy() bool {
	return s.CredentialValid && s.Reachable
}

// Report is the outcome of a self-test.
type Report struct {
	Ready     bool             `json:"ready"`
	Providers []ProviderStatus `json:"providers"`
}

// Healthy reports whether every provider passed.
func (r Report) Healthy() bool {
	for _, p := range r.Providers {
		if !p.Healthy() {
			return false
		}
	}
	return len(r.Providers) > 0
}

// Health manages the application's health status for health check endpoints.
// All methods are thread-safe.
type Health struct {
	ready atomic.Bool

	providers   []string
	tokens      TokenSource
	prober      Prober
	pingTimeout time.Duration
}

// Compile-time check that Health implements the proxy health interfaces
var (
	_ proxy.ReadinessChecker = (*Health)(nil)
	_ proxy.StatusReporter   = (*Health)(nil)
)

// NewHealth creates a new Health instance initialized as not ready.
func NewHealth(providers []string, tokens TokenSource, prober Prober) *Health {
	return &Health{
		providers:   providers,
		tokens:      tokens,
		prober:      prober,
		pingTimeout: DefaultPingTimeout,
	}
}

// SetReady updates the application's readiness state.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady returns the current readiness state of the application.
func (h *Health) IsReady() bool {
	return h.ready.Load()
}

// SelfTest checks every provider concurrently: the credential must yield a valid token and the
// upstream must answer a ping within the ping timeout.
func (h *Health) SelfTest(ctx context.Context) Report {
	report := Report{Ready: h.IsReady(), Providers: make([]ProviderStatus, len(h.providers))}

	g, gCtx := errgroup.WithContext(ctx)
	for i, name := range h.providers {
		g.Go(func() error {
			report.Providers[i] = h.check(gCtx, name)
			return nil
		})
	}
	_ = g.Wait()

	return report
}

// StatusReport implements proxy.StatusReporter.
func (h *Health) StatusReport(ctx context.Context) (any, bool) {
	report := h.SelfTest(ctx)
	return report, report.Healthy()
}

func (h *Health) check(ctx context.Context, name string) ProviderStatus {
	status := ProviderStatus{Name: name}

	if _, err := h.tokens.ValidToken(ctx, name); err != nil {
		status.CredentialError = apierror.Redact(err.Error())
		status.NeedsLogin = apierror.IsNeedsLogin(err)
		return status
	}
	status.CredentialValid = true

	p, transport, err := h.prober.Probe(ctx, name)
	if err != nil {
		status.ReachError = apierror.Redact(err.Error())
		return status
	}
	status.Kind = string(p.Kind())

	pingCtx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()

	start := time.Now()
	if err := p.Ping(pingCtx, transport); err != nil {
		status.ReachError = apierror.Redact(err.Error())
		return status
	}
	status.Reachable = true
	status.LatencyMillis = time.Since(start).Milliseconds()
	return status
}
