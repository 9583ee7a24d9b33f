// Package provider defines the closed set of upstream backends. Each provider converts canonical
// requests into its native API call and its native responses back into canonical responses or
// event streams. Providers are stateless; per-request authentication and header rewriting live in
// the transport passed to every call.
package provider

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"sync"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/policy"
)

// Kind is the upstream API family of a provider.
type Kind string

const (
	KindAnthropic Kind = policy.KindAnthropic
	KindOpenAI    Kind = policy.KindOpenAI
)

// NativeFormat returns the wire format the provider speaks natively.
func (k Kind) NativeFormat() canonical.Format {
	if k == KindOpenAI {
		return canonical.FormatOpenAI
	}
	return canonical.FormatAnthropic
}

// Scaffolding lists what full mode injects for a provider.
type Scaffolding struct {
	// SystemPrompt is prepended as the first system block when the credential is OAuth-derived.
	SystemPrompt string

	// Headers are set on every full-mode upstream request.
	Headers map[string]string

	// OAuthHeaders are added in full mode when the credential is OAuth-derived.
	OAuthHeaders map[string]string

	// MinimalHeaders are the only headers set in minimal mode.
	MinimalHeaders map[string]string

	// PassthroughHeaders are client headers forwarded verbatim in passthrough mode.
	PassthroughHeaders []string
}

// Provider is an upstream backend.
type Provider interface {
	// Name is the configured provider name, used in URLs and logs.
	Name() string

	// Kind is the API family.
	Kind() Kind

	// Capabilities reports what the backend supports.
	Capabilities() policy.Capabilities

	// Scaffolding reports what full mode injects.
	Scaffolding() Scaffolding

	// Complete issues a non-streaming call.
	Complete(ctx context.Context, req canonical.Request, transport http.RoundTripper) (*canonical.Response, error)

	// Stream issues a streaming call. Errors before the first byte are returned directly;
	// later errors are yielded by the iterator, after which iteration stops.
	Stream(ctx context.Context, req canonical.Request, transport http.RoundTripper) (iter.Seq2[canonical.Event, error], error)

	// Ping checks that the upstream is reachable and accepts the credential.
	Ping(ctx context.Context, transport http.RoundTripper) error
}

// Registry holds the providers composed at startup. It is read-only once serving starts.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	defaultName string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. The first registered provider becomes the default unless
// SetDefault is called.
func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.Name()]; exists {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	r.providers[p.Name()] = p
	if r.defaultName == "" {
		r.defaultName = p.Name()
	}
	return nil
}

// SetDefault selects the provider used when a request does not name one.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("default provider %q is not registered", name)
	}
	r.defaultName = name
	return nil
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, &apierror.NotFoundError{What: fmt.Sprintf("provider %q", name)}
	}
	return p, nil
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	if name == "" {
		return nil, &apierror.NotFoundError{What: "default provider"}
	}
	return r.Get(name)
}

// Has reports whether a provider with this name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
