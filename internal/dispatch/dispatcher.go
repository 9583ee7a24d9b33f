package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/credential"
	"github.com/florianilch/claudine-gateway/internal/policy"
	"github.com/florianilch/claudine-gateway/internal/provider"
	"github.com/florianilch/claudine-gateway/internal/session"
	"github.com/florianilch/claudine-gateway/internal/upstream"
)

// clientAuthHeaders never reach an upstream; the transport chain applies the credential.
var clientAuthHeaders = []string{"Authorization", "x-api-key"}

// Credentials resolves configured provider credentials.
type Credentials interface {
	// Kind reports the credential kind without refreshing or contacting the network.
	Kind(ctx context.Context, provider string) (credential.Kind, error)
	// ValidToken returns a usable token, refreshing it when needed.
	ValidToken(ctx context.Context, provider string) (credential.Token, error)
}

// Sessions hands out provider sessions.
type Sessions interface {
	Acquire(ctx context.Context, key string) (session.Session, error)
}

// Policy is the configured request policy of one provider.
type Policy struct {
	Params       policy.ParamTable
	Capabilities policy.CapabilityPolicy
}

// Plan is everything needed to perform one upstream call. It is built before any upstream I/O.
type Plan struct {
	Route    Route
	Provider provider.Provider
	Mode     Mode

	// Request is the canonical request after policy, downgrades and mode transforms.
	Request canonical.Request
	// ClientStream reports whether the client asked for a stream, even if streaming was stripped.
	ClientStream bool

	Transport      http.RoundTripper
	CredentialKind credential.Kind

	// Ignored lists the client fields that will not reach the provider.
	Ignored    []string
	Downgrades []policy.Change
	Session    session.Session
}

// Replay reports whether a streamed response must be replayed from a non-streaming call.
func (p *Plan) Replay() bool {
	return p.ClientStream && policy.Stripped(p.Downgrades, policy.CapabilityStreaming)
}

// Dispatcher prepares upstream calls.
type Dispatcher struct {
	providers   *provider.Registry
	credentials Credentials
	sessions    Sessions
	policies    map[string]Policy
	base        http.RoundTripper
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithBaseTransport sets the transport at the bottom of every chain.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(d *Dispatcher) { d.base = rt }
}

// WithPolicy sets the request policy of a provider. Providers without one use the defaults of
// their kind and strip every unsupported capability.
func WithPolicy(provider string, p Policy) Option {
	return func(d *Dispatcher) { d.policies[provider] = p }
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(providers *provider.Registry, credentials Credentials, sessions Sessions, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		providers:   providers,
		credentials: credentials,
		sessions:    sessions,
		policies:    make(map[string]Policy),
		base:        http.DefaultTransport,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Prepare resolves route and req into a Plan. inbound are the client's request headers.
func (d *Dispatcher) Prepare(ctx context.Context, route Route, req canonical.Request, inbound http.Header) (*Plan, error) {
	p, err := d.providers.Get(route.Provider)
	if err != nil {
		return nil, err
	}

	kind, token, err := d.credential(ctx, route, p, inbound)
	if err != nil {
		return nil, err
	}

	pol, ok := d.policies[p.Name()]
	if !ok {
		pol = Policy{Params: policy.DefaultParams(string(p.Kind()))}
	}
	resolved, resolution, err := policy.Resolve(req, p.Name(), pol.Params)
	if err != nil {
		return nil, err
	}
	downgraded, changes, err := policy.Downgrade(resolved, p.Name(), p.Capabilities(), pol.Capabilities)
	if err != nil {
		return nil, err
	}

	sess, err := d.sessions.Acquire(ctx, session.KeyFrom(inbound, req.Metadata.UserID))
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}

	out, set, del := d.shape(route.Mode, p, kind, downgraded, sess, inbound)

	ignored := resolution.Ignored
	if route.Format() != p.Kind().NativeFormat() {
		var dropped []string
		out, dropped = out.WithoutExtensions()
		ignored = append(ignored, dropped...)
	}

	if len(changes) > 0 {
		slog.DebugContext(ctx, "request downgraded", "provider", p.Name(), "changes", changes)
	}

	return &Plan{
		Route:          route,
		Provider:       p,
		Mode:           route.Mode,
		Request:        out,
		ClientStream:   req.Stream,
		Transport:      d.transport(p, token, set, del),
		CredentialKind: kind,
		Ignored:        ignored,
		Downgrades:     changes,
		Session:        sess,
	}, nil
}

// Probe returns the named provider with a full-mode transport carrying its configured
// credential. Health checks use it to reach providers outside of a client request.
func (d *Dispatcher) Probe(ctx context.Context, name string) (provider.Provider, http.RoundTripper, error) {
	p, err := d.providers.Get(name)
	if err != nil {
		return nil, nil, err
	}
	kind, token, err := d.credential(ctx, Route{Mode: ModeFull, Provider: name}, p, http.Header{})
	if err != nil {
		return nil, nil, err
	}
	_, set, del := d.shape(ModeFull, p, kind, canonical.Request{}, session.Session{}, http.Header{})
	return p, d.transport(p, token, set, del), nil
}

// transport builds the upstream chain: headers over auth over decompression over the base.
func (d *Dispatcher) transport(p provider.Provider, token upstream.TokenFunc, set map[string]string, del []string) http.RoundTripper {
	var rt http.RoundTripper = upstream.Decompress(d.base)
	rt = upstream.Auth(rt, token, p.Kind())
	return upstream.Headers(rt, set, del)
}

// credential picks the credential for the route. In minimal and passthrough modes a
// client-supplied key wins over the configured one. OAuth credentials are refused there,
// decided on the kind alone so no refresh or network call happens.
func (d *Dispatcher) credential(ctx context.Context, route Route, p provider.Provider, inbound http.Header) (credential.Kind, upstream.TokenFunc, error) {
	if route.Mode != ModeFull {
		if key := clientKey(inbound); key != "" {
			kind := credential.KindOf(key)
			if kind == credential.KindOAuth {
				return "", nil, &apierror.CredentialModeError{Mode: route.Mode.Name()}
			}
			tok := credential.Token{Value: key, Kind: kind}
			return kind, func(context.Context) (credential.Token, error) { return tok, nil }, nil
		}
	}

	kind, err := d.credentials.Kind(ctx, p.Name())
	if err != nil {
		return "", nil, err
	}
	if route.Mode != ModeFull && kind == credential.KindOAuth {
		return "", nil, &apierror.CredentialModeError{Mode: route.Mode.Name()}
	}
	name := p.Name()
	return kind, func(ctx context.Context) (credential.Token, error) {
		return d.credentials.ValidToken(ctx, name)
	}, nil
}

// shape applies the mode transforms and returns the headers to set and delete upstream.
func (d *Dispatcher) shape(mode Mode, p provider.Provider, kind credential.Kind, req canonical.Request, sess session.Session, inbound http.Header) (canonical.Request, map[string]string, []string) {
	scaffold := p.Scaffolding()
	set := make(map[string]string)
	del := append([]string(nil), clientAuthHeaders...)

	switch mode {
	case ModeFull:
		for k, v := range scaffold.Headers {
			set[k] = v
		}
		if kind == credential.KindOAuth {
			for k, v := range scaffold.OAuthHeaders {
				set[k] = v
			}
			if scaffold.SystemPrompt != "" && !strings.HasPrefix(req.System(), scaffold.SystemPrompt) {
				req = req.WithSystemPrefix(scaffold.SystemPrompt)
			}
			req = req.WithUserID(sess.UpstreamID)
		}
	case ModeMinimal:
		for k, v := range scaffold.MinimalHeaders {
			set[k] = v
		}
		for name := range scaffold.OAuthHeaders {
			if _, ok := set[name]; !ok {
				del = append(del, name)
			}
		}
	case ModePassthrough:
		for _, name := range scaffold.PassthroughHeaders {
			if v := inbound.Get(name); v != "" {
				set[name] = v
			}
		}
	}
	return req, set, del
}

// clientKey extracts a client-supplied credential from x-api-key or a bearer token.
func clientKey(h http.Header) string {
	if key := strings.TrimSpace(h.Get("x-api-key")); key != "" {
		return key
	}
	if auth := h.Get("Authorization"); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
