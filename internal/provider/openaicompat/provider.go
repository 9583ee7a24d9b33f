// Package openaicompat is the provider for OpenAI Chat Completions compatible upstreams.
// Request bodies are rendered by the openaichat codec and posted through the openai-go client,
// whose typed responses and SSE decoder are mapped back into the canonical model.
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/ssestream"

	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format/openaichat"
	"github.com/florianilch/claudine-gateway/internal/policy"
	"github.com/florianilch/claudine-gateway/internal/provider"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

const completionsPath = "chat/completions"

// Config configures a provider instance.
type Config struct {
	Name         string
	BaseURL      string
	Capabilities policy.Capabilities
}

// DefaultCapabilities assumes a fully featured upstream; configuration narrows it.
var DefaultCapabilities = policy.Capabilities{Streaming: true, Tools: true, Vision: true, Thinking: false}

// Provider calls a Chat Completions endpoint.
type Provider struct {
	name    string
	baseURL string
	caps    policy.Capabilities
	codec   openaichat.Codec
}

// Compile-time check to ensure Provider implements provider.Provider
var _ provider.Provider = (*Provider)(nil)

// New creates an OpenAI-compatible provider.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Provider{name: cfg.Name, baseURL: cfg.BaseURL, caps: cfg.Capabilities}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Kind implements provider.Provider.
func (p *Provider) Kind() provider.Kind { return provider.KindOpenAI }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() policy.Capabilities { return p.caps }

// Scaffolding implements provider.Provider. OpenAI-compatible upstreams need no prompt
// injection; passthrough keeps the organization and project routing headers.
func (p *Provider) Scaffolding() provider.Scaffolding {
	return provider.Scaffolding{
		PassthroughHeaders: []string{"openai-organization", "openai-project"},
	}
}

func (p *Provider) newClient(transport http.RoundTripper) (*openai.Client, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	client := openai.NewClient(
		option.WithHTTPClient(&http.Client{Transport: transport}),
		option.WithBaseURL(p.baseURL),
		option.WithRequestTimeout(1*time.Hour),
		option.WithMaxRetries(0),
	)
	return &client, nil
}

// Complete implements provider.Provider.
func (p *Provider) Complete(ctx context.Context, req canonical.Request, transport http.RoundTripper) (*canonical.Response, error) {
	client, err := p.newClient(transport)
	if err != nil {
		return nil, err
	}
	body, err := p.codec.RenderRequest(req.WithStream(false))
	if err != nil {
		return nil, fmt.Errorf("build chat completions request: %w", err)
	}

	var completion openai.ChatCompletion
	if err := client.Post(ctx, completionsPath, json.RawMessage(body), &completion); err != nil {
		return nil, toUpstreamError(p.name, err)
	}
	return toResponse(&completion), nil
}

// Stream implements provider.Provider. Usage reporting is always requested upstream; whether
// the client sees a usage chunk is decided by its own encoder.
func (p *Provider) Stream(ctx context.Context, req canonical.Request, transport http.RoundTripper) (iter.Seq2[canonical.Event, error], error) {
	client, err := p.newClient(transport)
	if err != nil {
		return nil, err
	}
	upstreamReq := req.WithStream(true)
	upstreamReq.IncludeUsage = true
	body, err := p.codec.RenderRequest(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("build chat completions request: %w", err)
	}

	var raw *http.Response
	if err := client.Post(ctx, completionsPath, json.RawMessage(body), &raw); err != nil {
		return nil, toUpstreamError(p.name, err)
	}
	stream := ssestream.NewStream[openai.ChatCompletionChunk](ssestream.NewDecoder(raw), nil)

	return func(yield func(canonical.Event, error) bool) {
		defer func() { _ = stream.Close() }()

		state := newStreamState()
		for stream.Next() {
			for _, ev := range state.translate(ctx, stream.Current()) {
				if !yield(ev, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield(canonical.Event{}, toUpstreamError(p.name, err))
			return
		}
		for _, ev := range state.end() {
			if !yield(ev, nil) {
				return
			}
		}
	}, nil
}

// Ping implements provider.Provider by listing models.
func (p *Provider) Ping(ctx context.Context, transport http.RoundTripper) error {
	client, err := p.newClient(transport)
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx); err != nil {
		return toUpstreamError(p.name, err)
	}
	return nil
}
