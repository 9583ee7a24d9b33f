package anthropicclaude

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"net/http"
	"slices"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/policy"
	"github.com/florianilch/claudine-gateway/internal/provider"
)

// DefaultBaseURL is the Anthropic API root.
const DefaultBaseURL = "https://api.anthropic.com"

// Version is the anthropic-version header value sent upstream.
const Version = "2023-06-01"

// SystemPrompt is required as the first system block for requests authenticated with
// Claude subscription OAuth tokens.
const SystemPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// OAuthBeta lists the beta flags OAuth-authenticated requests must carry.
const OAuthBeta = "oauth-2025-04-20,claude-code-20250219,interleaved-thinking-2025-05-14,fine-grained-tool-streaming-2025-05-14"

// userAgent identifies requests in full mode.
const userAgent = "claude-cli/2.0.0 (external, cli)"

// Config configures a provider instance.
type Config struct {
	Name         string
	BaseURL      string
	Capabilities policy.Capabilities
}

// DefaultCapabilities is what the Messages API supports.
var DefaultCapabilities = policy.Capabilities{Streaming: true, Tools: true, Vision: true, Thinking: true}

// Provider calls the Anthropic Messages API.
type Provider struct {
	name    string
	baseURL string
	caps    policy.Capabilities
}

// Compile-time check to ensure Provider implements provider.Provider
var _ provider.Provider = (*Provider)(nil)

// New creates an Anthropic provider.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "anthropic"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	return &Provider{name: cfg.Name, baseURL: cfg.BaseURL, caps: cfg.Capabilities}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return p.name }

// Kind implements provider.Provider.
func (p *Provider) Kind() provider.Kind { return provider.KindAnthropic }

// Capabilities implements provider.Provider.
func (p *Provider) Capabilities() policy.Capabilities { return p.caps }

// Scaffolding implements provider.Provider.
func (p *Provider) Scaffolding() provider.Scaffolding {
	return provider.Scaffolding{
		SystemPrompt: SystemPrompt,
		Headers: map[string]string{
			"anthropic-version": Version,
			"user-agent":        userAgent,
		},
		OAuthHeaders: map[string]string{
			"anthropic-beta": OAuthBeta,
			"x-app":          "cli",
		},
		MinimalHeaders: map[string]string{
			"anthropic-version": Version,
		},
		PassthroughHeaders: []string{"anthropic-beta", "anthropic-version"},
	}
}

// Complete implements provider.Provider.
func (p *Provider) Complete(ctx context.Context, req canonical.Request, transport http.RoundTripper) (*canonical.Response, error) {
	client, params, opts, err := p.prepare(req, transport)
	if err != nil {
		return nil, err
	}

	msg, err := client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toUpstreamError(p.name, err)
	}
	return toResponse(ctx, msg), nil
}

// Stream implements provider.Provider. The first event is read before returning so that
// failures of the initial HTTP exchange are reported as errors, not as stream events.
func (p *Provider) Stream(ctx context.Context, req canonical.Request, transport http.RoundTripper) (iter.Seq2[canonical.Event, error], error) {
	client, params, opts, err := p.prepare(req, transport)
	if err != nil {
		return nil, err
	}

	stream := client.Messages.NewStreaming(ctx, params, opts...)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = fmt.Errorf("upstream closed the stream before sending any event")
		}
		return nil, toUpstreamError(p.name, err)
	}

	return func(yield func(canonical.Event, error) bool) {
		defer func() { _ = stream.Close() }()

		state := newStreamState()
		for {
			for _, ev := range state.translate(stream.Current()) {
				if !yield(ev, nil) {
					return
				}
			}
			if state.done || !stream.Next() {
				break
			}
		}

		if err := stream.Err(); err != nil && !state.done {
			yield(canonical.Event{}, toUpstreamError(p.name, err))
		}
	}, nil
}

// Ping implements provider.Provider by listing one model.
func (p *Provider) Ping(ctx context.Context, transport http.RoundTripper) error {
	client, err := newClient(p.baseURL, transport)
	if err != nil {
		return err
	}
	if _, err := client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return toUpstreamError(p.name, err)
	}
	return nil
}

func (p *Provider) prepare(req canonical.Request, transport http.RoundTripper) (*anthropic.Client, anthropic.MessageNewParams, []option.RequestOption, error) {
	client, err := newClient(p.baseURL, transport)
	if err != nil {
		return nil, anthropic.MessageNewParams{}, nil, err
	}
	params, err := fromRequest(req)
	if err != nil {
		return nil, anthropic.MessageNewParams{}, nil, fmt.Errorf("build anthropic request: %w", err)
	}

	// Extension fields are set on the JSON body as-is, in a stable order.
	var opts []option.RequestOption
	for _, key := range slices.Sorted(maps.Keys(req.Extensions)) {
		opts = append(opts, option.WithJSONSet(key, req.Extensions[key]))
	}
	return client, params, opts, nil
}

// fromRequest converts a canonical request to MessageNewParams. Sampling parameters are only
// set when their tier allows forwarding.
func fromRequest(req canonical.Request) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: req.MaxTokens,
	}

	if len(req.Messages) > 0 && req.Messages[0].Role == canonical.RoleSystem {
		params.System = fromSystemMessage(req.Messages[0])
	}

	messages, err := fromMessages(req.Conversation())
	if err != nil {
		return params, err
	}
	params.Messages = messages

	s := req.Sampling
	if s.Temperature.Forward() {
		params.Temperature = anthropic.Float(s.Temperature.Value)
	}
	if s.TopP.Forward() {
		params.TopP = anthropic.Float(s.TopP.Value)
	}
	if s.TopK.Forward() {
		params.TopK = anthropic.Int(s.TopK.Value)
	}
	if s.StopSequences.Forward() {
		params.StopSequences = s.StopSequences.Value
	}

	tools, err := fromTools(req.Tools)
	if err != nil {
		return params, err
	}
	params.Tools = tools
	if choice, ok := fromToolChoice(req.ToolChoice); ok {
		params.ToolChoice = choice
	}

	if thinking, ok := fromThinking(req.Thinking); ok {
		params.Thinking = thinking
	}

	if req.Metadata.UserID != "" {
		params.Metadata = anthropic.MetadataParam{UserID: anthropic.String(req.Metadata.UserID)}
	}

	return params, nil
}
