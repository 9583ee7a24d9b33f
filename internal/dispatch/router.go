// Package dispatch maps an inbound request onto a provider call: it resolves the URL prefix
// into a mode and provider, enforces the credential rules of each mode, applies the provider's
// parameter and capability policy, and assembles the upstream transport chain.
package dispatch

import (
	"fmt"
	"strings"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/provider"
)

// Mode controls how much the proxy shapes a request before it reaches the provider.
type Mode string

const (
	// ModeFull injects the provider's scaffolding and uses the configured credential.
	ModeFull Mode = "full"
	// ModeMinimal only sets the headers the upstream protocol requires.
	ModeMinimal Mode = "min"
	// ModePassthrough forwards the client's protocol headers unchanged.
	ModePassthrough Mode = "pt"
)

// Name is the human readable mode name.
func (m Mode) Name() string {
	switch m {
	case ModeMinimal:
		return "minimal"
	case ModePassthrough:
		return "passthrough"
	default:
		return "full"
	}
}

func parseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeFull, ModeMinimal, ModePassthrough:
		return Mode(s), true
	}
	return "", false
}

// Endpoint is the API operation addressed after the /v1 segment.
type Endpoint string

const (
	EndpointMessages        Endpoint = "messages"
	EndpointCountTokens     Endpoint = "messages/count_tokens"
	EndpointChatCompletions Endpoint = "chat/completions"
	EndpointModels          Endpoint = "models"
)

// Format is the wire format the endpoint speaks. Models has none.
func (e Endpoint) Format() canonical.Format {
	switch e {
	case EndpointMessages, EndpointCountTokens:
		return canonical.FormatAnthropic
	case EndpointChatCompletions:
		return canonical.FormatOpenAI
	}
	return ""
}

// Route is a resolved request path.
type Route struct {
	Mode     Mode
	Provider string
	Endpoint Endpoint
}

// Format is the inbound wire format of the route.
func (r Route) Format() canonical.Format { return r.Endpoint.Format() }

// Router resolves paths of the form [/{mode}][/{provider}]/v1/{endpoint}.
type Router struct {
	providers *provider.Registry
}

// NewRouter creates a router over the registered providers.
func NewRouter(providers *provider.Registry) *Router {
	return &Router{providers: providers}
}

// Resolve parses a request path. Unknown modes, providers and endpoints are not found errors.
func (rt *Router) Resolve(path string) (Route, error) {
	segments := strings.Split(strings.Trim(path, "/"), "/")

	v1 := -1
	for i, s := range segments {
		if s == "v1" {
			v1 = i
			break
		}
	}
	if v1 < 0 || v1 > 2 {
		return Route{}, &apierror.NotFoundError{What: fmt.Sprintf("route %q", path)}
	}

	route := Route{Mode: ModeFull}
	prefix := segments[:v1]
	if len(prefix) > 0 {
		if mode, ok := parseMode(prefix[0]); ok {
			route.Mode = mode
			prefix = prefix[1:]
		}
	}
	switch len(prefix) {
	case 0:
		def, err := rt.providers.Default()
		if err != nil {
			return Route{}, err
		}
		route.Provider = def.Name()
	case 1:
		if !rt.providers.Has(prefix[0]) {
			return Route{}, &apierror.NotFoundError{What: fmt.Sprintf("provider %q", prefix[0])}
		}
		route.Provider = prefix[0]
	default:
		return Route{}, &apierror.NotFoundError{What: fmt.Sprintf("route %q", path)}
	}

	switch endpoint := Endpoint(strings.Join(segments[v1+1:], "/")); endpoint {
	case EndpointMessages, EndpointCountTokens, EndpointChatCompletions, EndpointModels:
		route.Endpoint = endpoint
	default:
		return Route{}, &apierror.NotFoundError{What: fmt.Sprintf("endpoint %q", endpoint)}
	}
	return route, nil
}
