package proxy

import (
	_ "embed"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/dispatch"
)

//go:embed models.json
var modelsJSON []byte

// ModelIDs lists the ids of the served models.
func ModelIDs() []string {
	var ids []string
	for _, id := range gjson.GetBytes(modelsJSON, "data.#.id").Array() {
		ids = append(ids, id.String())
	}
	return ids
}

// serveModels handles every GET that is not a health or metrics probe. Only the models
// endpoint exists; it returns a static list of Anthropic models for every provider and mode.
// The upstream /v1/models endpoint doesn't support OAuth authentication, so clients get a
// cached response to enable model selection.
//
// The response uses a merged format compatible with both Anthropic and OpenAI clients,
// combining fields from both API specifications. This approach assumes that most clients
// ignore unknown fields.
func (p *Proxy) serveModels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	route, err := p.deps.Router.Resolve(r.URL.Path)
	if err == nil && route.Endpoint != dispatch.EndpointModels {
		err = &apierror.NotFoundError{What: "GET " + r.URL.Path}
	}
	if err != nil {
		p.fail(ctx, &exchange{w: w, codec: guessCodec(r.URL.Path)}, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=3600")
	if _, err := w.Write(modelsJSON); err != nil {
		slog.ErrorContext(ctx, "failed to write response", "error", err)
	}
}
