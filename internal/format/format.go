// Package format defines the contract every inbound wire format implements: parsing into the
// canonical request, rendering canonical responses and event streams, and rendering errors in
// the format's native envelope.
package format

import (
	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// Codec converts between one wire format and the canonical model. Implementations are stateless.
type Codec interface {
	// Format names the wire format.
	Format() canonical.Format

	// ParseRequest decodes a request body. Every failure is an *apierror.ParseError.
	ParseRequest(body []byte) (canonical.Request, error)

	// RenderRequest encodes a canonical request in this format. It is the inverse of ParseRequest
	// for every directly supported field.
	RenderRequest(req canonical.Request) ([]byte, error)

	// RenderResponse encodes a complete response.
	RenderResponse(resp canonical.Response) ([]byte, error)

	// NewStreamEncoder returns an encoder writing canonical events as SSE frames.
	NewStreamEncoder(w *SSEWriter, opts StreamOptions) StreamEncoder

	// RenderError encodes a problem in the native error envelope.
	RenderError(p apierror.Problem) (status int, body []byte)
}

// StreamOptions carries per-request details the encoders need.
type StreamOptions struct {
	Model        string
	IncludeUsage bool
}

// StreamEncoder writes canonical stream events to the client. Encode must be called with a
// well-formed event sequence; the streaming engine guarantees that.
type StreamEncoder interface {
	Encode(ev canonical.Event) error
	KeepAlive() error
}
