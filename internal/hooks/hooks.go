// Package hooks runs observers alongside request processing. Observers see immutable
// snapshots of each request's lifecycle on a dedicated goroutine per request, so a slow or
// failing observer can never block, reorder or alter the response stream.
package hooks

import (
	"context"
	"time"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// Info identifies the request a snapshot belongs to.
type Info struct {
	// RunID is unique per run; RequestID may come from the client and repeat.
	RunID     string
	RequestID string
	Provider  string
	Mode      string
	Endpoint  string
	Model     string
	Stream    bool
	Started   time.Time
}

// RequestSnapshot is taken once the inbound request is parsed.
type RequestSnapshot struct {
	Info
	Request canonical.Request
}

// DispatchSnapshot is taken right before the upstream call.
type DispatchSnapshot struct {
	Info
	CredentialKind string
	SessionID      string
	Ignored        []string
	Downgrades     []string
}

// EventSnapshot carries one stream event as written to the client.
type EventSnapshot struct {
	Info
	Event canonical.Event
}

// CompletionSnapshot is taken when the response has been fully written.
type CompletionSnapshot struct {
	Info
	Duration   time.Duration
	Usage      canonical.Usage
	Finish     canonical.FinishReason
	Events     int
	Anomalies  []string
	ClientGone bool

	// StreamErr is set when a stream ended with an error event.
	StreamErr *canonical.StreamError
}

// ErrorSnapshot is taken when the request failed before a response could be written.
type ErrorSnapshot struct {
	Info
	Duration time.Duration
	Kind     string
	Status   int
	Message  string
}

// Observer receives lifecycle callbacks. Calls for one request are started in order, but a
// call that overruns its budget keeps running while the next one starts, so per-request state
// shared between callbacks must be synchronized. Returned errors and panics are recorded as
// anomalies and otherwise ignored.
type Observer interface {
	Name() string
	OnRequest(ctx context.Context, s RequestSnapshot) error
	OnUpstreamDispatch(ctx context.Context, s DispatchSnapshot) error
	OnStreamEvent(ctx context.Context, s EventSnapshot) error
	OnComplete(ctx context.Context, s CompletionSnapshot) error
	OnError(ctx context.Context, s ErrorSnapshot) error
}

// Base implements every Observer callback as a no-op. Embed it and override what is needed.
type Base struct{}

func (Base) OnRequest(context.Context, RequestSnapshot) error          { return nil }
func (Base) OnUpstreamDispatch(context.Context, DispatchSnapshot) error { return nil }
func (Base) OnStreamEvent(context.Context, EventSnapshot) error         { return nil }
func (Base) OnComplete(context.Context, CompletionSnapshot) error       { return nil }
func (Base) OnError(context.Context, ErrorSnapshot) error               { return nil }
