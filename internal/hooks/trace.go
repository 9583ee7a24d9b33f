package hooks

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

const tracerName = "github.com/florianilch/claudine-gateway/internal/hooks"

// Span attribute keys.
const (
	attrRequestID    = "claudine.request_id"
	attrProvider     = "claudine.provider"
	attrMode         = "claudine.mode"
	attrEndpoint     = "claudine.endpoint"
	attrModel        = "claudine.model"
	attrStream       = "claudine.stream"
	attrCredential   = "claudine.credential"
	attrFinish       = "claudine.finish_reason"
	attrInputTokens  = "claudine.tokens.input"
	attrOutputTokens = "claudine.tokens.output"
)

// TraceObserver records a claudine.request span per request, with a child span covering the
// upstream call. Spans are keyed by run, so requests sharing a client request id stay apart.
type TraceObserver struct {
	Base
	tracer trace.Tracer

	// mu guards spans and the dispatch span of each entry.
	mu    sync.Mutex
	spans map[string]*requestSpans
}

type requestSpans struct {
	ctx      context.Context
	request  trace.Span
	dispatch trace.Span
}

// Compile-time check to ensure TraceObserver implements Observer
var _ Observer = (*TraceObserver)(nil)

// NewTraceObserver creates a trace observer. A nil provider uses the global tracer provider.
func NewTraceObserver(tp trace.TracerProvider) *TraceObserver {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TraceObserver{tracer: tp.Tracer(tracerName), spans: make(map[string]*requestSpans)}
}

func (t *TraceObserver) Name() string { return "trace" }

func (t *TraceObserver) OnRequest(ctx context.Context, s RequestSnapshot) error {
	ctx, span := t.tracer.Start(ctx, "claudine.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithTimestamp(s.Started),
		trace.WithAttributes(
			attribute.String(attrRequestID, s.RequestID),
			attribute.String(attrProvider, s.Provider),
			attribute.String(attrMode, s.Mode),
			attribute.String(attrEndpoint, s.Endpoint),
			attribute.String(attrModel, s.Request.Model),
			attribute.Bool(attrStream, s.Request.Stream),
		),
	)
	t.mu.Lock()
	t.spans[s.RunID] = &requestSpans{ctx: ctx, request: span}
	t.mu.Unlock()
	return nil
}

func (t *TraceObserver) OnUpstreamDispatch(_ context.Context, s DispatchSnapshot) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	// The request span may already have ended when this call overran its budget.
	rs := t.spans[s.RunID]
	if rs == nil || rs.dispatch != nil {
		return nil
	}
	_, rs.dispatch = t.tracer.Start(rs.ctx, "claudine.upstream_dispatch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(attrProvider, s.Provider),
			attribute.String(attrCredential, s.CredentialKind),
			attribute.StringSlice("claudine.ignored", s.Ignored),
			attribute.StringSlice("claudine.downgrades", s.Downgrades),
		),
	)
	return nil
}

func (t *TraceObserver) OnStreamEvent(_ context.Context, s EventSnapshot) error {
	if s.Event.Kind == canonical.EventContentDelta {
		return nil
	}
	if rs := t.lookup(s.RunID); rs != nil {
		rs.request.AddEvent(string(s.Event.Kind), trace.WithAttributes(attribute.Int("claudine.index", s.Event.Index)))
	}
	return nil
}

func (t *TraceObserver) OnComplete(_ context.Context, s CompletionSnapshot) error {
	rs, dispatch := t.take(s.RunID)
	if rs == nil {
		return nil
	}
	rs.request.SetAttributes(
		attribute.String(attrModel, s.Model),
		attribute.String(attrFinish, string(s.Finish)),
		attribute.Int64(attrInputTokens, s.Usage.InputTokens),
		attribute.Int64(attrOutputTokens, s.Usage.OutputTokens),
	)
	if s.StreamErr != nil {
		rs.request.SetStatus(codes.Error, s.StreamErr.Message)
	}
	rs.end(dispatch)
	return nil
}

func (t *TraceObserver) OnError(_ context.Context, s ErrorSnapshot) error {
	rs, dispatch := t.take(s.RunID)
	if rs == nil {
		return nil
	}
	rs.request.SetAttributes(attribute.String("claudine.error.kind", s.Kind), attribute.Int("http.response.status_code", s.Status))
	rs.request.SetStatus(codes.Error, s.Message)
	rs.end(dispatch)
	return nil
}

func (t *TraceObserver) lookup(id string) *requestSpans {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spans[id]
}

// take removes the run's spans. The dispatch span is read under the lock since a dispatch
// call that overran its budget may still be setting it.
func (t *TraceObserver) take(id string) (*requestSpans, trace.Span) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.spans[id]
	if rs == nil {
		return nil, nil
	}
	delete(t.spans, id)
	return rs, rs.dispatch
}

func (rs *requestSpans) end(dispatch trace.Span) {
	if dispatch != nil {
		dispatch.End()
	}
	rs.request.End()
}
