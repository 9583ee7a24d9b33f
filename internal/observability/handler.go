package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/florianilch/claudine-gateway/internal/observability/middleware"
)

// correlationHandler adds the ids needed to join a log line with its request and trace:
// request_id from the request context and trace_id/span_id from the active span context.
// Records that already carry request_id keep theirs.
type correlationHandler struct {
	handler slog.Handler
	// hasRequestID is set once WithAttrs bound a request_id.
	hasRequestID bool
}

func newCorrelationHandler(handler slog.Handler) *correlationHandler {
	return &correlationHandler{handler: handler}
}

func (h *correlationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *correlationHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.hasRequestID && !recordHas(record, "request_id") {
		if id := middleware.RequestID(ctx); id != "" {
			record.AddAttrs(slog.String("request_id", id))
		}
	}

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		record.AddAttrs(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}

	return h.handler.Handle(ctx, record)
}

func (h *correlationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	has := h.hasRequestID
	for _, a := range attrs {
		if a.Key == "request_id" {
			has = true
		}
	}
	return &correlationHandler{handler: h.handler.WithAttrs(attrs), hasRequestID: has}
}

func (h *correlationHandler) WithGroup(name string) slog.Handler {
	return &correlationHandler{handler: h.handler.WithGroup(name), hasRequestID: h.hasRequestID}
}

func recordHas(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}
