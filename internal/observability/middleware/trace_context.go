package middleware

import (
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TraceContextExtraction joins the caller's trace: W3C traceparent/tracestate and baggage are
// extracted into the request context without starting a span. The TraceObserver parents its
// request span on that context, and logs pick up trace_id/span_id from it.
func TraceContextExtraction(next http.Handler) http.Handler {
	return TraceContextExtractionWith(nil)(next)
}

// TraceContextExtractionWith uses p instead of the global propagator.
func TraceContextExtractionWith(p propagation.TextMapPropagator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			propagator := p
			if propagator == nil {
				propagator = otel.GetTextMapPropagator()
			}
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
				SetLogAttrs(ctx,
					slog.String("trace_id", sc.TraceID().String()),
					slog.String("span_id", sc.SpanID().String()),
					slog.Bool("trace_sampled", sc.IsSampled()),
				)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
