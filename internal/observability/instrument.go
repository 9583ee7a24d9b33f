package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// Log exporters.
const (
	ExporterNone     = "none"
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// instrumentationName identifies log records exported through OpenTelemetry.
const instrumentationName = "github.com/florianilch/claudine-gateway"

// Options configures Instrument.
type Options struct {
	Level  slog.Level
	Format string
	// Exporter additionally ships logs through an OpenTelemetry log pipeline. OTLP endpoints
	// are configured through the standard OTEL_EXPORTER_OTLP_* environment variables.
	Exporter string
}

// Instrument installs the default slog logger and the W3C trace context propagator. The
// returned function flushes and stops the log export pipeline, if any.
func Instrument(ctx context.Context, opts Options) (func(context.Context) error, error) {
	handler, err := newStdoutHandler(opts.Level, opts.Format)
	if err != nil {
		return nil, err
	}

	shutdown := func(context.Context) error { return nil }

	if opts.Exporter != "" && opts.Exporter != ExporterNone {
		provider, err := newLoggerProvider(ctx, opts.Exporter, opts.Level)
		if err != nil {
			return nil, err
		}
		global.SetLoggerProvider(provider)
		shutdown = provider.Shutdown

		handler = &fanoutHandler{handlers: []slog.Handler{
			handler,
			otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider)),
		}}
	}

	slog.SetDefault(slog.New(newCorrelationHandler(handler)))
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return shutdown, nil
}

// newStdoutHandler creates a handler for human-readable logs.
func newStdoutHandler(level slog.Level, logFormat string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text", "":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", logFormat)
	}

	return handler, nil
}

// newLoggerProvider builds the OpenTelemetry log pipeline: batch export filtered to the
// configured minimum severity.
func newLoggerProvider(ctx context.Context, exporter string, level slog.Level) (*sdklog.LoggerProvider, error) {
	var (
		exp sdklog.Exporter
		err error
	)
	switch exporter {
	case ExporterStdout:
		exp, err = stdoutlog.New()
	case ExporterOTLPGRPC:
		exp, err = otlploggrpc.New(ctx)
	case ExporterOTLPHTTP:
		exp, err = otlploghttp.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log exporter %q (expected: none, stdout, otlp-grpc, otlp-http)", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s log exporter: %w", exporter, err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exp), severity(level))
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(processor)), nil
}

// severity maps a slog level onto the OpenTelemetry severity scale.
func severity(level slog.Level) minsev.Severity {
	switch {
	case level < slog.LevelInfo:
		return minsev.SeverityDebug
	case level < slog.LevelWarn:
		return minsev.SeverityInfo
	case level < slog.LevelError:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// fanoutHandler passes every record to all handlers that accept its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithAttrs(attrs)
	}
	return &fanoutHandler{handlers: out}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		out[i] = handler.WithGroup(name)
	}
	return &fanoutHandler{handlers: out}
}
