package hooks

import (
	"context"
	"log/slog"
)

// LogObserver writes one structured log line per lifecycle step.
type LogObserver struct {
	Base
	logger *slog.Logger
}

// Compile-time check to ensure LogObserver implements Observer
var _ Observer = (*LogObserver)(nil)

// NewLogObserver creates a log observer. A nil logger uses slog.Default at call time.
func NewLogObserver(logger *slog.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (l *LogObserver) Name() string { return "log" }

func (l *LogObserver) log() *slog.Logger {
	if l.logger != nil {
		return l.logger
	}
	return slog.Default()
}

func attrs(i Info) []any {
	return []any{"request_id", i.RequestID, "provider", i.Provider, "mode", i.Mode, "endpoint", i.Endpoint}
}

func (l *LogObserver) OnRequest(ctx context.Context, s RequestSnapshot) error {
	l.log().DebugContext(ctx, "request received",
		append(attrs(s.Info), "model", s.Request.Model, "stream", s.Request.Stream, "messages", len(s.Request.Messages))...)
	return nil
}

func (l *LogObserver) OnUpstreamDispatch(ctx context.Context, s DispatchSnapshot) error {
	args := append(attrs(s.Info), "credential", s.CredentialKind, "session_id", s.SessionID)
	if len(s.Ignored) > 0 {
		args = append(args, "ignored", s.Ignored)
	}
	if len(s.Downgrades) > 0 {
		args = append(args, "downgrades", s.Downgrades)
	}
	l.log().DebugContext(ctx, "dispatching upstream", args...)
	return nil
}

func (l *LogObserver) OnComplete(ctx context.Context, s CompletionSnapshot) error {
	args := append(attrs(s.Info),
		"model", s.Model,
		"duration_ms", s.Duration.Milliseconds(),
		"finish", s.Finish,
		"input_tokens", s.Usage.InputTokens,
		"output_tokens", s.Usage.OutputTokens,
	)
	switch {
	case s.ClientGone:
		l.log().InfoContext(ctx, "client disconnected", args...)
	case s.StreamErr != nil:
		l.log().WarnContext(ctx, "stream ended with error", append(args, "kind", s.StreamErr.Kind, "error", s.StreamErr.Message)...)
	default:
		l.log().InfoContext(ctx, "request completed", args...)
	}
	if len(s.Anomalies) > 0 {
		l.log().WarnContext(ctx, "stream anomalies", append(attrs(s.Info), "anomalies", s.Anomalies)...)
	}
	return nil
}

func (l *LogObserver) OnError(ctx context.Context, s ErrorSnapshot) error {
	l.log().WarnContext(ctx, "request failed",
		append(attrs(s.Info), "kind", s.Kind, "status", s.Status, "error", s.Message, "duration_ms", s.Duration.Milliseconds())...)
	return nil
}
