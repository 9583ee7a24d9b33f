package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/httplog/v3"
)

// loggedRequestHeaders are safe to log. Credentials and session keys never are.
var loggedRequestHeaders = []string{
	"Content-Type",
	"Origin",
	"User-Agent",
	"Anthropic-Version",
	"Anthropic-Beta",
}

// quietPaths are polled by orchestrators and scrapers; successful hits are not logged.
var quietPaths = []string{"/health/", "/metrics"}

func quiet(r *http.Request, status int) bool {
	if status >= http.StatusBadRequest {
		return false
	}
	for _, p := range quietPaths {
		if strings.HasPrefix(r.URL.Path, p) {
			return true
		}
	}
	return false
}

// Logging writes one ECS log line per request. Bodies are never logged since they carry
// prompts; only the headers above are.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema:             httplog.SchemaECS.Concise(true),
		Skip:               quiet,
		LogRequestHeaders:  loggedRequestHeaders,
		LogResponseHeaders: []string{HeaderRequestID},
		RecoverPanics:      false, // Recovery middleware answers in the client's error envelope
	})
}

// SetLogAttrs adds attributes to the request log line. No-op outside Logging.
func SetLogAttrs(ctx context.Context, attrs ...slog.Attr) {
	httplog.SetAttrs(ctx, attrs...)
}
