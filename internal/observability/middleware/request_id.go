package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

// HeaderRequestID carries the request id in both directions.
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLen bounds client-supplied ids; longer or non-printable ids are replaced.
const maxRequestIDLen = 128

// RequestIDContextKey is a context key for storing request IDs.
type RequestIDContextKey struct{}

// RequestID returns the request id stored by RequestIDGeneration, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDContextKey{}).(string)
	return id
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < 0x21 || id[i] > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDGeneration keeps a well-formed client X-Request-ID (or one already in the context)
// and generates a UUID otherwise. The id is stored in the request context.
func RequestIDGeneration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if !validRequestID(requestID) {
			requestID = RequestID(r.Context())
		}
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), RequestIDContextKey{}, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDPropagation echoes the request id to the client and adds it to the request log.
func RequestIDPropagation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requestID := RequestID(r.Context()); requestID != "" {
			// set before the handler runs so error and recovery responses carry it too
			w.Header().Set(HeaderRequestID, requestID)
			SetLogAttrs(r.Context(), slog.String("request_id", requestID))
		}

		next.ServeHTTP(w, r)
	})
}
