package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func captureRequestID(t *testing.T, header string) (string, *httptest.ResponseRecorder) {
	t.Helper()
	var got string
	h := RequestIDGeneration(RequestIDPropagation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = RequestID(r.Context())
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	if header != "" {
		req.Header.Set(HeaderRequestID, header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return got, rec
}

func TestRequestID(t *testing.T) {
	t.Run("client id is kept", func(t *testing.T) {
		id, rec := captureRequestID(t, "client-123")
		assert.Equal(t, "client-123", id)
		assert.Equal(t, "client-123", rec.Header().Get(HeaderRequestID))
	})

	t.Run("missing id is generated", func(t *testing.T) {
		id, rec := captureRequestID(t, "")
		assert.Len(t, id, 36)
		assert.Equal(t, id, rec.Header().Get(HeaderRequestID))
	})

	t.Run("malformed id is replaced", func(t *testing.T) {
		id, _ := captureRequestID(t, "has spaces in it")
		assert.NotEqual(t, "has spaces in it", id)
		assert.Len(t, id, 36)

		id, _ = captureRequestID(t, strings.Repeat("a", maxRequestIDLen+1))
		assert.Len(t, id, 36)
	})
}

func TestQuietPaths(t *testing.T) {
	probe := httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	assert.True(t, quiet(probe, http.StatusOK))
	assert.False(t, quiet(probe, http.StatusServiceUnavailable))

	api := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	assert.False(t, quiet(api, http.StatusOK))
}

func TestTraceContextExtraction(t *testing.T) {
	var sc trace.SpanContext
	h := TraceContextExtractionWith(propagation.TraceContext{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc = trace.SpanContextFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.Header.Set("Traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	assert.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
	assert.True(t, sc.IsSampled())
}
