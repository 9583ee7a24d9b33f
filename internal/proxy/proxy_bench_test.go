package proxy

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// mockUpstreamTransport returns canned responses without network calls.
type mockUpstreamTransport struct {
	responseBody   string
	responseStatus int
	isStreaming    bool
}

func (m *mockUpstreamTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
		_ = req.Body.Close()
	}

	contentType := "application/json"
	if m.isStreaming {
		contentType = "text/event-stream"
	}

	return &http.Response{
		StatusCode: m.responseStatus,
		Body:       io.NopCloser(strings.NewReader(m.responseBody)),
		Header:     http.Header{"Content-Type": []string{contentType}},
		Request:    req,
	}, nil
}

const (
	benchChatRequest   = `{"model":"claude-sonnet-4-5","messages":[{"role":"system","content":"be brief"},{"role":"user","content":"Hi"}]}`
	benchStreamRequest = `{"model":"claude-sonnet-4-5","stream":true,"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"Hi"}]}`
)

// setupProxyWithMockTransport creates a Proxy with full middleware stack but mocked upstream.
// Suppresses logging to isolate benchmark measurements from I/O overhead.
func setupProxyWithMockTransport(b *testing.B, transport http.RoundTripper) *httptest.Server {
	b.Helper()

	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))

	p := newTestProxy(b, testSetup{baseURL: "http://upstream.invalid", transport: transport})
	server := httptest.NewServer(p)
	b.Cleanup(server.Close)
	return server
}

// roundTrip posts body and drains the response. Uses raw byte copy instead of SSE parsing to
// isolate proxy performance from client overhead.
func roundTrip(b *testing.B, url, body string) {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		b.Fatalf("Request failed: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		b.Fatalf("Unexpected status code: %d", resp.StatusCode)
	}
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		b.Fatalf("Failed to read response: %v", err)
	}
}

// BenchmarkProxy measures end-to-end latency through the translation layer.
// Includes routing, middleware, dispatch, provider client, hooks and encoding.
// Excludes network latency (mocked transport) and credential refresh.
func BenchmarkProxy(b *testing.B) {
	scenarios := []struct {
		name     string
		path     string
		request  string
		upstream *mockUpstreamTransport
	}{
		{
			name:     "openai_buffered",
			path:     "/v1/chat/completions",
			request:  benchChatRequest,
			upstream: &mockUpstreamTransport{responseBody: anthropicMessage, responseStatus: http.StatusOK},
		},
		{
			name:     "openai_streaming",
			path:     "/v1/chat/completions",
			request:  benchStreamRequest,
			upstream: &mockUpstreamTransport{responseBody: anthropicStream, responseStatus: http.StatusOK, isStreaming: true},
		},
		{
			name:     "anthropic_buffered",
			path:     "/v1/messages",
			request:  messagesBody,
			upstream: &mockUpstreamTransport{responseBody: anthropicMessage, responseStatus: http.StatusOK},
		},
	}

	for _, s := range scenarios {
		b.Run(s.name, func(b *testing.B) {
			server := setupProxyWithMockTransport(b, s.upstream)

			b.ReportAllocs()
			b.ResetTimer()

			for b.Loop() {
				roundTrip(b, server.URL+s.path, s.request)
			}
		})
	}
}

// BenchmarkProxyStreaming_TTFB measures Time-To-First-Byte for streaming responses.
// TTFB is the most critical latency metric for streaming UX - lower values mean
// better perceived responsiveness as the first chunk arrives faster.
func BenchmarkProxyStreaming_TTFB(b *testing.B) {
	server := setupProxyWithMockTransport(b, &mockUpstreamTransport{
		responseBody:   anthropicStream,
		responseStatus: http.StatusOK,
		isStreaming:    true,
	})

	b.ReportAllocs()
	b.ResetTimer()

	var totalTTFB time.Duration
	var iterations int
	buf := make([]byte, 1)

	for b.Loop() {
		start := time.Now()

		resp, err := http.Post(server.URL+"/v1/chat/completions", "application/json", strings.NewReader(benchStreamRequest))
		if err != nil {
			b.Fatalf("Request failed: %v", err)
		}

		// Read first byte to measure TTFB
		if _, err := resp.Body.Read(buf); err != nil {
			b.Fatalf("Failed to read first byte: %v", err)
		}

		totalTTFB += time.Since(start)
		iterations++

		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}

	avgTTFB := totalTTFB / time.Duration(iterations)
	b.ReportMetric(float64(avgTTFB.Microseconds()), "µs/ttfb")
}

// BenchmarkProxyConcurrentThroughput_Streaming measures concurrent streaming throughput
// using b.RunParallel to simulate realistic concurrent load.
func BenchmarkProxyConcurrentThroughput_Streaming(b *testing.B) {
	server := setupProxyWithMockTransport(b, &mockUpstreamTransport{
		responseBody:   anthropicStream,
		responseStatus: http.StatusOK,
		isStreaming:    true,
	})

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			roundTrip(b, server.URL+"/v1/chat/completions", benchStreamRequest)
		}
	})
}
