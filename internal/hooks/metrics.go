package hooks

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBuckets suit model latencies, from 100ms to two minutes.
var LatencyBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

var (
	hookAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudine_hook_anomalies_total",
			Help: "Observer calls that were dropped, timed out, failed or panicked",
		},
		[]string{"observer", "reason"},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudine_requests_total",
			Help: "Completed requests by outcome",
		},
		[]string{"provider", "mode", "endpoint", "outcome"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claudine_request_duration_seconds",
			Help:    "Request duration",
			Buckets: LatencyBuckets,
		},
		[]string{"provider", "endpoint", "stream"},
	)

	upstreamDispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudine_upstream_dispatch_total",
			Help: "Upstream calls by credential kind",
		},
		[]string{"provider", "mode", "credential"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudine_tokens_total",
			Help: "Tokens reported by upstreams",
		},
		[]string{"provider", "model", "direction"},
	)

	streamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudine_stream_events_total",
			Help: "Stream events written to clients",
		},
		[]string{"provider", "kind"},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claudine_errors_total",
			Help: "Failed requests by error kind and status",
		},
		[]string{"provider", "kind", "status"},
	)
)

func init() {
	prometheus.MustRegister(
		hookAnomaliesTotal,
		requestsTotal,
		requestDuration,
		upstreamDispatchTotal,
		tokensTotal,
		streamEventsTotal,
		errorsTotal,
	)
}

// otherModel labels tokens of models outside the known list.
const otherModel = "other"

// MetricsObserver records request, token and stream metrics.
type MetricsObserver struct {
	Base
	models map[string]struct{}
}

// Compile-time check to ensure MetricsObserver implements Observer
var _ Observer = (*MetricsObserver)(nil)

// NewMetricsObserver creates a metrics observer. Metrics are registered with the default
// Prometheus registry. The model label is one of models or "other", since model names come
// from clients.
func NewMetricsObserver(models ...string) *MetricsObserver {
	m := &MetricsObserver{models: make(map[string]struct{}, len(models))}
	for _, name := range models {
		m.models[name] = struct{}{}
	}
	return m
}

func (m *MetricsObserver) modelLabel(model string) string {
	if _, ok := m.models[model]; ok {
		return model
	}
	return otherModel
}

func (m *MetricsObserver) Name() string { return "metrics" }

func (m *MetricsObserver) OnUpstreamDispatch(_ context.Context, s DispatchSnapshot) error {
	upstreamDispatchTotal.WithLabelValues(s.Provider, s.Mode, s.CredentialKind).Inc()
	return nil
}

func (m *MetricsObserver) OnStreamEvent(_ context.Context, s EventSnapshot) error {
	streamEventsTotal.WithLabelValues(s.Provider, string(s.Event.Kind)).Inc()
	return nil
}

func (m *MetricsObserver) OnComplete(_ context.Context, s CompletionSnapshot) error {
	outcome := "ok"
	switch {
	case s.ClientGone:
		outcome = "client_gone"
	case s.StreamErr != nil:
		outcome = "stream_error"
	}
	requestsTotal.WithLabelValues(s.Provider, s.Mode, s.Endpoint, outcome).Inc()
	requestDuration.WithLabelValues(s.Provider, s.Endpoint, strconv.FormatBool(s.Stream)).Observe(s.Duration.Seconds())

	model := m.modelLabel(s.Model)
	tokensTotal.WithLabelValues(s.Provider, model, "input").Add(float64(s.Usage.InputTokens))
	tokensTotal.WithLabelValues(s.Provider, model, "output").Add(float64(s.Usage.OutputTokens))
	tokensTotal.WithLabelValues(s.Provider, model, "cache_read").Add(float64(s.Usage.CacheReadTokens))
	tokensTotal.WithLabelValues(s.Provider, model, "cache_write").Add(float64(s.Usage.CacheWriteTokens))
	return nil
}

func (m *MetricsObserver) OnError(_ context.Context, s ErrorSnapshot) error {
	requestsTotal.WithLabelValues(s.Provider, s.Mode, s.Endpoint, "error").Inc()
	errorsTotal.WithLabelValues(s.Provider, s.Kind, strconv.Itoa(s.Status)).Inc()
	requestDuration.WithLabelValues(s.Provider, s.Endpoint, strconv.FormatBool(s.Stream)).Observe(s.Duration.Seconds())
	return nil
}
