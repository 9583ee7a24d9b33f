package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

type recorder struct {
	Base
	name string

	mu    sync.Mutex
	calls []string
	seen  []canonical.Request
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) OnRequest(_ context.Context, s RequestSnapshot) error {
	r.mu.Lock()
	r.seen = append(r.seen, s.Request)
	r.mu.Unlock()
	r.add("request")
	return nil
}

func (r *recorder) OnUpstreamDispatch(context.Context, DispatchSnapshot) error {
	r.add("dispatch")
	return nil
}

func (r *recorder) OnStreamEvent(_ context.Context, s EventSnapshot) error {
	r.add("event:" + string(s.Event.Kind))
	return nil
}

func (r *recorder) OnComplete(context.Context, CompletionSnapshot) error {
	r.add("complete")
	return nil
}

type misbehaving struct {
	Base
	mode string
}

func (m *misbehaving) Name() string { return m.mode }

func (m *misbehaving) OnRequest(context.Context, RequestSnapshot) error {
	switch m.mode {
	case "slow":
		time.Sleep(200 * time.Millisecond)
	case "panic":
		panic("boom")
	case "error":
		return errors.New("failed")
	}
	return nil
}

func request() RequestSnapshot {
	return RequestSnapshot{
		Info: Info{RunID: "run-1", RequestID: "req-1", Provider: "anthropic", Mode: "full", Endpoint: "messages"},
		Request: canonical.Request{
			Model:    "m",
			Messages: []canonical.Message{{Role: canonical.RoleUser, Parts: []canonical.Part{canonical.TextPart("hi")}}},
		},
	}
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()
	select {
	case <-run.Done():
	case <-time.After(time.Second):
		t.Fatal("run did not drain")
	}
}

func TestPipelineDeliversInOrder(t *testing.T) {
	first := &recorder{name: "first"}
	second := &recorder{name: "second"}
	p := New(time.Second, 16, first, second)

	run := p.Begin(context.Background(), request())
	run.UpstreamDispatch(DispatchSnapshot{})
	run.StreamEvent(canonical.StartEvent("id", "m", canonical.Usage{}))
	run.StreamEvent(canonical.FinishEvent(canonical.FinishStop, "", canonical.Usage{}))
	run.Complete(CompletionSnapshot{})
	run.End()
	waitDone(t, run)

	want := []string{"request", "dispatch", "event:start", "event:finish", "complete"}
	assert.Equal(t, want, first.Calls())
	assert.Equal(t, want, second.Calls())
	assert.Zero(t, p.Anomalies())
}

func TestPipelineSnapshotsAreIsolated(t *testing.T) {
	rec := &recorder{name: "rec"}
	p := New(time.Second, 4, rec)

	snap := request()
	run := p.Begin(context.Background(), snap)
	snap.Request.Messages[0].Parts[0].Text = "mutated"
	run.End()
	waitDone(t, run)

	require.Len(t, rec.seen, 1)
	assert.Equal(t, "hi", rec.seen[0].Messages[0].Parts[0].Text)
}

func TestPipelineContainsMisbehavingObservers(t *testing.T) {
	for _, mode := range []string{"slow", "panic", "error"} {
		t.Run(mode, func(t *testing.T) {
			rec := &recorder{name: "rec"}
			p := New(20*time.Millisecond, 4, &misbehaving{mode: mode}, rec)
			reason := mode
			if mode == "slow" {
				reason = reasonTimeout
			}
			before := testutil.ToFloat64(hookAnomaliesTotal.WithLabelValues(mode, reason))

			begin := time.Now()
			run := p.Begin(context.Background(), request())
			run.End()
			waitDone(t, run)

			assert.Less(t, time.Since(begin), 150*time.Millisecond)
			assert.EqualValues(t, 1, p.Anomalies())
			assert.Equal(t, []string{"request"}, rec.Calls())

			assert.Equal(t, before+1, testutil.ToFloat64(hookAnomaliesTotal.WithLabelValues(mode, reason)))
		})
	}
}

type blocking struct {
	Base
	release chan struct{}
}

func (b *blocking) Name() string { return "blocking" }

func (b *blocking) OnStreamEvent(context.Context, EventSnapshot) error {
	<-b.release
	return nil
}

func TestPipelineDropsWhenQueueIsFull(t *testing.T) {
	obs := &blocking{release: make(chan struct{})}
	p := New(time.Second, 2, obs)

	run := p.Begin(context.Background(), request())
	for range 10 {
		run.StreamEvent(canonical.DeltaEvent(0, canonical.DeltaText, "x"))
	}
	assert.Positive(t, p.Anomalies())

	close(obs.release)
	run.End()
	waitDone(t, run)

	// Calls after End are ignored.
	run.StreamEvent(canonical.DeltaEvent(0, canonical.DeltaText, "late"))
	run.End()
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetricsObserver("m")
	info := Info{Provider: "metrics-test", Mode: "full", Endpoint: "messages", Model: "m"}

	require.NoError(t, m.OnComplete(context.Background(), CompletionSnapshot{
		Info:  info,
		Usage: canonical.Usage{InputTokens: 10, OutputTokens: 4},
	}))
	require.NoError(t, m.OnError(context.Background(), ErrorSnapshot{Info: info, Kind: "rate_limit", Status: 429}))
	require.NoError(t, m.OnStreamEvent(context.Background(), EventSnapshot{Info: info, Event: canonical.UsageEvent(canonical.Usage{})}))

	assert.Equal(t, 1.0, testutil.ToFloat64(requestsTotal.WithLabelValues("metrics-test", "full", "messages", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(requestsTotal.WithLabelValues("metrics-test", "full", "messages", "error")))
	assert.Equal(t, 10.0, testutil.ToFloat64(tokensTotal.WithLabelValues("metrics-test", "m", "input")))
	assert.Equal(t, 4.0, testutil.ToFloat64(tokensTotal.WithLabelValues("metrics-test", "m", "output")))
	assert.Equal(t, 1.0, testutil.ToFloat64(errorsTotal.WithLabelValues("metrics-test", "rate_limit", "429")))
	assert.Equal(t, 1.0, testutil.ToFloat64(streamEventsTotal.WithLabelValues("metrics-test", "usage")))

	// Unknown client-supplied models share one series per direction.
	series := testutil.CollectAndCount(tokensTotal)
	for _, model := range []string{"made-up-1", "made-up-2"} {
		unknown := info
		unknown.Model = model
		require.NoError(t, m.OnComplete(context.Background(), CompletionSnapshot{
			Info:  unknown,
			Usage: canonical.Usage{InputTokens: 3},
		}))
	}
	assert.Equal(t, series+4, testutil.CollectAndCount(tokensTotal))
	assert.Equal(t, 6.0, testutil.ToFloat64(tokensTotal.WithLabelValues("metrics-test", "other", "input")))
}

func TestTraceObserver(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	obs := NewTraceObserver(tp)
	ctx := context.Background()

	snap := request()
	snap.Started = time.Now()
	require.NoError(t, obs.OnRequest(ctx, snap))
	require.NoError(t, obs.OnUpstreamDispatch(ctx, DispatchSnapshot{Info: snap.Info, CredentialKind: "oauth"}))
	require.NoError(t, obs.OnStreamEvent(ctx, EventSnapshot{Info: snap.Info, Event: canonical.StartEvent("id", "m", canonical.Usage{})}))
	require.NoError(t, obs.OnComplete(ctx, CompletionSnapshot{Info: snap.Info, Finish: canonical.FinishStop}))

	ended := sr.Ended()
	require.Len(t, ended, 2)
	dispatch, req := ended[0], ended[1]
	assert.Equal(t, "claudine.upstream_dispatch", dispatch.Name())
	assert.Equal(t, "claudine.request", req.Name())
	assert.Equal(t, req.SpanContext().SpanID(), dispatch.Parent().SpanID())
	require.Len(t, req.Events(), 1)
	assert.Equal(t, "start", req.Events()[0].Name)

	// Unknown requests are ignored.
	assert.NoError(t, obs.OnComplete(ctx, CompletionSnapshot{Info: Info{RunID: "other", RequestID: "req-1"}}))
}

func TestTraceObserverKeepsRunsApart(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	p := New(time.Second, 16, NewTraceObserver(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))))

	// Both requests carry the same client request id.
	first := p.Begin(context.Background(), request())
	second := p.Begin(context.Background(), request())
	assert.NotEqual(t, first.Info().RunID, second.Info().RunID)

	for _, run := range []*Run{first, second} {
		run.UpstreamDispatch(DispatchSnapshot{CredentialKind: "api_key"})
		run.Complete(CompletionSnapshot{Finish: canonical.FinishStop})
		run.End()
		waitDone(t, run)
	}

	var requests, dispatches int
	for _, span := range sr.Ended() {
		switch span.Name() {
		case "claudine.request":
			requests++
		case "claudine.upstream_dispatch":
			dispatches++
		}
	}
	assert.Equal(t, 2, requests)
	assert.Equal(t, 2, dispatches)
}

func TestTraceObserverLateDispatch(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	obs := NewTraceObserver(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))
	ctx := context.Background()
	snap := request()

	require.NoError(t, obs.OnRequest(ctx, snap))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, obs.OnUpstreamDispatch(ctx, DispatchSnapshot{Info: snap.Info}))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, obs.OnComplete(ctx, CompletionSnapshot{Info: snap.Info}))
	}()
	wg.Wait()

	// A dispatch that arrives after completion starts no span.
	require.NoError(t, obs.OnUpstreamDispatch(ctx, DispatchSnapshot{Info: snap.Info}))

	assert.Equal(t, len(sr.Started()), len(sr.Ended()))
}
