package streaming

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

type recordingEncoder struct {
	mu         sync.Mutex
	events     []canonical.Event
	keepAlives int
	failAfter  int // fail writes once this many events were written; 0 never fails
}

func (r *recordingEncoder) Encode(ev canonical.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter > 0 && len(r.events) >= r.failAfter {
		return format.ErrClientGone
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEncoder) KeepAlive() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keepAlives++
	return nil
}

func (r *recordingEncoder) Events() []canonical.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]canonical.Event(nil), r.events...)
}

func seqOf(events ...canonical.Event) iter.Seq2[canonical.Event, error] {
	return func(yield func(canonical.Event, error) bool) {
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func opener(seq iter.Seq2[canonical.Event, error]) Opener {
	return func(context.Context) (iter.Seq2[canonical.Event, error], error) { return seq, nil }
}

func textStream() []canonical.Event {
	return []canonical.Event{
		canonical.StartEvent("msg_1", "m", canonical.Usage{InputTokens: 10}),
		canonical.ContentStartEvent(0, canonical.Block{Type: canonical.BlockText}),
		canonical.DeltaEvent(0, canonical.DeltaText, "Hello"),
		canonical.ContentStopEvent(0),
		canonical.FinishEvent(canonical.FinishStop, "", canonical.Usage{OutputTokens: 2}),
	}
}

func TestMachineAcceptsWellFormedStream(t *testing.T) {
	m := NewMachine()
	for _, ev := range textStream() {
		out, err := m.Accept(ev)
		require.NoError(t, err)
		require.Len(t, out, 1)
	}
	assert.True(t, m.Done())
	assert.Equal(t, canonical.FinishStop, m.Finish())
	assert.Equal(t, canonical.Usage{InputTokens: 10, OutputTokens: 2}, m.Usage())
	assert.Equal(t, "Hello", m.Output())
}

func TestMachineSynthesizesStopBeforeFinish(t *testing.T) {
	m := NewMachine()
	for _, ev := range textStream()[:3] {
		_, err := m.Accept(ev)
		require.NoError(t, err)
	}
	out, err := m.Accept(canonical.FinishEvent(canonical.FinishLength, "", canonical.Usage{}))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, canonical.ContentStopEvent(0), out[0])
	assert.Equal(t, canonical.FinishLength, out[1].Finish)
}

func TestMachineViolations(t *testing.T) {
	start := canonical.StartEvent("id", "m", canonical.Usage{})
	open0 := canonical.ContentStartEvent(0, canonical.Block{Type: canonical.BlockText})

	tests := []struct {
		name   string
		events []canonical.Event
	}{
		{"duplicate start", []canonical.Event{start, start}},
		{"content before start", []canonical.Event{open0}},
		{"index gap", []canonical.Event{start, canonical.ContentStartEvent(1, canonical.Block{Type: canonical.BlockText})}},
		{"overlapping blocks", []canonical.Event{start, open0, canonical.ContentStartEvent(1, canonical.Block{Type: canonical.BlockText})}},
		{"delta for closed block", []canonical.Event{start, open0, canonical.ContentStopEvent(0), canonical.DeltaEvent(0, canonical.DeltaText, "x")}},
		{"stop of unopened block", []canonical.Event{start, canonical.ContentStopEvent(0)}},
		{"double stop", []canonical.Event{start, open0, canonical.ContentStopEvent(0), canonical.ContentStopEvent(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			var err error
			for _, ev := range tt.events {
				if _, err = m.Accept(ev); err != nil {
					break
				}
			}
			var violation *apierror.ProtocolViolation
			require.True(t, errors.As(err, &violation), "got %v", err)

			ev := m.Violation(err)
			assert.Equal(t, canonical.EventError, ev.Kind)
			assert.Equal(t, string(apierror.KindAPI), ev.Err.Kind)
			assert.True(t, m.Done())
		})
	}
}

func TestMachineDiscardsAfterTerminal(t *testing.T) {
	m := NewMachine()
	for _, ev := range textStream() {
		_, err := m.Accept(ev)
		require.NoError(t, err)
	}
	out, err := m.Accept(canonical.DeltaEvent(0, canonical.DeltaText, "late"))
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Len(t, m.Anomalies(), 1)
}

func TestMachineIncomplete(t *testing.T) {
	m := NewMachine()
	for _, ev := range textStream()[:3] {
		_, err := m.Accept(ev)
		require.NoError(t, err)
	}
	out := m.Incomplete()
	require.Len(t, out, 2)
	assert.Equal(t, canonical.ContentStopEvent(0), out[0])
	assert.Equal(t, canonical.FinishIncomplete, out[1].Finish)

	idle := NewMachine()
	out = idle.Incomplete()
	require.Len(t, out, 1)
	assert.Equal(t, canonical.EventError, out[0].Kind)
}

func TestEngineForwardsEvents(t *testing.T) {
	enc := &recordingEncoder{}
	var tapped int
	summary, err := NewEngine(Options{}).Stream(context.Background(), opener(seqOf(textStream()...)), enc, func(canonical.Event) { tapped++ })
	require.NoError(t, err)

	events := enc.Events()
	require.Len(t, events, 5)
	assert.Equal(t, canonical.Usage{InputTokens: 10, OutputTokens: 2}, events[4].Usage)
	assert.Equal(t, 5, tapped)
	assert.Equal(t, 5, summary.Events)
	assert.Equal(t, canonical.FinishStop, summary.Finish)
	assert.Nil(t, summary.Err)
	assert.False(t, summary.ClientGone)
}

func TestEngineOpenFailureWritesNothing(t *testing.T) {
	enc := &recordingEncoder{}
	wantErr := &apierror.UpstreamError{Status: 429, Kind: apierror.KindRateLimit}
	_, err := NewEngine(Options{}).Stream(context.Background(), func(context.Context) (iter.Seq2[canonical.Event, error], error) {
		return nil, wantErr
	}, enc, nil)
	assert.ErrorIs(t, err, wantErr)
	assert.Empty(t, enc.Events())
}

func TestEngineUpstreamErrorBecomesErrorEvent(t *testing.T) {
	enc := &recordingEncoder{}
	seq := func(yield func(canonical.Event, error) bool) {
		for _, ev := range textStream()[:3] {
			if !yield(ev, nil) {
				return
			}
		}
		yield(canonical.Event{}, &apierror.UpstreamError{Kind: apierror.KindOverloaded, Message: "Overloaded"})
	}

	summary, err := NewEngine(Options{}).Stream(context.Background(), opener(seq), enc, nil)
	require.NoError(t, err)

	events := enc.Events()
	last := events[len(events)-1]
	assert.Equal(t, canonical.EventError, last.Kind)
	assert.Equal(t, "overloaded", last.Err.Kind)
	require.NotNil(t, summary.Err)
	assert.Equal(t, "Overloaded", summary.Err.Message)
}

func TestEngineSynthesizesIncompleteFinish(t *testing.T) {
	enc := &recordingEncoder{}
	engine := NewEngine(Options{EstimateOutput: func(text string) int { return len(text) }})

	summary, err := engine.Stream(context.Background(), opener(seqOf(textStream()[:3]...)), enc, nil)
	require.NoError(t, err)

	events := enc.Events()
	require.Len(t, events, 5)
	assert.Equal(t, canonical.ContentStopEvent(0), events[3])
	assert.Equal(t, canonical.FinishIncomplete, events[4].Finish)
	assert.EqualValues(t, 5, events[4].Usage.OutputTokens)
	assert.Equal(t, canonical.FinishIncomplete, summary.Finish)
}

func TestEngineViolationEndsStream(t *testing.T) {
	enc := &recordingEncoder{}
	seq := seqOf(
		canonical.StartEvent("id", "m", canonical.Usage{}),
		canonical.ContentStopEvent(3),
		canonical.FinishEvent(canonical.FinishStop, "", canonical.Usage{}),
	)
	summary, err := NewEngine(Options{}).Stream(context.Background(), opener(seq), enc, nil)
	require.NoError(t, err)

	events := enc.Events()
	require.Len(t, events, 2)
	assert.Equal(t, canonical.EventError, events[1].Kind)
	require.NotNil(t, summary.Err)
	assert.Empty(t, summary.Finish)
}

// endless yields text deltas until the consumer stops or ctx is cancelled.
func endless(ctx context.Context, cancelled *atomic.Bool, pulled *atomic.Int32) iter.Seq2[canonical.Event, error] {
	return func(yield func(canonical.Event, error) bool) {
		defer func() {
			if ctx.Err() != nil {
				cancelled.Store(true)
			}
		}()
		if !yield(canonical.StartEvent("id", "m", canonical.Usage{}), nil) {
			return
		}
		if !yield(canonical.ContentStartEvent(0, canonical.Block{Type: canonical.BlockText}), nil) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				yield(canonical.Event{}, ctx.Err())
				return
			case <-time.After(time.Millisecond):
			}
			pulled.Add(1)
			if !yield(canonical.DeltaEvent(0, canonical.DeltaText, "x"), nil) {
				return
			}
		}
	}
}

func TestEngineClientDisconnectCancelsUpstream(t *testing.T) {
	var cancelled atomic.Bool
	var pulled atomic.Int32
	enc := &recordingEncoder{failAfter: 5}

	open := func(ctx context.Context) (iter.Seq2[canonical.Event, error], error) {
		return endless(ctx, &cancelled, &pulled), nil
	}

	begin := time.Now()
	summary, err := NewEngine(Options{Buffer: 4}).Stream(context.Background(), open, enc, nil)
	require.NoError(t, err)

	assert.Less(t, time.Since(begin), 200*time.Millisecond)
	assert.True(t, summary.ClientGone)
	assert.True(t, cancelled.Load())
	assert.Len(t, enc.Events(), 5)
}

func TestEngineBackpressure(t *testing.T) {
	var cancelled atomic.Bool
	var pulled atomic.Int32
	release := make(chan struct{})

	enc := &blockingEncoder{release: release}
	open := func(ctx context.Context) (iter.Seq2[canonical.Event, error], error) {
		return endless(ctx, &cancelled, &pulled), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = NewEngine(Options{Buffer: 2}).Stream(ctx, open, enc, nil)
	}()

	time.Sleep(50 * time.Millisecond)
	// One event is held by the blocked encoder, the buffer holds two, the producer holds one.
	assert.LessOrEqual(t, pulled.Load(), int32(4))

	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not stop")
	}
}

type blockingEncoder struct {
	release chan struct{}
}

func (b *blockingEncoder) Encode(canonical.Event) error {
	<-b.release
	return nil
}

func (b *blockingEncoder) KeepAlive() error { return nil }

func TestEngineKeepAlive(t *testing.T) {
	enc := &recordingEncoder{}
	seq := func(yield func(canonical.Event, error) bool) {
		if !yield(canonical.StartEvent("id", "m", canonical.Usage{}), nil) {
			return
		}
		time.Sleep(60 * time.Millisecond)
		yield(canonical.FinishEvent(canonical.FinishStop, "", canonical.Usage{}), nil)
	}

	_, err := NewEngine(Options{KeepAlive: 10 * time.Millisecond}).Stream(context.Background(), opener(seq), enc, nil)
	require.NoError(t, err)

	enc.mu.Lock()
	defer enc.mu.Unlock()
	assert.GreaterOrEqual(t, enc.keepAlives, 2)
}

func TestEngineStopsAfterTerminalEvent(t *testing.T) {
	enc := &recordingEncoder{}
	var cancelled atomic.Bool
	open := func(ctx context.Context) (iter.Seq2[canonical.Event, error], error) {
		return func(yield func(canonical.Event, error) bool) {
			for _, ev := range textStream() {
				if !yield(ev, nil) {
					return
				}
			}
			// upstream lingers before EOF
			select {
			case <-ctx.Done():
				cancelled.Store(true)
			case <-time.After(200 * time.Millisecond):
			}
		}, nil
	}

	begin := time.Now()
	summary, err := NewEngine(Options{KeepAlive: 5 * time.Millisecond}).Stream(context.Background(), open, enc, nil)
	require.NoError(t, err)
	elapsed := time.Since(begin)

	assert.Less(t, elapsed, 100*time.Millisecond)
	assert.Len(t, enc.Events(), 5)
	assert.Equal(t, canonical.FinishStop, summary.Finish)
	assert.True(t, cancelled.Load())

	enc.mu.Lock()
	defer enc.mu.Unlock()
	assert.Zero(t, enc.keepAlives)
}

func TestEngineTimeoutWritesErrorEvent(t *testing.T) {
	var cancelled atomic.Bool
	enc := &recordingEncoder{}
	open := func(ctx context.Context) (iter.Seq2[canonical.Event, error], error) {
		return func(yield func(canonical.Event, error) bool) {
			if !yield(canonical.StartEvent("id", "m", canonical.Usage{}), nil) {
				return
			}
			<-ctx.Done()
			cancelled.Store(true)
			yield(canonical.Event{}, ctx.Err())
		}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	summary, err := NewEngine(Options{}).Stream(ctx, open, enc, nil)
	require.NoError(t, err)

	events := enc.Events()
	last := events[len(events)-1]
	assert.Equal(t, canonical.EventError, last.Kind)
	assert.Equal(t, string(apierror.KindTimeout), last.Err.Kind)
	require.NotNil(t, summary.Err)
	assert.True(t, cancelled.Load())
	assert.False(t, summary.ClientGone)
}

func TestReplay(t *testing.T) {
	resp := &canonical.Response{
		ID:    "msg_1",
		Model: "m",
		Content: []canonical.Part{
			{Type: canonical.PartThinking, Thinking: &canonical.Thinking{Text: "hmm", Signature: "sig"}},
			{Type: canonical.PartThinking, Thinking: &canonical.Thinking{RedactedData: "opaque"}},
			canonical.TextPart("Hi"),
			canonical.ToolCallPart("call_1", "f", []byte(`{"a":1}`)),
		},
		FinishReason: canonical.FinishToolUse,
		Usage:        canonical.Usage{InputTokens: 3, OutputTokens: 7},
	}

	m := NewMachine()
	var got []canonical.Event
	for ev, err := range Replay(resp) {
		require.NoError(t, err)
		_, aerr := m.Accept(ev)
		require.NoError(t, aerr)
		got = append(got, ev)
	}

	want := []canonical.Event{
		canonical.StartEvent("msg_1", "m", canonical.Usage{InputTokens: 3}),
		canonical.ContentStartEvent(0, canonical.Block{Type: canonical.BlockThinking}),
		canonical.DeltaEvent(0, canonical.DeltaThinking, "hmm"),
		canonical.DeltaEvent(0, canonical.DeltaSignature, "sig"),
		canonical.ContentStopEvent(0),
		canonical.ContentStartEvent(1, canonical.Block{Type: canonical.BlockText}),
		canonical.DeltaEvent(1, canonical.DeltaText, "Hi"),
		canonical.ContentStopEvent(1),
		canonical.ContentStartEvent(2, canonical.Block{Type: canonical.BlockToolCall, ToolCallID: "call_1", ToolName: "f"}),
		canonical.DeltaEvent(2, canonical.DeltaToolArgs, `{"a":1}`),
		canonical.ContentStopEvent(2),
		canonical.FinishEvent(canonical.FinishToolUse, "", canonical.Usage{InputTokens: 3, OutputTokens: 7}),
	}
	assert.Equal(t, want, got)
	assert.True(t, m.Done())
}
