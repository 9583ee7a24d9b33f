package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// Defaults for New.
const (
	DefaultBudget = 50 * time.Millisecond
	DefaultQueue  = 256
)

// Anomaly reasons.
const (
	reasonQueueFull = "queue_full"
	reasonTimeout   = "timeout"
	reasonError     = "error"
	reasonPanic     = "panic"
)

// Pipeline is the ordered observer list composed at startup.
type Pipeline struct {
	observers []Observer
	budget    time.Duration
	queue     int

	anomalies atomic.Int64
}

// New creates a pipeline. budget bounds each observer call; queue bounds the pending calls
// per request.
func New(budget time.Duration, queue int, observers ...Observer) *Pipeline {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if queue <= 0 {
		queue = DefaultQueue
	}
	return &Pipeline{observers: observers, budget: budget, queue: queue}
}

// Anomalies is the number of anomalies recorded since start.
func (p *Pipeline) Anomalies() int64 {
	return p.anomalies.Load()
}

func (p *Pipeline) record(ctx context.Context, observer, reason string, err error) {
	p.anomalies.Add(1)
	hookAnomaliesTotal.WithLabelValues(observer, reason).Inc()
	slog.WarnContext(ctx, "hook anomaly", "observer", observer, "reason", reason, "error", err)
}

type call struct {
	name string
	fn   func(ctx context.Context, o Observer) error
}

// Run delivers one request's lifecycle to the observers.
type Run struct {
	p    *Pipeline
	ctx  context.Context
	info Info

	mu     sync.Mutex
	closed bool
	calls  chan call
	done   chan struct{}
}

// Begin starts a run and delivers OnRequest. The observers' context keeps ctx's values but not
// its cancellation, so observers still see the end of a cancelled request.
func (p *Pipeline) Begin(ctx context.Context, s RequestSnapshot) *Run {
	if s.Started.IsZero() {
		s.Started = time.Now()
	}
	s.Request = s.Request.Clone()
	s.RunID = uuid.NewString()

	r := &Run{
		p:     p,
		ctx:   context.WithoutCancel(ctx),
		info:  s.Info,
		calls: make(chan call, p.queue),
		done:  make(chan struct{}),
	}
	go r.dispatch()

	r.enqueue("request", func(ctx context.Context, o Observer) error { return o.OnRequest(ctx, s) })
	return r
}

// Info returns the request identity of the run.
func (r *Run) Info() Info { return r.info }

// SetModel records the model once it is known.
func (r *Run) SetModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.Model = model
}

func (r *Run) snapshotInfo() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.info
}

// UpstreamDispatch delivers OnUpstreamDispatch.
func (r *Run) UpstreamDispatch(s DispatchSnapshot) {
	s.Info = r.snapshotInfo()
	s.Ignored = append([]string(nil), s.Ignored...)
	s.Downgrades = append([]string(nil), s.Downgrades...)
	r.enqueue("upstream_dispatch", func(ctx context.Context, o Observer) error { return o.OnUpstreamDispatch(ctx, s) })
}

// StreamEvent delivers OnStreamEvent.
func (r *Run) StreamEvent(ev canonical.Event) {
	s := EventSnapshot{Info: r.snapshotInfo(), Event: ev}
	r.enqueue("stream_event", func(ctx context.Context, o Observer) error { return o.OnStreamEvent(ctx, s) })
}

// Complete delivers OnComplete.
func (r *Run) Complete(s CompletionSnapshot) {
	s.Info = r.snapshotInfo()
	s.Duration = time.Since(s.Started)
	s.Anomalies = append([]string(nil), s.Anomalies...)
	r.enqueue("complete", func(ctx context.Context, o Observer) error { return o.OnComplete(ctx, s) })
}

// Error delivers OnError.
func (r *Run) Error(s ErrorSnapshot) {
	s.Info = r.snapshotInfo()
	s.Duration = time.Since(s.Started)
	r.enqueue("error", func(ctx context.Context, o Observer) error { return o.OnError(ctx, s) })
}

// End closes the run. Calls after End are dropped.
func (r *Run) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.calls)
	}
}

// Done is closed once every queued call has been delivered.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// enqueue never blocks; a full queue drops the call.
func (r *Run) enqueue(name string, fn func(context.Context, Observer) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.calls <- call{name: name, fn: fn}:
	default:
		r.p.record(r.ctx, "*", reasonQueueFull, fmt.Errorf("dropped %s call", name))
	}
}

func (r *Run) dispatch() {
	defer close(r.done)
	for c := range r.calls {
		for _, o := range r.p.observers {
			r.invoke(o, c)
		}
	}
}

// invoke runs one observer call within the time budget. A call that overruns keeps running in
// the background while the run moves on to the next call.
func (r *Run) invoke(o Observer, c call) {
	result := make(chan error, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				result <- &panicError{value: v}
			}
		}()
		result <- c.fn(r.ctx, o)
	}()

	timer := time.NewTimer(r.p.budget)
	defer timer.Stop()

	select {
	case err := <-result:
		if err == nil {
			return
		}
		reason := reasonError
		if _, ok := err.(*panicError); ok {
			reason = reasonPanic
		}
		r.p.record(r.ctx, o.Name(), reason, fmt.Errorf("%s: %w", c.name, err))
	case <-timer.C:
		r.p.record(r.ctx, o.Name(), reasonTimeout, fmt.Errorf("%s exceeded %s", c.name, r.p.budget))
	}
}

type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("observer panicked: %v", e.value)
}
