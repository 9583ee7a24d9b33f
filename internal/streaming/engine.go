package streaming

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

// Defaults for Options.
const (
	DefaultBuffer    = 64
	DefaultKeepAlive = 15 * time.Second
)

// Opener starts the upstream stream. Errors returned here happen before anything was written
// to the client.
type Opener func(ctx context.Context) (iter.Seq2[canonical.Event, error], error)

// Options configures an Engine.
type Options struct {
	// Buffer bounds the events in flight between upstream and client.
	Buffer int
	// KeepAlive is the idle time after which a keep-alive frame is written.
	KeepAlive time.Duration
	// EstimateOutput counts output tokens when a stream ends without upstream usage.
	EstimateOutput func(text string) int
}

// Summary describes a finished stream.
type Summary struct {
	Events    int
	Usage     canonical.Usage
	Finish    canonical.FinishReason
	Err       *canonical.StreamError
	Anomalies []string

	// ClientGone is set when writing to the client failed and the upstream call was cancelled.
	ClientGone bool
}

// Engine streams canonical events to clients.
type Engine struct {
	opts Options
}

// NewEngine creates an engine, filling unset options with defaults.
func NewEngine(opts Options) *Engine {
	if opts.Buffer <= 0 {
		opts.Buffer = DefaultBuffer
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	return &Engine{opts: opts}
}

// Stream opens the upstream and copies its events to enc until a terminal event, an upstream
// failure, a client disconnect or the context deadline. Stream returns right after the terminal
// event and cancels the upstream read. tap, if set, sees every event written.
// The returned error is only non-nil when opening failed, in which case nothing was written.
func (e *Engine) Stream(ctx context.Context, open Opener, enc format.StreamEncoder, tap func(canonical.Event)) (Summary, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	seq, err := open(streamCtx)
	if err != nil {
		return Summary{}, err
	}

	machine := NewMachine()
	events := make(chan canonical.Event, e.opts.Buffer)
	go e.produce(streamCtx, seq, machine, events)

	var (
		summary  Summary
		terminal bool
	)
	fail := func(err error) {
		if !errors.Is(err, format.ErrClientGone) {
			slog.WarnContext(ctx, "stream write failed", "error", err)
		}
		summary.ClientGone = true
		cancel()
	}

	ticker := time.NewTicker(e.opts.KeepAlive)
	defer ticker.Stop()

loop:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			if tap != nil {
				tap(ev)
			}
			if err := enc.Encode(ev); err != nil {
				fail(err)
				break loop
			}
			summary.Events++
			if ev.Terminal() {
				// Nothing may follow the terminal event, not even a keep-alive.
				terminal = true
				break loop
			}
			ticker.Reset(e.opts.KeepAlive)

		case <-ticker.C:
			if err := enc.KeepAlive(); err != nil {
				fail(err)
				break loop
			}

		case <-ctx.Done():
			break loop
		}
	}
	// Stops reading upstream; events already pulled are still drained through the machine.
	cancel()

	// Wait for the producer so its machine can be read safely.
	for range events {
	}

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		summary.ClientGone = true
	case errors.Is(ctx.Err(), context.DeadlineExceeded) && !terminal && !summary.ClientGone:
		p := apierror.Classify(&apierror.TimeoutError{Op: "stream", Err: ctx.Err()})
		ev := canonical.ErrorEvent(string(p.Kind), p.Message)
		if tap != nil {
			tap(ev)
		}
		if err := enc.Encode(ev); err == nil {
			summary.Events++
		}
		summary.Err = &ev.Err
	}

	summary.Usage = machine.Usage()
	summary.Finish = machine.Finish()
	summary.Anomalies = machine.Anomalies()
	if summary.Err == nil {
		summary.Err = machine.StreamError()
	}
	return summary, nil
}

// produce pulls events from upstream through the machine. A blocked send stops reading
// upstream until the client catches up.
func (e *Engine) produce(ctx context.Context, seq iter.Seq2[canonical.Event, error], m *Machine, out chan<- canonical.Event) {
	defer close(out)

	send := func(events ...canonical.Event) bool {
		for _, ev := range events {
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
		}
		return true
	}

	for ev, err := range seq {
		if err != nil {
			if ctx.Err() != nil || m.Done() {
				return
			}
			slog.WarnContext(ctx, "upstream stream failed", "error", err)
			send(m.Fail(err))
			return
		}

		accepted, verr := m.Accept(ev)
		if verr != nil {
			slog.ErrorContext(ctx, "upstream broke the stream protocol", "error", verr)
			send(m.Violation(verr))
			return
		}
		if m.Done() {
			m.estimateOutput(accepted, e.opts.EstimateOutput)
		}
		if !send(accepted...) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	if !m.Done() {
		slog.WarnContext(ctx, "upstream stream ended without a terminal event")
		events := m.Incomplete()
		m.estimateOutput(events, e.opts.EstimateOutput)
		send(events...)
	}
	if len(m.Anomalies()) > 0 {
		slog.WarnContext(ctx, "discarded events after stream end", "anomalies", m.Anomalies())
	}
}

// Replay converts a complete response into a well-formed event stream.
func Replay(resp *canonical.Response) iter.Seq2[canonical.Event, error] {
	return func(yield func(canonical.Event, error) bool) {
		emit := func(events ...canonical.Event) bool {
			for _, ev := range events {
				if !yield(ev, nil) {
					return false
				}
			}
			return true
		}

		if !emit(canonical.StartEvent(resp.ID, resp.Model, canonical.Usage{InputTokens: resp.Usage.InputTokens})) {
			return
		}

		index := 0
		for _, part := range resp.Content {
			var events []canonical.Event
			switch {
			case part.Type == canonical.PartText:
				events = []canonical.Event{
					canonical.ContentStartEvent(index, canonical.Block{Type: canonical.BlockText}),
					canonical.DeltaEvent(index, canonical.DeltaText, part.Text),
				}
			case part.Type == canonical.PartToolCall && part.ToolCall != nil:
				events = []canonical.Event{
					canonical.ContentStartEvent(index, canonical.Block{
						Type:       canonical.BlockToolCall,
						ToolCallID: part.ToolCall.ID,
						ToolName:   part.ToolCall.Name,
					}),
					canonical.DeltaEvent(index, canonical.DeltaToolArgs, string(part.ToolCall.Arguments)),
				}
			case part.Type == canonical.PartThinking && part.Thinking != nil && part.Thinking.RedactedData == "":
				events = []canonical.Event{
					canonical.ContentStartEvent(index, canonical.Block{Type: canonical.BlockThinking}),
					canonical.DeltaEvent(index, canonical.DeltaThinking, part.Thinking.Text),
				}
				if part.Thinking.Signature != "" {
					events = append(events, canonical.DeltaEvent(index, canonical.DeltaSignature, part.Thinking.Signature))
				}
			default:
				continue
			}
			events = append(events, canonical.ContentStopEvent(index))
			if !emit(events...) {
				return
			}
			index++
		}

		emit(canonical.FinishEvent(resp.FinishReason, resp.StopSequence, resp.Usage))
	}
}
