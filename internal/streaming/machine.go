// Package streaming turns a provider's event sequence into a well-formed client stream. A
// state machine validates the canonical event order, and the engine moves events from the
// upstream reader to the client writer with bounded buffering, keep-alives and cancellation.
package streaming

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
)

type state int

const (
	stateIdle state = iota
	stateStarted
	stateOpen
	stateFinished
	stateErrored
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarted:
		return "started"
	case stateOpen:
		return "open"
	case stateFinished:
		return "finished"
	default:
		return "errored"
	}
}

// Machine enforces the canonical event order:
// start, then (content_start, content_delta*, content_stop)*, then finish or error.
// Usage events may appear anywhere after start.
type Machine struct {
	state state
	next  int
	open  int

	usage     canonical.Usage
	finish    canonical.FinishReason
	streamErr *canonical.StreamError
	output    strings.Builder
	anomalies []string
}

// NewMachine returns a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{open: -1}
}

// Done reports whether a terminal event has been accepted.
func (m *Machine) Done() bool {
	return m.state == stateFinished || m.state == stateErrored
}

// Started reports whether the start event has been accepted.
func (m *Machine) Started() bool {
	return m.state != stateIdle
}

// Usage is the accumulated usage.
func (m *Machine) Usage() canonical.Usage { return m.usage }

// Finish is the accepted finish reason, empty until the stream finished normally.
func (m *Machine) Finish() canonical.FinishReason { return m.finish }

// StreamError is the accepted error event payload, if the stream ended with one.
func (m *Machine) StreamError() *canonical.StreamError { return m.streamErr }

// Output is the generated text seen so far, including reasoning and tool arguments.
func (m *Machine) Output() string { return m.output.String() }

// Anomalies lists the events discarded after the stream ended.
func (m *Machine) Anomalies() []string { return m.anomalies }

// Accept validates ev and returns the events to forward. A finish arriving while a block is
// open is preceded by the missing content_stop. Events after the terminal event are discarded.
func (m *Machine) Accept(ev canonical.Event) ([]canonical.Event, error) {
	if m.Done() {
		m.anomalies = append(m.anomalies, fmt.Sprintf("%s after %s", ev.Kind, m.state))
		return nil, nil
	}

	switch ev.Kind {
	case canonical.EventStart:
		if m.state != stateIdle {
			return nil, m.violate(-1, "duplicate start")
		}
		m.state = stateStarted
		m.usage = m.usage.Add(ev.Usage)
		return []canonical.Event{ev}, nil

	case canonical.EventContentStart:
		switch {
		case m.state == stateIdle:
			return nil, m.violate(ev.Index, "content_start before start")
		case m.state == stateOpen:
			return nil, m.violate(ev.Index, fmt.Sprintf("content_start while block %d is open", m.open))
		case ev.Index != m.next:
			return nil, m.violate(ev.Index, fmt.Sprintf("content_start out of order, expected index %d", m.next))
		}
		m.state = stateOpen
		m.open = ev.Index
		m.next++
		return []canonical.Event{ev}, nil

	case canonical.EventContentDelta:
		if m.state != stateOpen || ev.Index != m.open {
			return nil, m.violate(ev.Index, "content_delta for a block that is not open")
		}
		if ev.Delta.Type != canonical.DeltaSignature {
			m.output.WriteString(ev.Delta.Text)
		}
		return []canonical.Event{ev}, nil

	case canonical.EventContentStop:
		if m.state != stateOpen || ev.Index != m.open {
			return nil, m.violate(ev.Index, "content_stop for a block that is not open")
		}
		m.state = stateStarted
		m.open = -1
		return []canonical.Event{ev}, nil

	case canonical.EventUsage:
		if m.state == stateIdle {
			return nil, m.violate(-1, "usage before start")
		}
		m.usage = m.usage.Add(ev.Usage)
		ev.Usage = m.usage
		return []canonical.Event{ev}, nil

	case canonical.EventFinish:
		if m.state == stateIdle {
			return nil, m.violate(-1, "finish before start")
		}
		out := m.closeOpen()
		m.usage = m.usage.Add(ev.Usage)
		ev.Usage = m.usage
		m.finish = ev.Finish
		m.state = stateFinished
		return append(out, ev), nil

	case canonical.EventError:
		m.streamErr = &ev.Err
		m.state = stateErrored
		return []canonical.Event{ev}, nil
	}

	return nil, m.violate(ev.Index, fmt.Sprintf("unknown event kind %q", ev.Kind))
}

func (m *Machine) closeOpen() []canonical.Event {
	if m.state != stateOpen {
		return nil
	}
	idx := m.open
	m.state = stateStarted
	m.open = -1
	return []canonical.Event{canonical.ContentStopEvent(idx)}
}

func (m *Machine) violate(index int, reason string) error {
	return &apierror.ProtocolViolation{Index: index, Reason: reason}
}

// Violation ends the stream with an error event describing err.
func (m *Machine) Violation(err error) canonical.Event {
	return m.Fail(err)
}

// Fail ends the stream with an error event for err, classified into the error taxonomy.
func (m *Machine) Fail(err error) canonical.Event {
	p := apierror.Classify(err)
	ev := canonical.ErrorEvent(string(p.Kind), p.Message)
	m.streamErr = &ev.Err
	m.state = stateErrored
	return ev
}

// Incomplete ends a stream whose upstream stopped without a terminal event: the open block is
// closed and an incomplete finish is synthesized. A stream that never started has nothing to
// finish and ends with an error instead.
func (m *Machine) Incomplete() []canonical.Event {
	if m.state == stateIdle {
		return []canonical.Event{m.Fail(&apierror.UpstreamError{
			Kind:    apierror.KindAPI,
			Status:  http.StatusBadGateway,
			Message: "upstream closed the stream without sending any event",
		})}
	}
	out := m.closeOpen()
	m.finish = canonical.FinishIncomplete
	m.state = stateFinished
	return append(out, canonical.FinishEvent(canonical.FinishIncomplete, "", m.usage))
}

// estimateOutput fills in output tokens with estimate when upstream never reported them.
func (m *Machine) estimateOutput(events []canonical.Event, estimate func(string) int) {
	if estimate == nil || m.usage.OutputTokens > 0 {
		return
	}
	m.usage.OutputTokens = int64(estimate(m.Output()))
	for i := range events {
		if events[i].Kind == canonical.EventFinish {
			events[i].Usage = m.usage
		}
	}
}
