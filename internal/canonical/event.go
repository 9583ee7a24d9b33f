package canonical

// EventKind discriminates stream events.
type EventKind string

const (
	EventStart        EventKind = "start"
	EventContentStart EventKind = "content_start"
	EventContentDelta EventKind = "content_delta"
	EventContentStop  EventKind = "content_stop"
	EventUsage        EventKind = "usage"
	EventFinish       EventKind = "finish"
	EventError        EventKind = "error"
)

// BlockType is the type of a streamed content block.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockToolCall BlockType = "tool_call"
	BlockThinking BlockType = "thinking"
)

// DeltaType is the type of a content fragment.
type DeltaType string

const (
	DeltaText      DeltaType = "text"
	DeltaToolArgs  DeltaType = "tool_args"
	DeltaThinking  DeltaType = "thinking"
	DeltaSignature DeltaType = "signature"
)

// Block describes a content block at open time.
type Block struct {
	Type       BlockType
	ToolCallID string
	ToolName   string
}

// Delta is one content fragment, forwarded verbatim.
type Delta struct {
	Type DeltaType
	Text string
}

// StreamError is the payload of a terminal error event.
type StreamError struct {
	Kind    string
	Message string
}

// Event is one element of a canonical response stream.
type Event struct {
	Kind  EventKind
	Index int

	// start
	ResponseID string
	Model      string

	// content_start
	Block Block

	// content_delta
	Delta Delta

	// usage, start, finish
	Usage Usage

	// finish
	Finish       FinishReason
	StopSequence string

	// error
	Err StreamError
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Kind == EventFinish || e.Kind == EventError
}

// StartEvent returns a start event.
func StartEvent(id, model string, usage Usage) Event {
	return Event{Kind: EventStart, ResponseID: id, Model: model, Usage: usage}
}

// ContentStartEvent opens a content block.
func ContentStartEvent(index int, block Block) Event {
	return Event{Kind: EventContentStart, Index: index, Block: block}
}

// DeltaEvent carries a fragment for an open block.
func DeltaEvent(index int, typ DeltaType, text string) Event {
	return Event{Kind: EventContentDelta, Index: index, Delta: Delta{Type: typ, Text: text}}
}

// ContentStopEvent closes a content block.
func ContentStopEvent(index int) Event {
	return Event{Kind: EventContentStop, Index: index}
}

// UsageEvent reports token usage.
func UsageEvent(usage Usage) Event {
	return Event{Kind: EventUsage, Usage: usage}
}

// FinishEvent terminates a stream normally.
func FinishEvent(reason FinishReason, stopSequence string, usage Usage) Event {
	return Event{Kind: EventFinish, Finish: reason, StopSequence: stopSequence, Usage: usage}
}

// ErrorEvent terminates a stream with an error.
func ErrorEvent(kind, message string) Event {
	return Event{Kind: EventError, Err: StreamError{Kind: kind, Message: message}}
}
