package canonical

// FinishReason is why generation stopped.
type FinishReason string

const (
	FinishStop         FinishReason = "stop"
	FinishLength       FinishReason = "length"
	FinishToolUse      FinishReason = "tool_use"
	FinishStopSequence FinishReason = "stop_sequence"
	FinishRefusal      FinishReason = "refusal"
	FinishPause        FinishReason = "pause"

	// FinishIncomplete is synthesized when the upstream stream ended without a terminal event.
	FinishIncomplete FinishReason = "incomplete"
)

// Usage reports token consumption.
type Usage struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
}

// Add merges a later usage report. Non-zero fields of u2 replace those of u, matching
// upstreams that report cumulative counts.
func (u Usage) Add(u2 Usage) Usage {
	if u2.InputTokens > 0 {
		u.InputTokens = u2.InputTokens
	}
	if u2.OutputTokens > 0 {
		u.OutputTokens = u2.OutputTokens
	}
	if u2.CacheReadTokens > 0 {
		u.CacheReadTokens = u2.CacheReadTokens
	}
	if u2.CacheWriteTokens > 0 {
		u.CacheWriteTokens = u2.CacheWriteTokens
	}
	return u
}

// Response is a complete, non-streamed model answer.
type Response struct {
	ID           string
	Model        string
	Content      []Part
	FinishReason FinishReason
	StopSequence string
	Usage        Usage
}

// Text concatenates the text parts of the response.
func (r Response) Text() string {
	return Message{Parts: r.Content}.Text()
}

// ToolCalls returns the tool call parts of the response in order.
func (r Response) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range r.Content {
		if p.Type == PartToolCall && p.ToolCall != nil {
			calls = append(calls, *p.ToolCall)
		}
	}
	return calls
}
