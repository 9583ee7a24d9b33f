package openaicompat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/openai/openai-go/v3"
	"github.com/tidwall/gjson"

	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format/openaichat"
)

// reasoningField is the non-standard field compatible upstreams use for reasoning output.
const reasoningField = "reasoning_content"

// toUsage converts OpenAI usage. prompt_tokens includes cached tokens; the canonical model
// counts them separately.
func toUsage(u openai.CompletionUsage) canonical.Usage {
	cached := u.PromptTokensDetails.CachedTokens
	return canonical.Usage{
		InputTokens:     u.PromptTokens - cached,
		OutputTokens:    u.CompletionTokens,
		CacheReadTokens: cached,
	}
}

// toArguments keeps valid JSON arguments as they are. Anything else is wrapped as a JSON
// string so the payload is never lost.
func toArguments(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

// toResponse converts the first choice of a completion.
func toResponse(c *openai.ChatCompletion) *canonical.Response {
	resp := &canonical.Response{
		ID:           c.ID,
		Model:        c.Model,
		Usage:        toUsage(c.Usage),
		FinishReason: canonical.FinishIncomplete,
	}
	if len(c.Choices) == 0 {
		return resp
	}

	choice := c.Choices[0]
	resp.FinishReason = openaichat.CanonicalFinish(choice.FinishReason)
	msg := choice.Message

	if reasoning := gjson.Get(msg.RawJSON(), reasoningField).String(); reasoning != "" {
		resp.Content = append(resp.Content, canonical.Part{
			Type:     canonical.PartThinking,
			Thinking: &canonical.Thinking{Text: reasoning},
		})
	}
	if msg.Content != "" {
		resp.Content = append(resp.Content, canonical.TextPart(msg.Content))
	}
	if msg.Refusal != "" {
		resp.Content = append(resp.Content, canonical.TextPart(msg.Refusal))
	}
	for _, tc := range msg.ToolCalls {
		resp.Content = append(resp.Content, canonical.ToolCallPart(tc.ID, tc.Function.Name, toArguments(tc.Function.Arguments)))
	}
	return resp
}

// streamState translates chat completion chunks into canonical events. OpenAI streams
// interleave text, reasoning and tool call deltas inside one choice; each change of kind
// closes the open block and opens the next.
type streamState struct {
	started bool
	open    bool
	current canonical.BlockType
	index   int

	// toolBlocks maps the upstream tool call index to its canonical block index.
	toolBlocks map[int64]int

	usage  canonical.Usage
	finish canonical.FinishReason
}

func newStreamState() *streamState {
	return &streamState{index: -1, toolBlocks: make(map[int64]int)}
}

func (s *streamState) openBlock(block canonical.Block) []canonical.Event {
	var out []canonical.Event
	if s.open {
		out = append(out, canonical.ContentStopEvent(s.index))
	}
	s.index++
	s.open = true
	s.current = block.Type
	return append(out, canonical.ContentStartEvent(s.index, block))
}

func (s *streamState) closeBlock() []canonical.Event {
	if !s.open {
		return nil
	}
	s.open = false
	return []canonical.Event{canonical.ContentStopEvent(s.index)}
}

// appendDelta adds a delta, opening a block of the matching type first when needed.
func (s *streamState) appendDelta(out []canonical.Event, typ canonical.BlockType, delta canonical.DeltaType, text string) []canonical.Event {
	if !s.open || s.current != typ {
		out = append(out, s.openBlock(canonical.Block{Type: typ})...)
	}
	return append(out, canonical.DeltaEvent(s.index, delta, text))
}

func (s *streamState) translate(ctx context.Context, chunk openai.ChatCompletionChunk) []canonical.Event {
	var out []canonical.Event
	if !s.started {
		s.started = true
		out = append(out, canonical.StartEvent(chunk.ID, chunk.Model, canonical.Usage{}))
	}

	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		s.usage = s.usage.Add(toUsage(chunk.Usage))
		out = append(out, canonical.UsageEvent(s.usage))
	}

	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		delta := choice.Delta

		if reasoning := gjson.Get(delta.RawJSON(), reasoningField).String(); reasoning != "" {
			out = s.appendDelta(out, canonical.BlockThinking, canonical.DeltaThinking, reasoning)
		}
		if delta.Content != "" {
			out = s.appendDelta(out, canonical.BlockText, canonical.DeltaText, delta.Content)
		}
		if delta.Refusal != "" {
			out = s.appendDelta(out, canonical.BlockText, canonical.DeltaText, delta.Refusal)
		}

		for _, tc := range delta.ToolCalls {
			idx, seen := s.toolBlocks[tc.Index]
			if !seen {
				out = append(out, s.openBlock(canonical.Block{
					Type:       canonical.BlockToolCall,
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
				})...)
				s.toolBlocks[tc.Index] = s.index
				idx = s.index
			}
			if tc.Function.Arguments == "" {
				continue
			}
			if !s.open || idx != s.index {
				// Arguments for a tool call whose block was already closed cannot be delivered.
				slog.WarnContext(ctx, "dropping interleaved tool call arguments", "tool_index", tc.Index)
				continue
			}
			out = append(out, canonical.DeltaEvent(idx, canonical.DeltaToolArgs, tc.Function.Arguments))
		}

		if choice.FinishReason != "" {
			s.finish = openaichat.CanonicalFinish(choice.FinishReason)
			out = append(out, s.closeBlock()...)
		}
	}
	return out
}

// end emits the terminal events once the upstream stream is exhausted. Without a finish
// reason only the open block is closed, leaving the stream incomplete.
func (s *streamState) end() []canonical.Event {
	out := s.closeBlock()
	if s.finish == "" {
		return out
	}
	return append(out, canonical.FinishEvent(s.finish, "", s.usage))
}
