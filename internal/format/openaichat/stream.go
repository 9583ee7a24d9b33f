package openaichat

import (
	"time"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

// streamEncoder renders canonical events as chat.completion.chunk frames.
type streamEncoder struct {
	sse          *format.SSEWriter
	id           string
	model        string
	created      int64
	includeUsage bool
	usage        canonical.Usage

	// toolIndex maps a content block index to its position among tool calls.
	toolIndex map[int]int
}

// NewStreamEncoder implements format.Codec.
func (Codec) NewStreamEncoder(w *format.SSEWriter, opts format.StreamOptions) format.StreamEncoder {
	return &streamEncoder{
		sse:          w,
		id:           NewCompletionID(),
		model:        opts.Model,
		created:      time.Now().Unix(),
		includeUsage: opts.IncludeUsage,
		toolIndex:    make(map[int]int),
	}
}

func (e *streamEncoder) chunk(delta ChunkDelta, finish *string) Chunk {
	return Chunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
}

// Encode implements format.StreamEncoder.
func (e *streamEncoder) Encode(ev canonical.Event) error {
	switch ev.Kind {
	case canonical.EventStart:
		e.usage = e.usage.Add(ev.Usage)
		if ev.Model != "" {
			e.model = ev.Model
		}
		return e.sse.WriteData(e.chunk(ChunkDelta{Role: "assistant", Content: ptr("")}, nil))

	case canonical.EventContentStart:
		if ev.Block.Type != canonical.BlockToolCall {
			return nil
		}
		idx := len(e.toolIndex)
		e.toolIndex[ev.Index] = idx
		return e.sse.WriteData(e.chunk(ChunkDelta{ToolCalls: []ToolCallDelta{{
			Index:    idx,
			ID:       ev.Block.ToolCallID,
			Type:     "function",
			Function: FunctionDelta{Name: ev.Block.ToolName},
		}}}, nil))

	case canonical.EventContentDelta:
		switch ev.Delta.Type {
		case canonical.DeltaText:
			return e.sse.WriteData(e.chunk(ChunkDelta{Content: ptr(ev.Delta.Text)}, nil))
		case canonical.DeltaThinking:
			return e.sse.WriteData(e.chunk(ChunkDelta{ReasoningContent: ptr(ev.Delta.Text)}, nil))
		case canonical.DeltaToolArgs:
			return e.sse.WriteData(e.chunk(ChunkDelta{ToolCalls: []ToolCallDelta{{
				Index:    e.toolIndex[ev.Index],
				Function: FunctionDelta{Arguments: ev.Delta.Text},
			}}}, nil))
		}
		// signatures have no chat completions representation
		return nil

	case canonical.EventUsage:
		e.usage = e.usage.Add(ev.Usage)
		return nil

	case canonical.EventFinish:
		e.usage = e.usage.Add(ev.Usage)
		if err := e.sse.WriteData(e.chunk(ChunkDelta{}, ptr(FinishReason(ev.Finish)))); err != nil {
			return err
		}
		if e.includeUsage {
			final := e.chunk(ChunkDelta{}, nil)
			final.Choices = []ChunkChoice{}
			final.Usage = toUsage(e.usage)
			if err := e.sse.WriteData(final); err != nil {
				return err
			}
		}
		return e.sse.WriteRaw("[DONE]")

	case canonical.EventError:
		return e.sse.WriteEvent("error", errorResponse(apierror.Problem{
			Kind:    apierror.Kind(ev.Err.Kind),
			Message: ev.Err.Message,
		}))
	}
	return nil
}

// KeepAlive implements format.StreamEncoder.
func (e *streamEncoder) KeepAlive() error {
	return e.sse.WriteComment("keep-alive")
}
