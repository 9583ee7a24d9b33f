package anthropicmessages

import (
	"encoding/json"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

type messageStart struct {
	Type    string   `json:"type"`
	Message Response `json:"message"`
}

type blockStart struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

type blockDelta struct {
	Type  string     `json:"type"`
	Index int        `json:"index"`
	Delta deltaFrame `json:"delta"`
}

type deltaFrame struct {
	Type        string  `json:"type"`
	Text        *string `json:"text,omitempty"`
	PartialJSON *string `json:"partial_json,omitempty"`
	Thinking    *string `json:"thinking,omitempty"`
	Signature   *string `json:"signature,omitempty"`
}

type blockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

type messageDelta struct {
	Type  string            `json:"type"`
	Delta messageDeltaFrame `json:"delta"`
	Usage Usage             `json:"usage"`
}

type messageDeltaFrame struct {
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type typeOnly struct {
	Type string `json:"type"`
}

// streamEncoder renders canonical events as Anthropic SSE events.
type streamEncoder struct {
	sse   *format.SSEWriter
	model string
	usage canonical.Usage
}

// NewStreamEncoder implements format.Codec.
func (Codec) NewStreamEncoder(w *format.SSEWriter, opts format.StreamOptions) format.StreamEncoder {
	return &streamEncoder{sse: w, model: opts.Model}
}

// Encode implements format.StreamEncoder.
func (e *streamEncoder) Encode(ev canonical.Event) error {
	switch ev.Kind {
	case canonical.EventStart:
		e.usage = e.usage.Add(ev.Usage)
		model := ev.Model
		if model == "" {
			model = e.model
		}
		id := ev.ResponseID
		if id == "" {
			id = NewMessageID()
		}
		return e.sse.WriteEvent("message_start", messageStart{
			Type: "message_start",
			Message: Response{
				ID:      id,
				Type:    "message",
				Role:    "assistant",
				Model:   model,
				Content: []ContentBlock{},
				Usage:   toUsage(e.usage),
			},
		})

	case canonical.EventContentStart:
		var block ContentBlock
		switch ev.Block.Type {
		case canonical.BlockToolCall:
			block = ContentBlock{Type: "tool_use", ID: ev.Block.ToolCallID, Name: ev.Block.ToolName, Input: json.RawMessage(`{}`)}
		case canonical.BlockThinking:
			block = ContentBlock{Type: "thinking", Thinking: ptr(""), Signature: ptr("")}
		default:
			block = ContentBlock{Type: "text", Text: ptr("")}
		}
		return e.sse.WriteEvent("content_block_start", blockStart{Type: "content_block_start", Index: ev.Index, ContentBlock: block})

	case canonical.EventContentDelta:
		var d deltaFrame
		switch ev.Delta.Type {
		case canonical.DeltaToolArgs:
			d = deltaFrame{Type: "input_json_delta", PartialJSON: ptr(ev.Delta.Text)}
		case canonical.DeltaThinking:
			d = deltaFrame{Type: "thinking_delta", Thinking: ptr(ev.Delta.Text)}
		case canonical.DeltaSignature:
			d = deltaFrame{Type: "signature_delta", Signature: ptr(ev.Delta.Text)}
		default:
			d = deltaFrame{Type: "text_delta", Text: ptr(ev.Delta.Text)}
		}
		return e.sse.WriteEvent("content_block_delta", blockDelta{Type: "content_block_delta", Index: ev.Index, Delta: d})

	case canonical.EventContentStop:
		return e.sse.WriteEvent("content_block_stop", blockStop{Type: "content_block_stop", Index: ev.Index})

	case canonical.EventUsage:
		e.usage = e.usage.Add(ev.Usage)
		return nil

	case canonical.EventFinish:
		e.usage = e.usage.Add(ev.Usage)
		frame := messageDelta{
			Type:  "message_delta",
			Delta: messageDeltaFrame{StopReason: StopReason(ev.Finish)},
			Usage: toUsage(e.usage),
		}
		if ev.StopSequence != "" {
			frame.Delta.StopSequence = ptr(ev.StopSequence)
		}
		if err := e.sse.WriteEvent("message_delta", frame); err != nil {
			return err
		}
		return e.sse.WriteEvent("message_stop", typeOnly{Type: "message_stop"})

	case canonical.EventError:
		return e.sse.WriteEvent("error", ErrorResponse{
			Type:  "error",
			Error: ErrorDetail{Type: ErrorType(apierror.Kind(ev.Err.Kind)), Message: ev.Err.Message},
		})
	}
	return nil
}

// KeepAlive implements format.StreamEncoder.
func (e *streamEncoder) KeepAlive() error {
	return e.sse.WriteEvent("ping", typeOnly{Type: "ping"})
}
