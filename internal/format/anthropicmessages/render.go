package anthropicmessages

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

// RenderRequest encodes a canonical request as an Anthropic Messages request body.
// Parameters whose tier is ignored or rejected are omitted.
func (Codec) RenderRequest(req canonical.Request) ([]byte, error) {
	wire := Request{
		Model:     req.Model,
		MaxTokens: ptr(req.MaxTokens),
		Stream:    req.Stream,
		Messages:  []Message{},
	}

	if len(req.Messages) > 0 && req.Messages[0].Role == canonical.RoleSystem {
		system, err := renderSystem(req.Messages[0])
		if err != nil {
			return nil, err
		}
		wire.System = system
	}

	msgs, err := renderMessages(req.Conversation())
	if err != nil {
		return nil, err
	}
	wire.Messages = msgs

	s := req.Sampling
	if s.Temperature.Forward() {
		wire.Temperature = ptr(s.Temperature.Value)
	}
	if s.TopP.Forward() {
		wire.TopP = ptr(s.TopP.Value)
	}
	if s.TopK.Forward() {
		wire.TopK = ptr(s.TopK.Value)
	}
	if s.StopSequences.Forward() {
		wire.StopSequences = s.StopSequences.Value
	}

	for _, t := range req.Tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		wire.Tools = append(wire.Tools, Tool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	if req.ToolChoice.Mode != "" {
		wire.ToolChoice = &ToolChoice{
			Type:                   string(req.ToolChoice.Mode),
			Name:                   req.ToolChoice.Name,
			DisableParallelToolUse: req.ToolChoice.DisableParallel,
		}
	}

	if req.Thinking != nil {
		if req.Thinking.Enabled {
			wire.Thinking = &Thinking{Type: "enabled", BudgetTokens: req.Thinking.BudgetTokens}
		} else {
			wire.Thinking = &Thinking{Type: "disabled"}
		}
	}
	if req.Metadata.UserID != "" {
		wire.Metadata = &Metadata{UserID: req.Metadata.UserID}
	}

	return format.MergeExtensions(wire, req.Extensions)
}

func renderSystem(m canonical.Message) (json.RawMessage, error) {
	if len(m.Parts) == 1 {
		return json.Marshal(m.Parts[0].Text)
	}
	blocks := make([]ContentBlock, 0, len(m.Parts))
	for _, p := range m.Parts {
		blocks = append(blocks, ContentBlock{Type: "text", Text: ptr(p.Text)})
	}
	return json.Marshal(blocks)
}

// renderMessages converts the conversation, folding tool messages into the following user
// turn as Anthropic's role alternation requires.
func renderMessages(conv []canonical.Message) ([]Message, error) {
	type pending struct {
		role   string
		blocks []ContentBlock
		single *string
	}
	var out []pending

	for _, m := range conv {
		role := "user"
		if m.Role == canonical.RoleAssistant {
			role = "assistant"
		}
		blocks := make([]ContentBlock, 0, len(m.Parts))
		for _, p := range m.Parts {
			b, err := renderBlock(p)
			if err != nil {
				return nil, err
			}
			blocks = append(blocks, b)
		}

		if n := len(out); n > 0 && out[n-1].role == role {
			if out[n-1].single != nil {
				out[n-1].blocks = []ContentBlock{{Type: "text", Text: out[n-1].single}}
				out[n-1].single = nil
			}
			out[n-1].blocks = append(out[n-1].blocks, blocks...)
			continue
		}

		next := pending{role: role, blocks: blocks}
		if m.Role != canonical.RoleTool && len(m.Parts) == 1 && m.Parts[0].Type == canonical.PartText {
			next.single = ptr(m.Parts[0].Text)
			next.blocks = nil
		}
		out = append(out, next)
	}

	msgs := make([]Message, 0, len(out))
	for _, p := range out {
		var content json.RawMessage
		var err error
		if p.single != nil {
			content, err = json.Marshal(*p.single)
		} else {
			content, err = json.Marshal(p.blocks)
		}
		if err != nil {
			return nil, fmt.Errorf("encode %s message: %w", p.role, err)
		}
		msgs = append(msgs, Message{Role: p.role, Content: content})
	}
	return msgs, nil
}

func renderBlock(p canonical.Part) (ContentBlock, error) {
	switch p.Type {
	case canonical.PartText:
		return ContentBlock{Type: "text", Text: ptr(p.Text)}, nil
	case canonical.PartImage:
		return ContentBlock{Type: "image", Source: renderImageSource(p.Image)}, nil
	case canonical.PartDocument:
		src := &Source{Type: "base64", MediaType: p.Document.MediaType, Data: p.Document.Data}
		if p.Document.MediaType == "text/plain" {
			src.Type = "text"
		}
		return ContentBlock{Type: "document", Source: src, Title: p.Document.Title}, nil
	case canonical.PartToolCall:
		input := p.ToolCall.Arguments
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return ContentBlock{Type: "tool_use", ID: p.ToolCall.ID, Name: p.ToolCall.Name, Input: input}, nil
	case canonical.PartToolResult:
		b := ContentBlock{Type: "tool_result", ToolUseID: p.ToolResult.CallID, IsError: p.ToolResult.IsError}
		content, err := renderToolResultContent(p.ToolResult.Content)
		if err != nil {
			return ContentBlock{}, err
		}
		b.Content = content
		return b, nil
	case canonical.PartThinking:
		if p.Thinking.RedactedData != "" {
			return ContentBlock{Type: "redacted_thinking", Data: p.Thinking.RedactedData}, nil
		}
		return ContentBlock{Type: "thinking", Thinking: ptr(p.Thinking.Text), Signature: ptr(p.Thinking.Signature)}, nil
	}
	return ContentBlock{}, fmt.Errorf("unsupported part type %q", p.Type)
}

func renderImageSource(img *canonical.Image) *Source {
	if img.URL != "" {
		return &Source{Type: "url", URL: img.URL}
	}
	return &Source{Type: "base64", MediaType: img.MediaType, Data: img.Data}
}

func renderToolResultContent(parts []canonical.Part) (json.RawMessage, error) {
	switch {
	case len(parts) == 0:
		return nil, nil
	case len(parts) == 1 && parts[0].Type == canonical.PartText:
		return json.Marshal(parts[0].Text)
	}
	blocks := make([]ContentBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			blocks = append(blocks, ContentBlock{Type: "text", Text: ptr(p.Text)})
		case canonical.PartImage:
			blocks = append(blocks, ContentBlock{Type: "image", Source: renderImageSource(p.Image)})
		default:
			return nil, fmt.Errorf("unsupported tool result part %q", p.Type)
		}
	}
	return json.Marshal(blocks)
}

// RenderResponse encodes a complete response as an Anthropic message.
func (Codec) RenderResponse(resp canonical.Response) ([]byte, error) {
	wire := Response{
		ID:      resp.ID,
		Type:    "message",
		Role:    "assistant",
		Model:   resp.Model,
		Content: []ContentBlock{},
		Usage:   toUsage(resp.Usage),
	}
	if wire.ID == "" {
		wire.ID = NewMessageID()
	}
	for _, p := range resp.Content {
		b, err := renderBlock(p)
		if err != nil {
			return nil, err
		}
		wire.Content = append(wire.Content, b)
	}
	wire.StopReason = ptr(StopReason(resp.FinishReason))
	if resp.StopSequence != "" {
		wire.StopSequence = ptr(resp.StopSequence)
	}
	return json.Marshal(wire)
}

func toUsage(u canonical.Usage) Usage {
	return Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CacheReadInputTokens:     u.CacheReadTokens,
		CacheCreationInputTokens: u.CacheWriteTokens,
	}
}

// StopReason maps a canonical finish reason to Anthropic's stop_reason.
func StopReason(reason canonical.FinishReason) string {
	switch reason {
	case canonical.FinishLength:
		return "max_tokens"
	case canonical.FinishToolUse:
		return "tool_use"
	case canonical.FinishStopSequence:
		return "stop_sequence"
	case canonical.FinishRefusal:
		return "refusal"
	case canonical.FinishPause:
		return "pause_turn"
	default:
		// stop and incomplete both end the turn from the client's point of view
		return "end_turn"
	}
}

// FinishReason maps Anthropic's stop_reason to the canonical finish reason.
func FinishReason(stopReason string) canonical.FinishReason {
	switch stopReason {
	case "max_tokens":
		return canonical.FinishLength
	case "tool_use":
		return canonical.FinishToolUse
	case "stop_sequence":
		return canonical.FinishStopSequence
	case "refusal":
		return canonical.FinishRefusal
	case "pause_turn":
		return canonical.FinishPause
	default:
		return canonical.FinishStop
	}
}

// NewMessageID generates an Anthropic-style message id.
func NewMessageID() string {
	return "msg_" + uuid.New().String()
}
