package openaichat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

// toolResultImagePlaceholder stands in for images inside tool results, which the chat
// completions tool role cannot carry.
const toolResultImagePlaceholder = "[image omitted: tool results carry text only]"

// RenderRequest encodes a canonical request as a Chat Completions request body.
// Parameters whose tier is ignored or rejected are omitted, as is top_k which the format lacks.
func (Codec) RenderRequest(req canonical.Request) ([]byte, error) {
	wire := Request{
		Model:               req.Model,
		MaxCompletionTokens: ptr(req.MaxTokens),
		Stream:              req.Stream,
		User:                req.Metadata.UserID,
	}
	if req.Stream && req.IncludeUsage {
		wire.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		rendered, err := renderMessage(m)
		if err != nil {
			return nil, err
		}
		wire.Messages = append(wire.Messages, rendered...)
	}

	s := req.Sampling
	if s.Temperature.Forward() {
		wire.Temperature = ptr(s.Temperature.Value)
	}
	if s.TopP.Forward() {
		wire.TopP = ptr(s.TopP.Value)
	}
	if s.FrequencyPenalty.Forward() {
		wire.FrequencyPenalty = ptr(s.FrequencyPenalty.Value)
	}
	if s.PresencePenalty.Forward() {
		wire.PresencePenalty = ptr(s.PresencePenalty.Value)
	}
	if s.Seed.Forward() {
		wire.Seed = ptr(s.Seed.Value)
	}
	if s.StopSequences.Forward() {
		stop, err := json.Marshal(s.StopSequences.Value)
		if err != nil {
			return nil, err
		}
		wire.Stop = stop
	}

	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, Tool{
			Type:     "function",
			Function: &Function{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	if tc, err := renderToolChoice(req.ToolChoice); err != nil {
		return nil, err
	} else if tc != nil {
		wire.ToolChoice = tc
	}
	if req.ToolChoice.DisableParallel {
		wire.ParallelToolCalls = ptr(false)
	}

	if req.Thinking != nil && req.Thinking.Enabled {
		wire.ReasoningEffort = effortFor(req.Thinking.BudgetTokens)
	}

	return format.MergeExtensions(wire, req.Extensions)
}

func renderToolChoice(tc canonical.ToolChoice) (json.RawMessage, error) {
	switch tc.Mode {
	case canonical.ToolChoiceAuto:
		return json.Marshal("auto")
	case canonical.ToolChoiceNone:
		return json.Marshal("none")
	case canonical.ToolChoiceAny:
		return json.Marshal("required")
	case canonical.ToolChoiceTool:
		named := namedToolChoice{Type: "function"}
		named.Function = &struct {
			Name string `json:"name"`
		}{Name: tc.Name}
		return json.Marshal(named)
	}
	return nil, nil
}

// renderMessage converts one canonical message. A tool message carrying several results
// becomes one tool message per result.
func renderMessage(m canonical.Message) ([]Message, error) {
	switch m.Role {
	case canonical.RoleSystem:
		content, err := renderTextContent(m.Parts)
		if err != nil {
			return nil, err
		}
		return []Message{{Role: "system", Content: content}}, nil

	case canonical.RoleUser:
		content, err := renderUserContent(m.Parts)
		if err != nil {
			return nil, err
		}
		return []Message{{Role: "user", Content: content}}, nil

	case canonical.RoleAssistant:
		msg, err := renderAssistant(m.Parts)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil

	case canonical.RoleTool:
		out := make([]Message, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.ToolResult == nil {
				continue
			}
			texts := make([]canonical.Part, 0, len(p.ToolResult.Content))
			for _, c := range p.ToolResult.Content {
				if c.Type == canonical.PartImage {
					texts = append(texts, canonical.TextPart(toolResultImagePlaceholder))
					continue
				}
				texts = append(texts, c)
			}
			content, err := renderTextContent(texts)
			if err != nil {
				return nil, err
			}
			if content == nil {
				content = json.RawMessage(`""`)
			}
			out = append(out, Message{Role: "tool", ToolCallID: p.ToolResult.CallID, Content: content})
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported role %q", m.Role)
}

func renderTextContent(parts []canonical.Part) (json.RawMessage, error) {
	switch {
	case len(parts) == 0:
		return nil, nil
	case len(parts) == 1 && parts[0].Type == canonical.PartText:
		return json.Marshal(parts[0].Text)
	}
	items := make([]ContentPart, 0, len(parts))
	for _, p := range parts {
		if p.Type != canonical.PartText {
			return nil, fmt.Errorf("expected text part, got %q", p.Type)
		}
		items = append(items, ContentPart{Type: "text", Text: ptr(p.Text)})
	}
	return json.Marshal(items)
}

func renderUserContent(parts []canonical.Part) (json.RawMessage, error) {
	if len(parts) == 1 && parts[0].Type == canonical.PartText {
		return json.Marshal(parts[0].Text)
	}
	items := make([]ContentPart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			items = append(items, ContentPart{Type: "text", Text: ptr(p.Text)})
		case canonical.PartImage:
			url := p.Image.URL
			if url == "" {
				url = "data:" + p.Image.MediaType + ";base64," + p.Image.Data
			}
			items = append(items, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
		case canonical.PartDocument:
			data := p.Document.Data
			if p.Document.MediaType == "text/plain" {
				data = base64.StdEncoding.EncodeToString([]byte(data))
			}
			items = append(items, ContentPart{Type: "file", File: &File{
				FileData: "data:" + p.Document.MediaType + ";base64," + data,
				Filename: p.Document.Title,
			}})
		default:
			return nil, fmt.Errorf("unsupported user part %q", p.Type)
		}
	}
	return json.Marshal(items)
}

func renderAssistant(parts []canonical.Part) (Message, error) {
	msg := Message{Role: "assistant"}
	var (
		texts     []canonical.Part
		reasoning strings.Builder
	)
	for _, p := range parts {
		switch p.Type {
		case canonical.PartText:
			texts = append(texts, p)
		case canonical.PartThinking:
			reasoning.WriteString(p.Thinking.Text)
		case canonical.PartToolCall:
			args := string(p.ToolCall.Arguments)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:       p.ToolCall.ID,
				Type:     "function",
				Function: FunctionCall{Name: p.ToolCall.Name, Arguments: args},
			})
		default:
			return Message{}, fmt.Errorf("unsupported assistant part %q", p.Type)
		}
	}
	if reasoning.Len() > 0 {
		msg.ReasoningContent = ptr(reasoning.String())
	}
	content, err := renderTextContent(texts)
	if err != nil {
		return Message{}, err
	}
	if content == nil {
		content = json.RawMessage(`null`)
	}
	msg.Content = content
	return msg, nil
}

// RenderResponse encodes a complete response as a chat.completion object.
func (Codec) RenderResponse(resp canonical.Response) ([]byte, error) {
	msg := ResponseMessage{Role: "assistant"}
	var reasoning strings.Builder
	for _, p := range resp.Content {
		switch p.Type {
		case canonical.PartThinking:
			reasoning.WriteString(p.Thinking.Text)
		case canonical.PartToolCall:
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:       p.ToolCall.ID,
				Type:     "function",
				Function: FunctionCall{Name: p.ToolCall.Name, Arguments: string(p.ToolCall.Arguments)},
			})
		}
	}
	if text := resp.Text(); text != "" || len(msg.ToolCalls) == 0 {
		msg.Content = ptr(text)
	}
	if reasoning.Len() > 0 {
		msg.ReasoningContent = ptr(reasoning.String())
	}
	if resp.FinishReason == canonical.FinishRefusal && msg.Content != nil {
		msg.Refusal = msg.Content
	}

	id := resp.ID
	if id == "" || !strings.HasPrefix(id, "chatcmpl-") {
		id = NewCompletionID()
	}
	return json.Marshal(Response{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []Choice{{Index: 0, Message: msg, FinishReason: FinishReason(resp.FinishReason)}},
		Usage:   toUsage(resp.Usage),
	})
}

func toUsage(u canonical.Usage) *Usage {
	out := &Usage{
		PromptTokens:     u.InputTokens + u.CacheReadTokens + u.CacheWriteTokens,
		CompletionTokens: u.OutputTokens,
	}
	out.TotalTokens = out.PromptTokens + out.CompletionTokens
	if u.CacheReadTokens > 0 {
		out.PromptTokensDetails = &PromptTokensDetails{CachedTokens: u.CacheReadTokens}
	}
	return out
}

// FinishReason maps a canonical finish reason to OpenAI's finish_reason.
func FinishReason(reason canonical.FinishReason) string {
	switch reason {
	case canonical.FinishLength:
		return "length"
	case canonical.FinishToolUse:
		return "tool_calls"
	case canonical.FinishRefusal:
		return "content_filter"
	default:
		return "stop"
	}
}

// CanonicalFinish maps OpenAI's finish_reason to the canonical finish reason.
func CanonicalFinish(reason string) canonical.FinishReason {
	switch reason {
	case "length":
		return canonical.FinishLength
	case "tool_calls", "function_call":
		return canonical.FinishToolUse
	case "content_filter":
		return canonical.FinishRefusal
	default:
		return canonical.FinishStop
	}
}

// NewCompletionID generates an OpenAI-style completion id.
func NewCompletionID() string {
	return "chatcmpl-" + uuid.New().String()
}
