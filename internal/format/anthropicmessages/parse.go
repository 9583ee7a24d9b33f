package anthropicmessages

import (
	"encoding/json"
	"fmt"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

// ParseRequest decodes an Anthropic Messages request into the canonical model.
func (Codec) ParseRequest(body []byte) (canonical.Request, error) {
	return parseRequest(body, true)
}

// ParseCountTokens decodes a count_tokens request. It carries the Messages shape without
// max_tokens.
func ParseCountTokens(body []byte) (canonical.Request, error) {
	return parseRequest(body, false)
}

func parseRequest(body []byte, requireMaxTokens bool) (canonical.Request, error) {
	var wire Request
	if err := format.Decode(body, &wire); err != nil {
		return canonical.Request{}, err
	}
	ext, err := format.Extensions(body, knownFields)
	if err != nil {
		return canonical.Request{}, err
	}

	if wire.Model == "" {
		return canonical.Request{}, apierror.Parsef("model", "is required")
	}
	if wire.MaxTokens == nil && requireMaxTokens {
		return canonical.Request{}, apierror.Parsef("max_tokens", "is required")
	}
	if wire.MaxTokens != nil && *wire.MaxTokens < 1 {
		return canonical.Request{}, apierror.Parsef("max_tokens", "must be at least 1")
	}
	if len(wire.Messages) == 0 {
		return canonical.Request{}, apierror.Parsef("messages", "at least one message is required")
	}

	req := canonical.Request{
		Origin:     canonical.FormatAnthropic,
		Model:      wire.Model,
		Stream:     wire.Stream,
		Extensions: ext,
	}

	if wire.MaxTokens != nil {
		req.MaxTokens = *wire.MaxTokens
	}

	var msgs []canonical.Message
	if len(wire.System) > 0 {
		system, err := parseSystem(wire.System)
		if err != nil {
			return canonical.Request{}, err
		}
		if system != nil {
			msgs = append(msgs, *system)
		}
	}
	for i, m := range wire.Messages {
		converted, err := parseMessage(m, fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return canonical.Request{}, err
		}
		msgs = append(msgs, converted...)
	}
	if req.Messages, err = canonical.Normalize(msgs); err != nil {
		return canonical.Request{}, err
	}

	if wire.Temperature != nil {
		req.Sampling.Temperature = canonical.Some(*wire.Temperature)
	}
	if wire.TopP != nil {
		req.Sampling.TopP = canonical.Some(*wire.TopP)
	}
	if wire.TopK != nil {
		req.Sampling.TopK = canonical.Some(*wire.TopK)
	}
	if len(wire.StopSequences) > 0 {
		req.Sampling.StopSequences = canonical.Some(wire.StopSequences)
	}

	for i, t := range wire.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if t.Type != "" && t.Type != "custom" {
			return canonical.Request{}, apierror.Parsef(field+".type", "server tool %q is not supported", t.Type)
		}
		if t.Name == "" {
			return canonical.Request{}, apierror.Parsef(field+".name", "is required")
		}
		req.Tools = append(req.Tools, canonical.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	if wire.ToolChoice != nil {
		tc, err := parseToolChoice(*wire.ToolChoice)
		if err != nil {
			return canonical.Request{}, err
		}
		req.ToolChoice = tc
	}

	if wire.Thinking != nil {
		switch wire.Thinking.Type {
		case "enabled":
			if wire.Thinking.BudgetTokens < 1 {
				return canonical.Request{}, apierror.Parsef("thinking.budget_tokens", "is required when thinking is enabled")
			}
			req.Thinking = &canonical.ThinkingConfig{Enabled: true, BudgetTokens: wire.Thinking.BudgetTokens}
		case "disabled":
			req.Thinking = &canonical.ThinkingConfig{}
		default:
			return canonical.Request{}, apierror.Parsef("thinking.type", "unsupported value %q", wire.Thinking.Type)
		}
	}

	if wire.Metadata != nil {
		req.Metadata.UserID = wire.Metadata.UserID
	}

	return req, nil
}

func parseSystem(raw json.RawMessage) (*canonical.Message, error) {
	s, blocks, isString, err := format.StringOrArray[ContentBlock](raw, "system")
	if err != nil {
		return nil, err
	}
	if isString {
		if s == "" {
			return nil, nil
		}
		return &canonical.Message{Role: canonical.RoleSystem, Parts: []canonical.Part{canonical.TextPart(s)}}, nil
	}
	msg := &canonical.Message{Role: canonical.RoleSystem}
	for i, b := range blocks {
		if b.Type != "text" || b.Text == nil {
			return nil, apierror.Parsef(fmt.Sprintf("system[%d].type", i), "system blocks must be text")
		}
		msg.Parts = append(msg.Parts, canonical.TextPart(*b.Text))
	}
	if len(msg.Parts) == 0 {
		return nil, nil
	}
	return msg, nil
}

// parseMessage converts one wire message. A user message carrying tool_result blocks is split
// into tool and user messages, preserving block order.
func parseMessage(m Message, field string) ([]canonical.Message, error) {
	var role canonical.Role
	switch m.Role {
	case "user":
		role = canonical.RoleUser
	case "assistant":
		role = canonical.RoleAssistant
	default:
		return nil, apierror.Parsef(field+".role", "unsupported role %q", m.Role)
	}

	s, blocks, isString, err := format.StringOrArray[ContentBlock](m.Content, field+".content")
	if err != nil {
		return nil, err
	}
	if isString {
		if s == "" {
			return []canonical.Message{{Role: role}}, nil
		}
		return []canonical.Message{{Role: role, Parts: []canonical.Part{canonical.TextPart(s)}}}, nil
	}

	var out []canonical.Message
	appendPart := func(r canonical.Role, p canonical.Part) {
		if n := len(out); n > 0 && out[n-1].Role == r {
			out[n-1].Parts = append(out[n-1].Parts, p)
			return
		}
		out = append(out, canonical.Message{Role: r, Parts: []canonical.Part{p}})
	}

	for i, b := range blocks {
		bfield := fmt.Sprintf("%s.content[%d]", field, i)
		part, err := parseBlock(b, role, bfield)
		if err != nil {
			return nil, err
		}
		if part.Type == canonical.PartToolResult {
			appendPart(canonical.RoleTool, part)
			continue
		}
		appendPart(role, part)
	}
	if len(out) == 0 {
		out = append(out, canonical.Message{Role: role})
	}
	return out, nil
}

func parseBlock(b ContentBlock, role canonical.Role, field string) (canonical.Part, error) {
	allowed := func(roles ...canonical.Role) error {
		for _, r := range roles {
			if r == role {
				return nil
			}
		}
		return apierror.Parsef(field+".type", "%s blocks are not allowed in %s messages", b.Type, role)
	}

	switch b.Type {
	case "text":
		if b.Text == nil {
			return canonical.Part{}, apierror.Parsef(field+".text", "is required")
		}
		return canonical.TextPart(*b.Text), nil

	case "image":
		if err := allowed(canonical.RoleUser); err != nil {
			return canonical.Part{}, err
		}
		img, err := parseImageSource(b.Source, field+".source")
		if err != nil {
			return canonical.Part{}, err
		}
		return canonical.Part{Type: canonical.PartImage, Image: img}, nil

	case "document":
		if err := allowed(canonical.RoleUser); err != nil {
			return canonical.Part{}, err
		}
		if b.Source == nil {
			return canonical.Part{}, apierror.Parsef(field+".source", "is required")
		}
		doc := &canonical.Document{Title: b.Title, Data: b.Source.Data, MediaType: b.Source.MediaType}
		switch b.Source.Type {
		case "base64":
			if doc.MediaType == "" {
				doc.MediaType = "application/pdf"
			}
		case "text":
			doc.MediaType = "text/plain"
		default:
			return canonical.Part{}, apierror.Parsef(field+".source.type", "unsupported document source %q", b.Source.Type)
		}
		return canonical.Part{Type: canonical.PartDocument, Document: doc}, nil

	case "tool_use":
		if err := allowed(canonical.RoleAssistant); err != nil {
			return canonical.Part{}, err
		}
		if b.ID == "" || b.Name == "" {
			return canonical.Part{}, apierror.Parsef(field, "tool_use requires id and name")
		}
		args := b.Input
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		return canonical.ToolCallPart(b.ID, b.Name, args), nil

	case "tool_result":
		if err := allowed(canonical.RoleUser); err != nil {
			return canonical.Part{}, err
		}
		if b.ToolUseID == "" {
			return canonical.Part{}, apierror.Parsef(field+".tool_use_id", "is required")
		}
		content, err := parseToolResultContent(b.Content, field+".content")
		if err != nil {
			return canonical.Part{}, err
		}
		return canonical.ToolResultPart(b.ToolUseID, b.IsError, content...), nil

	case "thinking":
		if err := allowed(canonical.RoleAssistant); err != nil {
			return canonical.Part{}, err
		}
		th := &canonical.Thinking{}
		if b.Thinking != nil {
			th.Text = *b.Thinking
		}
		if b.Signature != nil {
			th.Signature = *b.Signature
		}
		return canonical.Part{Type: canonical.PartThinking, Thinking: th}, nil

	case "redacted_thinking":
		if err := allowed(canonical.RoleAssistant); err != nil {
			return canonical.Part{}, err
		}
		return canonical.Part{Type: canonical.PartThinking, Thinking: &canonical.Thinking{RedactedData: b.Data}}, nil

	default:
		return canonical.Part{}, apierror.Parsef(field+".type", "unsupported content block type %q", b.Type)
	}
}

func parseImageSource(src *Source, field string) (*canonical.Image, error) {
	if src == nil {
		return nil, apierror.Parsef(field, "is required")
	}
	switch src.Type {
	case "base64":
		if src.Data == "" || src.MediaType == "" {
			return nil, apierror.Parsef(field, "base64 images require media_type and data")
		}
		return &canonical.Image{MediaType: src.MediaType, Data: src.Data}, nil
	case "url":
		if src.URL == "" {
			return nil, apierror.Parsef(field+".url", "is required")
		}
		return &canonical.Image{URL: src.URL}, nil
	default:
		return nil, apierror.Parsef(field+".type", "unsupported image source %q", src.Type)
	}
}

func parseToolResultContent(raw json.RawMessage, field string) ([]canonical.Part, error) {
	s, blocks, isString, err := format.StringOrArray[ContentBlock](raw, field)
	if err != nil {
		return nil, err
	}
	if isString {
		if s == "" {
			return nil, nil
		}
		return []canonical.Part{canonical.TextPart(s)}, nil
	}
	parts := make([]canonical.Part, 0, len(blocks))
	for i, b := range blocks {
		bfield := fmt.Sprintf("%s[%d]", field, i)
		switch b.Type {
		case "text":
			if b.Text == nil {
				return nil, apierror.Parsef(bfield+".text", "is required")
			}
			parts = append(parts, canonical.TextPart(*b.Text))
		case "image":
			img, err := parseImageSource(b.Source, bfield+".source")
			if err != nil {
				return nil, err
			}
			parts = append(parts, canonical.Part{Type: canonical.PartImage, Image: img})
		default:
			return nil, apierror.Parsef(bfield+".type", "tool results carry text and images only, got %q", b.Type)
		}
	}
	return parts, nil
}

func parseToolChoice(tc ToolChoice) (canonical.ToolChoice, error) {
	out := canonical.ToolChoice{DisableParallel: tc.DisableParallelToolUse}
	switch tc.Type {
	case "auto":
		out.Mode = canonical.ToolChoiceAuto
	case "any":
		out.Mode = canonical.ToolChoiceAny
	case "none":
		out.Mode = canonical.ToolChoiceNone
	case "tool":
		if tc.Name == "" {
			return out, apierror.Parsef("tool_choice.name", "is required for type tool")
		}
		out.Mode = canonical.ToolChoiceTool
		out.Name = tc.Name
	default:
		return out, apierror.Parsef("tool_choice.type", "unsupported value %q", tc.Type)
	}
	return out, nil
}
