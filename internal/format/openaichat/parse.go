package openaichat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/florianilch/claudine-gateway/internal/apierror"
	"github.com/florianilch/claudine-gateway/internal/canonical"
	"github.com/florianilch/claudine-gateway/internal/format"
)

// DefaultMaxTokens applies when a request carries neither max_completion_tokens nor max_tokens.
const DefaultMaxTokens = 4096

// Thinking budgets derived from reasoning_effort.
const (
	BudgetLow    = 1024
	BudgetMedium = 8192
	BudgetHigh   = 24576
)

// ParseRequest decodes a Chat Completions request into the canonical model.
func (Codec) ParseRequest(body []byte) (canonical.Request, error) {
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
	if len(wire.Messages) == 0 {
		return canonical.Request{}, apierror.Parsef("messages", "at least one message is required")
	}
	if wire.N != nil && *wire.N > 1 {
		return canonical.Request{}, apierror.Parsef("n", "only a single choice is supported")
	}

	req := canonical.Request{
		Origin:     canonical.FormatOpenAI,
		Model:      wire.Model,
		MaxTokens:  DefaultMaxTokens,
		Stream:     wire.Stream,
		Extensions: ext,
	}
	switch {
	case wire.MaxCompletionTokens != nil:
		req.MaxTokens = *wire.MaxCompletionTokens
	case wire.MaxTokens != nil:
		req.MaxTokens = *wire.MaxTokens
	}
	if req.MaxTokens < 1 {
		return canonical.Request{}, apierror.Parsef("max_completion_tokens", "must be at least 1")
	}
	if wire.StreamOptions != nil {
		req.IncludeUsage = wire.StreamOptions.IncludeUsage
	}

	msgs := make([]canonical.Message, 0, len(wire.Messages))
	for i, m := range wire.Messages {
		converted, err := parseMessage(m, fmt.Sprintf("messages[%d]", i))
		if err != nil {
			return canonical.Request{}, err
		}
		msgs = append(msgs, converted)
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
	if wire.FrequencyPenalty != nil {
		req.Sampling.FrequencyPenalty = canonical.Some(*wire.FrequencyPenalty)
	}
	if wire.PresencePenalty != nil {
		req.Sampling.PresencePenalty = canonical.Some(*wire.PresencePenalty)
	}
	if wire.Seed != nil {
		req.Sampling.Seed = canonical.Some(*wire.Seed)
	}
	if len(wire.Stop) > 0 {
		s, list, isString, err := format.StringOrArray[string](wire.Stop, "stop")
		if err != nil {
			return canonical.Request{}, err
		}
		if isString && s != "" {
			list = []string{s}
		}
		if len(list) > 0 {
			req.Sampling.StopSequences = canonical.Some(list)
		}
	}

	for i, t := range wire.Tools {
		field := fmt.Sprintf("tools[%d]", i)
		if t.Type != "function" {
			return canonical.Request{}, apierror.Parsef(field+".type", "tool type %q is not supported", t.Type)
		}
		if t.Function == nil || t.Function.Name == "" {
			return canonical.Request{}, apierror.Parsef(field+".function.name", "is required")
		}
		req.Tools = append(req.Tools, canonical.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	if len(wire.ToolChoice) > 0 {
		if req.ToolChoice, err = parseToolChoice(wire.ToolChoice); err != nil {
			return canonical.Request{}, err
		}
	}
	if wire.ParallelToolCalls != nil && !*wire.ParallelToolCalls {
		req.ToolChoice.DisableParallel = true
	}

	if wire.ReasoningEffort != "" {
		budget, err := budgetFor(wire.ReasoningEffort)
		if err != nil {
			return canonical.Request{}, err
		}
		req.Thinking = &canonical.ThinkingConfig{Enabled: true, BudgetTokens: budget}
	}
	if wire.ExtraBody != nil && wire.ExtraBody.Thinking != nil {
		th := wire.ExtraBody.Thinking
		switch th.Type {
		case "enabled":
			if th.BudgetTokens < 1 {
				return canonical.Request{}, apierror.Parsef("extra_body.thinking.budget_tokens", "is required when thinking is enabled")
			}
			req.Thinking = &canonical.ThinkingConfig{Enabled: true, BudgetTokens: th.BudgetTokens}
		case "disabled":
			req.Thinking = &canonical.ThinkingConfig{}
		default:
			return canonical.Request{}, apierror.Parsef("extra_body.thinking.type", "unsupported value %q", th.Type)
		}
	}

	req.Metadata.UserID = wire.User
	return req, nil
}

func budgetFor(effort string) (int64, error) {
	switch effort {
	case "minimal", "low":
		return BudgetLow, nil
	case "medium":
		return BudgetMedium, nil
	case "high":
		return BudgetHigh, nil
	}
	return 0, apierror.Parsef("reasoning_effort", "unsupported value %q", effort)
}

// effortFor picks the reasoning_effort level nearest to a thinking budget.
func effortFor(budget int64) string {
	switch {
	case budget <= (BudgetLow+BudgetMedium)/2:
		return "low"
	case budget <= (BudgetMedium+BudgetHigh)/2:
		return "medium"
	default:
		return "high"
	}
}

func parseMessage(m Message, field string) (canonical.Message, error) {
	switch m.Role {
	case "system", "developer":
		parts, err := parseTextContent(m.Content, field+".content")
		if err != nil {
			return canonical.Message{}, err
		}
		return canonical.Message{Role: canonical.RoleSystem, Parts: parts}, nil

	case "user":
		parts, err := parseUserContent(m.Content, field+".content")
		if err != nil {
			return canonical.Message{}, err
		}
		return canonical.Message{Role: canonical.RoleUser, Parts: parts}, nil

	case "assistant":
		return parseAssistant(m, field)

	case "tool":
		if m.ToolCallID == "" {
			return canonical.Message{}, apierror.Parsef(field+".tool_call_id", "is required")
		}
		parts, err := parseTextContent(m.Content, field+".content")
		if err != nil {
			return canonical.Message{}, err
		}
		return canonical.Message{
			Role:  canonical.RoleTool,
			Parts: []canonical.Part{canonical.ToolResultPart(m.ToolCallID, false, parts...)},
		}, nil

	default:
		return canonical.Message{}, apierror.Parsef(field+".role", "unsupported role %q", m.Role)
	}
}

func parseAssistant(m Message, field string) (canonical.Message, error) {
	msg := canonical.Message{Role: canonical.RoleAssistant}

	if m.ReasoningContent != nil && *m.ReasoningContent != "" {
		msg.Parts = append(msg.Parts, canonical.Part{
			Type:     canonical.PartThinking,
			Thinking: &canonical.Thinking{Text: *m.ReasoningContent},
		})
	}

	s, items, isString, err := format.StringOrArray[ContentPart](m.Content, field+".content")
	if err != nil {
		return canonical.Message{}, err
	}
	if isString && s != "" {
		msg.Parts = append(msg.Parts, canonical.TextPart(s))
	}
	for i, p := range items {
		pfield := fmt.Sprintf("%s.content[%d]", field, i)
		switch {
		case p.Type == "text" && p.Text != nil:
			msg.Parts = append(msg.Parts, canonical.TextPart(*p.Text))
		case p.Type == "refusal" && p.Refusal != nil:
			msg.Parts = append(msg.Parts, canonical.TextPart(*p.Refusal))
		default:
			return canonical.Message{}, apierror.Parsef(pfield+".type", "assistant content must be text or refusal, got %q", p.Type)
		}
	}
	if m.Refusal != nil && *m.Refusal != "" {
		msg.Parts = append(msg.Parts, canonical.TextPart(*m.Refusal))
	}

	for i, tc := range m.ToolCalls {
		tfield := fmt.Sprintf("%s.tool_calls[%d]", field, i)
		if tc.ID == "" || tc.Function.Name == "" {
			return canonical.Message{}, apierror.Parsef(tfield, "tool calls require id and function.name")
		}
		args := json.RawMessage(tc.Function.Arguments)
		if strings.TrimSpace(tc.Function.Arguments) == "" {
			args = json.RawMessage(`{}`)
		} else if !json.Valid(args) {
			return canonical.Message{}, apierror.Parsef(tfield+".function.arguments", "must be a JSON document")
		}
		msg.Parts = append(msg.Parts, canonical.ToolCallPart(tc.ID, tc.Function.Name, args))
	}
	return msg, nil
}

// parseTextContent accepts a string or an array of text parts.
func parseTextContent(raw json.RawMessage, field string) ([]canonical.Part, error) {
	s, items, isString, err := format.StringOrArray[ContentPart](raw, field)
	if err != nil {
		return nil, err
	}
	if isString {
		if s == "" {
			return nil, nil
		}
		return []canonical.Part{canonical.TextPart(s)}, nil
	}
	parts := make([]canonical.Part, 0, len(items))
	for i, p := range items {
		if p.Type != "text" || p.Text == nil {
			return nil, apierror.Parsef(fmt.Sprintf("%s[%d].type", field, i), "only text parts are allowed here, got %q", p.Type)
		}
		parts = append(parts, canonical.TextPart(*p.Text))
	}
	return parts, nil
}

func parseUserContent(raw json.RawMessage, field string) ([]canonical.Part, error) {
	s, items, isString, err := format.StringOrArray[ContentPart](raw, field)
	if err != nil {
		return nil, err
	}
	if isString {
		if s == "" {
			return nil, nil
		}
		return []canonical.Part{canonical.TextPart(s)}, nil
	}
	parts := make([]canonical.Part, 0, len(items))
	for i, p := range items {
		pfield := fmt.Sprintf("%s[%d]", field, i)
		switch p.Type {
		case "text":
			if p.Text == nil {
				return nil, apierror.Parsef(pfield+".text", "is required")
			}
			parts = append(parts, canonical.TextPart(*p.Text))
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, apierror.Parsef(pfield+".image_url", "url is required")
			}
			img, err := parseImageURL(p.ImageURL.URL, pfield+".image_url")
			if err != nil {
				return nil, err
			}
			parts = append(parts, canonical.Part{Type: canonical.PartImage, Image: img})
		case "file":
			doc, err := parseFile(p.File, pfield+".file")
			if err != nil {
				return nil, err
			}
			parts = append(parts, canonical.Part{Type: canonical.PartDocument, Document: doc})
		case "input_audio":
			return nil, apierror.Parsef(pfield+".type", "audio input is not supported")
		default:
			return nil, apierror.Parsef(pfield+".type", "unsupported content part type %q", p.Type)
		}
	}
	return parts, nil
}

func parseImageURL(url, field string) (*canonical.Image, error) {
	if strings.HasPrefix(url, "data:") {
		mediaType, data, err := splitDataURL(url)
		if err != nil {
			return nil, apierror.Parsef(field, "%v", err)
		}
		return &canonical.Image{MediaType: mediaType, Data: data}, nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, apierror.Parsef(field, "url must be a data: or http(s) URL")
	}
	return &canonical.Image{URL: url}, nil
}

func parseFile(f *File, field string) (*canonical.Document, error) {
	if f == nil {
		return nil, apierror.Parsef(field, "is required")
	}
	if f.FileID != "" {
		return nil, apierror.Parsef(field+".file_id", "uploaded file references are not supported; send file_data")
	}
	if f.FileData == "" {
		return nil, apierror.Parsef(field+".file_data", "is required")
	}
	mediaType, data, err := splitDataURL(f.FileData)
	if err != nil {
		return nil, apierror.Parsef(field+".file_data", "%v", err)
	}
	doc := &canonical.Document{MediaType: mediaType, Data: data, Title: f.Filename}
	if mediaType == "text/plain" {
		text, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, apierror.Parsef(field+".file_data", "invalid base64 payload")
		}
		doc.Data = string(text)
	}
	return doc, nil
}

// splitDataURL splits data:<media type>;base64,<payload>.
func splitDataURL(url string) (mediaType, data string, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", "", fmt.Errorf("expected a data: URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", "", fmt.Errorf("malformed data: URL")
	}
	mediaType, ok = strings.CutSuffix(meta, ";base64")
	if !ok || mediaType == "" {
		return "", "", fmt.Errorf("data: URL must be base64 encoded with a media type")
	}
	return mediaType, payload, nil
}

func parseToolChoice(raw json.RawMessage) (canonical.ToolChoice, error) {
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return canonical.ToolChoice{Mode: canonical.ToolChoiceAuto}, nil
		case "none":
			return canonical.ToolChoice{Mode: canonical.ToolChoiceNone}, nil
		case "required":
			return canonical.ToolChoice{Mode: canonical.ToolChoiceAny}, nil
		}
		return canonical.ToolChoice{}, apierror.Parsef("tool_choice", "unsupported value %q", mode)
	}

	var named namedToolChoice
	if err := json.Unmarshal(raw, &named); err != nil {
		return canonical.ToolChoice{}, apierror.Parsef("tool_choice", "must be a string or an object")
	}
	if named.Type != "function" {
		return canonical.ToolChoice{}, apierror.Parsef("tool_choice.type", "unsupported value %q", named.Type)
	}
	if named.Function == nil || named.Function.Name == "" {
		return canonical.ToolChoice{}, apierror.Parsef("tool_choice.function.name", "is required")
	}
	return canonical.ToolChoice{Mode: canonical.ToolChoiceTool, Name: named.Function.Name}, nil
}
