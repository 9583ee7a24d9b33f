package anthropicclaude

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// fromSystemMessage converts the leading system message to Anthropic's System field.
func fromSystemMessage(m canonical.Message) []anthropic.TextBlockParam {
	blocks := make([]anthropic.TextBlockParam, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type == canonical.PartText && p.Text != "" {
			blocks = append(blocks, anthropic.TextBlockParam{Text: p.Text})
		}
	}
	return blocks
}

// fromMessages converts the conversation to Anthropic messages. Tool messages become user
// turns, and adjacent turns with the same Anthropic role are merged.
func fromMessages(conv []canonical.Message) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(conv))
	for i, m := range conv {
		role := anthropic.MessageParamRoleUser
		if m.Role == canonical.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}

		blocks, err := fromParts(m.Parts)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		if len(blocks) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return out, nil
}

func fromParts(parts []canonical.Part) ([]anthropic.ContentBlockParamUnion, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(parts))
	for i, p := range parts {
		block, err := fromPart(p)
		if err != nil {
			return nil, fmt.Errorf("content part %d: %w", i, err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

func fromPart(p canonical.Part) (anthropic.ContentBlockParamUnion, error) {
	switch p.Type {
	case canonical.PartText:
		return anthropic.NewTextBlock(p.Text), nil

	case canonical.PartImage:
		return fromImage(p.Image)

	case canonical.PartDocument:
		return fromDocument(p.Document)

	case canonical.PartToolCall:
		if p.ToolCall == nil {
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("tool call part without payload")
		}
		// Anthropic expects an object; an empty argument string is an empty call.
		input := p.ToolCall.Arguments
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return anthropic.NewToolUseBlock(p.ToolCall.ID, input, p.ToolCall.Name), nil

	case canonical.PartToolResult:
		return fromToolResult(p.ToolResult)

	case canonical.PartThinking:
		if p.Thinking == nil {
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("thinking part without payload")
		}
		if p.Thinking.RedactedData != "" {
			return anthropic.NewRedactedThinkingBlock(p.Thinking.RedactedData), nil
		}
		return anthropic.NewThinkingBlock(p.Thinking.Signature, p.Thinking.Text), nil

	default:
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported content part type %q", p.Type)
	}
}

// fromImage converts an image to Anthropic's base64 or URL image source.
func fromImage(img *canonical.Image) (anthropic.ContentBlockParamUnion, error) {
	if img == nil {
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("image part without payload")
	}
	if img.URL != "" {
		return anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: img.URL}), nil
	}
	mediaType := img.MediaType
	if mediaType == "" {
		mediaType = "image/jpeg"
	}
	return anthropic.NewImageBlockBase64(mediaType, img.Data), nil
}

// fromDocument converts an attached file to a DocumentBlockParam. PDFs travel as base64,
// text files as plain data.
func fromDocument(doc *canonical.Document) (anthropic.ContentBlockParamUnion, error) {
	if doc == nil {
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("document part without payload")
	}

	var block anthropic.ContentBlockParamUnion
	switch {
	case doc.MediaType == "application/pdf":
		block = anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: doc.Data})
	case strings.HasPrefix(doc.MediaType, "text/"):
		block = anthropic.NewDocumentBlock(anthropic.PlainTextSourceParam{Data: doc.Data})
	default:
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("unsupported document type: %s (only PDF and text files supported by Anthropic)", doc.MediaType)
	}

	if doc.Title != "" && block.OfDocument != nil {
		block.OfDocument.Title = anthropic.String(doc.Title)
	}
	return block, nil
}

// fromToolResult converts a tool result. Nested content carries text and images only.
func fromToolResult(tr *canonical.ToolResult) (anthropic.ContentBlockParamUnion, error) {
	if tr == nil {
		return anthropic.ContentBlockParamUnion{}, fmt.Errorf("tool result part without payload")
	}

	result := anthropic.ToolResultBlockParam{ToolUseID: tr.CallID}
	if tr.IsError {
		result.IsError = anthropic.Bool(true)
	}

	for i, c := range tr.Content {
		switch c.Type {
		case canonical.PartText:
			result.Content = append(result.Content, anthropic.ToolResultBlockParamContentUnion{
				OfText: &anthropic.TextBlockParam{Text: c.Text},
			})
		case canonical.PartImage:
			img, err := fromImage(c.Image)
			if err != nil {
				return anthropic.ContentBlockParamUnion{}, fmt.Errorf("tool result content %d: %w", i, err)
			}
			result.Content = append(result.Content, anthropic.ToolResultBlockParamContentUnion{
				OfImage: img.OfImage,
			})
		default:
			return anthropic.ContentBlockParamUnion{}, fmt.Errorf("content type %s not supported in tool results", c.Type)
		}
	}

	return anthropic.ContentBlockParamUnion{OfToolResult: &result}, nil
}
