package canonical

import "encoding/json"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the variants of Part.
type PartType string

const (
	PartText       PartType = "text"
	PartImage      PartType = "image"
	PartDocument   PartType = "document"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
	PartThinking   PartType = "thinking"
)

// Message is one turn of the conversation.
type Message struct {
	Role  Role
	Parts []Part
}

// Part is a tagged variant. Exactly one of the pointer fields matching Type is set,
// except for text parts which only use Text.
type Part struct {
	Type PartType

	Text       string
	Image      *Image
	Document   *Document
	ToolCall   *ToolCall
	ToolResult *ToolResult
	Thinking   *Thinking
}

// Image is either inline base64 data or a remote URL.
type Image struct {
	MediaType string
	Data      string // base64, empty when URL is set
	URL       string
}

// Document is an attached file. PDFs are carried as base64, text files as plain data.
type Document struct {
	MediaType string
	Data      string
	Title     string
}

// ToolCall is a model-issued function invocation.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult answers a ToolCall. Content holds text and image parts only.
type ToolResult struct {
	CallID  string
	Content []Part
	IsError bool
}

// Thinking carries model reasoning. Redacted thinking has only RedactedData set.
type Thinking struct {
	Text         string
	Signature    string
	RedactedData string
}

// TextPart returns a text part.
func TextPart(text string) Part {
	return Part{Type: PartText, Text: text}
}

// ToolCallPart returns a tool call part.
func ToolCallPart(id, name string, args json.RawMessage) Part {
	return Part{Type: PartToolCall, ToolCall: &ToolCall{ID: id, Name: name, Arguments: args}}
}

// ToolResultPart returns a tool result part.
func ToolResultPart(callID string, isError bool, content ...Part) Part {
	return Part{Type: PartToolResult, ToolResult: &ToolResult{CallID: callID, Content: content, IsError: isError}}
}

// Text concatenates the text parts of a message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartText {
			out += p.Text
		}
	}
	return out
}

// Clone returns a deep copy of the part.
func (p Part) Clone() Part {
	out := p
	if p.Image != nil {
		img := *p.Image
		out.Image = &img
	}
	if p.Document != nil {
		doc := *p.Document
		out.Document = &doc
	}
	if p.ToolCall != nil {
		tc := *p.ToolCall
		tc.Arguments = cloneRaw(p.ToolCall.Arguments)
		out.ToolCall = &tc
	}
	if p.ToolResult != nil {
		tr := *p.ToolResult
		tr.Content = cloneParts(p.ToolResult.Content)
		out.ToolResult = &tr
	}
	if p.Thinking != nil {
		th := *p.Thinking
		out.Thinking = &th
	}
	return out
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	return Message{Role: m.Role, Parts: cloneParts(m.Parts)}
}

func cloneParts(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		out[i] = p.Clone()
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
