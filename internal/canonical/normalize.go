package canonical

import (
	"fmt"

	"github.com/florianilch/claudine-gateway/internal/apierror"
)

// Normalize applies the role ordering policy shared by all parsers. It never drops content:
//
//   - system messages are merged into a single leading system message, preserving order;
//   - consecutive messages with the same role are merged by concatenating their parts;
//   - tool messages may follow any message once an assistant turn has issued the call they answer;
//   - empty messages are rejected, except a trailing assistant message used as a prefill.
//
// The input slice is not modified.
func Normalize(msgs []Message) ([]Message, error) {
	var (
		system    *Message
		out       []Message
		knownCall = make(map[string]bool)
	)

	for i, m := range msgs {
		field := fmt.Sprintf("messages[%d]", i)

		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		default:
			return nil, apierror.Parsef(field+".role", "unsupported role %q", m.Role)
		}

		if len(m.Parts) == 0 {
			if m.Role == RoleAssistant && i == len(msgs)-1 {
				continue
			}
			return nil, apierror.Parsef(field+".content", "must not be empty")
		}

		m = m.Clone()

		switch m.Role {
		case RoleSystem:
			for j, p := range m.Parts {
				if p.Type != PartText {
					return nil, apierror.Parsef(fmt.Sprintf("%s.content[%d]", field, j), "system content must be text")
				}
			}
			if system == nil {
				system = &Message{Role: RoleSystem}
			}
			system.Parts = append(system.Parts, m.Parts...)
			continue

		case RoleAssistant:
			for _, p := range m.Parts {
				if p.Type == PartToolCall && p.ToolCall != nil {
					knownCall[p.ToolCall.ID] = true
				}
			}

		case RoleTool:
			for j, p := range m.Parts {
				if p.Type != PartToolResult || p.ToolResult == nil {
					return nil, apierror.Parsef(fmt.Sprintf("%s.content[%d]", field, j), "tool messages carry tool results only")
				}
				if !knownCall[p.ToolResult.CallID] {
					return nil, apierror.Parsef(field+".tool_call_id", "no preceding tool call with id %q", p.ToolResult.CallID)
				}
			}
		}

		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Parts = append(out[n-1].Parts, m.Parts...)
			continue
		}
		out = append(out, m)
	}

	if len(out) == 0 {
		return nil, apierror.Parsef("messages", "at least one non-system message is required")
	}

	if system != nil {
		out = append([]Message{*system}, out...)
	}
	return out, nil
}
