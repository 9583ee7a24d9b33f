package anthropicclaude

import (
	"context"
	"log/slog"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// toFinishReason maps Anthropic stop reasons to canonical finish reasons.
func toFinishReason(stopReason anthropic.StopReason) canonical.FinishReason {
	switch stopReason {
	case anthropic.StopReasonEndTurn:
		return canonical.FinishStop
	case anthropic.StopReasonMaxTokens:
		return canonical.FinishLength
	case anthropic.StopReasonStopSequence:
		return canonical.FinishStopSequence
	case anthropic.StopReasonToolUse:
		return canonical.FinishToolUse
	case anthropic.StopReasonRefusal:
		return canonical.FinishRefusal
	case anthropic.StopReasonPauseTurn:
		return canonical.FinishPause
	case "":
		return canonical.FinishIncomplete
	default:
		return canonical.FinishStop
	}
}

// toResponse converts a complete Anthropic message.
func toResponse(ctx context.Context, msg *anthropic.Message) *canonical.Response {
	resp := &canonical.Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		FinishReason: toFinishReason(msg.StopReason),
		StopSequence: msg.StopSequence,
		Usage:        toUsage(msg.Usage),
	}

	for _, block := range msg.Content {
		// AsAny() returns the concrete type for Anthropic SDK union discrimination.
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content = append(resp.Content, canonical.TextPart(variant.Text))
		case anthropic.ToolUseBlock:
			resp.Content = append(resp.Content, toToolCallPart(variant))
		case anthropic.ThinkingBlock:
			resp.Content = append(resp.Content, toThinkingPart(variant))
		case anthropic.RedactedThinkingBlock:
			resp.Content = append(resp.Content, toRedactedThinkingPart(variant))
		default:
			// Server tool blocks would break conversation round-trips through other formats.
			slog.DebugContext(ctx, "skipping unsupported content block", "type", block.Type)
		}
	}

	return resp
}
