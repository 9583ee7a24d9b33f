package anthropicclaude

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// fromThinking builds Anthropic's thinking configuration. A nil config leaves thinking unset so
// the model default applies; a disabled config is sent explicitly.
func fromThinking(cfg *canonical.ThinkingConfig) (anthropic.ThinkingConfigParamUnion, bool) {
	if cfg == nil {
		return anthropic.ThinkingConfigParamUnion{}, false
	}
	if !cfg.Enabled {
		return anthropic.ThinkingConfigParamUnion{
			OfDisabled: &anthropic.ThinkingConfigDisabledParam{},
		}, true
	}
	return anthropic.ThinkingConfigParamOfEnabled(cfg.BudgetTokens), true
}

// toThinkingPart converts a thinking block from a response.
func toThinkingPart(block anthropic.ThinkingBlock) canonical.Part {
	return canonical.Part{
		Type:     canonical.PartThinking,
		Thinking: &canonical.Thinking{Text: block.Thinking, Signature: block.Signature},
	}
}

// toRedactedThinkingPart converts a redacted thinking block from a response.
func toRedactedThinkingPart(block anthropic.RedactedThinkingBlock) canonical.Part {
	return canonical.Part{
		Type:     canonical.PartThinking,
		Thinking: &canonical.Thinking{RedactedData: block.Data},
	}
}
