package anthropicclaude

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// toUsage converts Anthropic usage metadata, including prompt caching counters.
// Anthropic's input_tokens excludes cached tokens; the canonical model keeps them apart too.
func toUsage(usage anthropic.Usage) canonical.Usage {
	return canonical.Usage{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadInputTokens,
		CacheWriteTokens: usage.CacheCreationInputTokens,
	}
}

// toDeltaUsage converts the cumulative usage of a message_delta event.
func toDeltaUsage(usage anthropic.MessageDeltaUsage) canonical.Usage {
	return canonical.Usage{
		InputTokens:      usage.InputTokens,
		OutputTokens:     usage.OutputTokens,
		CacheReadTokens:  usage.CacheReadInputTokens,
		CacheWriteTokens: usage.CacheCreationInputTokens,
	}
}
