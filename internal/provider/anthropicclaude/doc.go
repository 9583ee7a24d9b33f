// Package anthropicclaude is the Anthropic Messages API provider, built on the official SDK.
//
// The provider handles:
//
//   - Message transformation: the leading canonical system message becomes the System field;
//     tool messages become user turns carrying tool_result blocks, merged with adjacent user
//     turns as required by Anthropic's role alternation rules.
//
//   - Content blocks: text, images (base64 or URL), documents (PDF or plain text), tool calls,
//     tool results and thinking blocks map one to one. Server tool blocks in responses have no
//     canonical equivalent and are skipped.
//
//   - Streaming: SDK stream events are translated into canonical events. Upstream block indices
//     are remapped so that skipped blocks leave no gaps in the canonical index sequence.
//
//   - Errors: the SDK reports errors differently for streaming and non-streaming calls; both
//     are normalized into *apierror.UpstreamError.
package anthropicclaude
