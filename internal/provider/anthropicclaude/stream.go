package anthropicclaude

import (
	"github.com/anthropics/anthropic-sdk-go"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// streamState translates one Anthropic event stream. Upstream indices count every block,
// including ones without a canonical equivalent; those are skipped and the remaining blocks
// are renumbered densely from 0.
type streamState struct {
	indices map[int64]int
	next    int

	usage        canonical.Usage
	finish       canonical.FinishReason
	stopSequence string
	done         bool
}

func newStreamState() *streamState {
	return &streamState{indices: make(map[int64]int)}
}

// translate converts one SDK event into zero or more canonical events.
func (s *streamState) translate(event anthropic.MessageStreamEventUnion) []canonical.Event {
	switch ev := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		s.usage = toUsage(ev.Message.Usage)
		return []canonical.Event{canonical.StartEvent(ev.Message.ID, string(ev.Message.Model), s.usage)}

	case anthropic.ContentBlockStartEvent:
		var (
			block   canonical.Block
			initial canonical.Event
			hasText bool
		)
		switch cb := ev.ContentBlock.AsAny().(type) {
		case anthropic.TextBlock:
			block = canonical.Block{Type: canonical.BlockText}
			if cb.Text != "" {
				hasText = true
				initial = canonical.DeltaEvent(s.next, canonical.DeltaText, cb.Text)
			}
		case anthropic.ToolUseBlock:
			block = canonical.Block{Type: canonical.BlockToolCall, ToolCallID: cb.ID, ToolName: cb.Name}
		case anthropic.ThinkingBlock:
			block = canonical.Block{Type: canonical.BlockThinking}
			if cb.Thinking != "" {
				hasText = true
				initial = canonical.DeltaEvent(s.next, canonical.DeltaThinking, cb.Thinking)
			}
		default:
			return nil
		}
		idx := s.next
		s.indices[ev.Index] = idx
		s.next++
		out := []canonical.Event{canonical.ContentStartEvent(idx, block)}
		if hasText {
			out = append(out, initial)
		}
		return out

	case anthropic.ContentBlockDeltaEvent:
		idx, ok := s.indices[ev.Index]
		if !ok {
			return nil
		}
		switch d := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return []canonical.Event{canonical.DeltaEvent(idx, canonical.DeltaText, d.Text)}
		case anthropic.InputJSONDelta:
			return []canonical.Event{canonical.DeltaEvent(idx, canonical.DeltaToolArgs, d.PartialJSON)}
		case anthropic.ThinkingDelta:
			return []canonical.Event{canonical.DeltaEvent(idx, canonical.DeltaThinking, d.Thinking)}
		case anthropic.SignatureDelta:
			return []canonical.Event{canonical.DeltaEvent(idx, canonical.DeltaSignature, d.Signature)}
		}
		return nil

	case anthropic.ContentBlockStopEvent:
		idx, ok := s.indices[ev.Index]
		if !ok {
			return nil
		}
		delete(s.indices, ev.Index)
		return []canonical.Event{canonical.ContentStopEvent(idx)}

	case anthropic.MessageDeltaEvent:
		s.finish = toFinishReason(ev.Delta.StopReason)
		s.stopSequence = ev.Delta.StopSequence
		s.usage = s.usage.Add(toDeltaUsage(ev.Usage))
		return []canonical.Event{canonical.UsageEvent(s.usage)}

	case anthropic.MessageStopEvent:
		s.done = true
		finish := s.finish
		if finish == "" {
			finish = canonical.FinishStop
		}
		return []canonical.Event{canonical.FinishEvent(finish, s.stopSequence, s.usage)}
	}
	return nil
}
