package canonical

import (
	"encoding/json"
	"maps"
	"slices"
)

// Format names an inbound wire format.
type Format string

const (
	FormatAnthropic Format = "anthropic"
	FormatOpenAI    Format = "openai"
)

// Tier is the support level a provider grants a sampling parameter.
type Tier string

const (
	TierUnresolved Tier = ""
	TierFull       Tier = "full"
	TierIgnored    Tier = "ignored"
	TierRejected   Tier = "rejected"
)

// Param is an optional sampling parameter tagged with its support tier.
type Param[T any] struct {
	Value T
	Set   bool
	Tier  Tier
}

// Some returns a set, unresolved parameter.
func Some[T any](v T) Param[T] {
	return Param[T]{Value: v, Set: true}
}

// Forward reports whether the parameter should be sent upstream.
func (p Param[T]) Forward() bool {
	return p.Set && (p.Tier == TierFull || p.Tier == TierUnresolved)
}

// Sampling parameter names, used as keys of policy tables.
const (
	ParamTemperature      = "temperature"
	ParamTopP             = "top_p"
	ParamTopK             = "top_k"
	ParamStop             = "stop"
	ParamFrequencyPenalty = "frequency_penalty"
	ParamPresencePenalty  = "presence_penalty"
	ParamSeed             = "seed"
)

// ParamNames lists every sampling parameter in a stable order.
var ParamNames = []string{
	ParamTemperature, ParamTopP, ParamTopK, ParamStop,
	ParamFrequencyPenalty, ParamPresencePenalty, ParamSeed,
}

// Sampling groups the optional sampling parameters.
type Sampling struct {
	Temperature      Param[float64]
	TopP             Param[float64]
	TopK             Param[int64]
	StopSequences    Param[[]string]
	FrequencyPenalty Param[float64]
	PresencePenalty  Param[float64]
	Seed             Param[int64]
}

// IsSet reports whether the named parameter was supplied by the client.
func (s Sampling) IsSet(name string) bool {
	switch name {
	case ParamTemperature:
		return s.Temperature.Set
	case ParamTopP:
		return s.TopP.Set
	case ParamTopK:
		return s.TopK.Set
	case ParamStop:
		return s.StopSequences.Set
	case ParamFrequencyPenalty:
		return s.FrequencyPenalty.Set
	case ParamPresencePenalty:
		return s.PresencePenalty.Set
	case ParamSeed:
		return s.Seed.Set
	}
	return false
}

// TierOf returns the resolved tier of the named parameter.
func (s Sampling) TierOf(name string) Tier {
	switch name {
	case ParamTemperature:
		return s.Temperature.Tier
	case ParamTopP:
		return s.TopP.Tier
	case ParamTopK:
		return s.TopK.Tier
	case ParamStop:
		return s.StopSequences.Tier
	case ParamFrequencyPenalty:
		return s.FrequencyPenalty.Tier
	case ParamPresencePenalty:
		return s.PresencePenalty.Tier
	case ParamSeed:
		return s.Seed.Tier
	}
	return TierUnresolved
}

// withTier returns a copy with the named parameter's tier replaced.
func (s Sampling) withTier(name string, tier Tier) Sampling {
	switch name {
	case ParamTemperature:
		s.Temperature.Tier = tier
	case ParamTopP:
		s.TopP.Tier = tier
	case ParamTopK:
		s.TopK.Tier = tier
	case ParamStop:
		s.StopSequences.Tier = tier
		s.StopSequences.Value = slices.Clone(s.StopSequences.Value)
	case ParamFrequencyPenalty:
		s.FrequencyPenalty.Tier = tier
	case ParamPresencePenalty:
		s.PresencePenalty.Tier = tier
	case ParamSeed:
		s.Seed.Tier = tier
	}
	return s
}

// Tool is a function the model may call.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolChoiceMode controls whether and how the model uses tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice constrains tool use. The zero value means unspecified.
type ToolChoice struct {
	Mode            ToolChoiceMode
	Name            string
	DisableParallel bool
}

// ThinkingConfig enables extended reasoning with a token budget.
type ThinkingConfig struct {
	Enabled      bool
	BudgetTokens int64
}

// Metadata is request metadata forwarded upstream.
type Metadata struct {
	UserID string
}

// Request is the wire-format-agnostic chat request. Values are treated as immutable:
// transformations return modified copies and never touch the receiver's slices or maps.
type Request struct {
	Origin     Format
	Model      string
	Messages   []Message
	MaxTokens  int64
	Stream     bool
	Sampling   Sampling
	Tools      []Tool
	ToolChoice ToolChoice
	Thinking   *ThinkingConfig
	Metadata   Metadata

	// IncludeUsage requests a trailing usage chunk on OpenAI streams.
	IncludeUsage bool

	// Extensions holds unknown top-level fields, passed through unchanged.
	Extensions map[string]json.RawMessage
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	out := r
	if r.Messages != nil {
		out.Messages = make([]Message, len(r.Messages))
		for i, m := range r.Messages {
			out.Messages[i] = m.Clone()
		}
	}
	out.Sampling.StopSequences.Value = slices.Clone(r.Sampling.StopSequences.Value)
	if r.Tools != nil {
		out.Tools = make([]Tool, len(r.Tools))
		for i, t := range r.Tools {
			t.InputSchema = cloneRaw(t.InputSchema)
			out.Tools[i] = t
		}
	}
	if r.Thinking != nil {
		th := *r.Thinking
		out.Thinking = &th
	}
	if r.Extensions != nil {
		out.Extensions = make(map[string]json.RawMessage, len(r.Extensions))
		for k, v := range r.Extensions {
			out.Extensions[k] = cloneRaw(v)
		}
	}
	return out
}

// System returns the text of the leading system message, if any.
func (r Request) System() string {
	if len(r.Messages) > 0 && r.Messages[0].Role == RoleSystem {
		return r.Messages[0].Text()
	}
	return ""
}

// Conversation returns the messages after the leading system message.
func (r Request) Conversation() []Message {
	if len(r.Messages) > 0 && r.Messages[0].Role == RoleSystem {
		return r.Messages[1:]
	}
	return r.Messages
}

// WithSystemPrefix returns a copy whose leading system message starts with text.
// The prefix is inserted as its own part ahead of any client-supplied system text.
func (r Request) WithSystemPrefix(text string) Request {
	out := r.Clone()
	if len(out.Messages) > 0 && out.Messages[0].Role == RoleSystem {
		out.Messages[0].Parts = append([]Part{TextPart(text)}, out.Messages[0].Parts...)
		return out
	}
	out.Messages = append([]Message{{Role: RoleSystem, Parts: []Part{TextPart(text)}}}, out.Messages...)
	return out
}

// WithTier returns a copy with the named sampling parameter's tier set.
func (r Request) WithTier(name string, tier Tier) Request {
	out := r.Clone()
	out.Sampling = out.Sampling.withTier(name, tier)
	return out
}

// WithoutTools returns a copy with tools and tool choice removed.
func (r Request) WithoutTools() Request {
	out := r.Clone()
	out.Tools = nil
	out.ToolChoice = ToolChoice{}
	return out
}

// WithoutThinking returns a copy with extended reasoning disabled.
func (r Request) WithoutThinking() Request {
	out := r.Clone()
	out.Thinking = nil
	return out
}

// WithStream returns a copy with the streaming flag set.
func (r Request) WithStream(stream bool) Request {
	out := r.Clone()
	out.Stream = stream
	return out
}

// WithUserID returns a copy with metadata.user_id set.
func (r Request) WithUserID(id string) Request {
	out := r.Clone()
	out.Metadata.UserID = id
	return out
}

// WithoutExtensions returns a copy without the extension bag and the sorted list of dropped keys.
func (r Request) WithoutExtensions() (Request, []string) {
	if len(r.Extensions) == 0 {
		return r, nil
	}
	keys := slices.Sorted(maps.Keys(r.Extensions))
	out := r.Clone()
	out.Extensions = nil
	return out, keys
}

// HasImages reports whether any message, including tool results, carries an image part.
func (r Request) HasImages() bool {
	for _, m := range r.Messages {
		for _, p := range m.Parts {
			if p.Type == PartImage {
				return true
			}
			if p.Type == PartToolResult && p.ToolResult != nil {
				for _, c := range p.ToolResult.Content {
					if c.Type == PartImage {
						return true
					}
				}
			}
		}
	}
	return false
}

// WithImagesReplaced returns a copy where every image part is replaced by a text placeholder.
func (r Request) WithImagesReplaced(placeholder string) Request {
	out := r.Clone()
	for i := range out.Messages {
		out.Messages[i].Parts = replaceImages(out.Messages[i].Parts, placeholder)
	}
	return out
}

func replaceImages(parts []Part, placeholder string) []Part {
	for j, p := range parts {
		switch p.Type {
		case PartImage:
			parts[j] = TextPart(placeholder)
		case PartToolResult:
			if p.ToolResult != nil {
				p.ToolResult.Content = replaceImages(p.ToolResult.Content, placeholder)
			}
		}
	}
	return parts
}
