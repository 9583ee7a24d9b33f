package canonical

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/florianilch/claudine-gateway/internal/apierror"
)

func user(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart(text)}}
}

func assistant(parts ...Part) Message {
	return Message{Role: RoleAssistant, Parts: parts}
}

func TestNormalizeHoistsSystemMessages(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Parts: []Part{TextPart("be brief")}},
		user("hi"),
		assistant(TextPart("hello")),
		{Role: RoleSystem, Parts: []Part{TextPart("now be formal")}},
		user("bye"),
	}

	out, err := Normalize(msgs)
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, RoleSystem, out[0].Role)
	assert.Equal(t, "be briefnow be formal", out[0].Text())
	assert.Len(t, out[0].Parts, 2)
	assert.Equal(t, "bye", out[3].Text())
}

func TestNormalizeMergesConsecutiveRoles(t *testing.T) {
	out, err := Normalize([]Message{user("a"), user("b"), assistant(TextPart("c"))})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "ab", out[0].Text())
	assert.Len(t, out[0].Parts, 2)
}

func TestNormalizeToolResults(t *testing.T) {
	call := ToolCallPart("call_1", "lookup", json.RawMessage(`{"q":"x"}`))
	msgs := []Message{
		user("find x"),
		assistant(call),
		{Role: RoleTool, Parts: []Part{ToolResultPart("call_1", false, TextPart("found"))}},
		user("thanks"),
	}
	out, err := Normalize(msgs)
	require.NoError(t, err)
	assert.Len(t, out, 4)

	_, err = Normalize([]Message{
		user("find x"),
		{Role: RoleTool, Parts: []Part{ToolResultPart("call_9", false, TextPart("found"))}},
	})
	var parseErr *apierror.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "messages[1].tool_call_id", parseErr.Field)
}

func TestNormalizeRejectsEmptyContent(t *testing.T) {
	_, err := Normalize([]Message{{Role: RoleUser}})
	var parseErr *apierror.ParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "messages[0].content", parseErr.Field)

	// trailing empty assistant message is tolerated and dropped
	out, err := Normalize([]Message{user("hi"), {Role: RoleAssistant}})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestNormalizeRequiresConversation(t *testing.T) {
	_, err := Normalize([]Message{{Role: RoleSystem, Parts: []Part{TextPart("sys")}}})
	require.Error(t, err)
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	in := []Message{user("a"), user("b")}
	_, err := Normalize(in)
	require.NoError(t, err)
	assert.Len(t, in[0].Parts, 1)
}

func TestRequestTransformsReturnCopies(t *testing.T) {
	req := Request{
		Model:    "m",
		Messages: []Message{user("hi")},
		Sampling: Sampling{StopSequences: Some([]string{"END"})},
		Tools:    []Tool{{Name: "t", InputSchema: json.RawMessage(`{}`)}},
		Extensions: map[string]json.RawMessage{
			"service_tier": json.RawMessage(`"auto"`),
		},
	}

	withSystem := req.WithSystemPrefix("scaffold")
	assert.Equal(t, "scaffold", withSystem.System())
	assert.Empty(t, req.System())
	assert.Len(t, req.Messages, 1)

	stripped := req.WithoutTools()
	assert.Nil(t, stripped.Tools)
	assert.Len(t, req.Tools, 1)

	tiered := req.WithTier(ParamStop, TierIgnored)
	tiered.Sampling.StopSequences.Value[0] = "CHANGED"
	assert.Equal(t, "END", req.Sampling.StopSequences.Value[0])
	assert.Equal(t, TierUnresolved, req.Sampling.StopSequences.Tier)

	bare, dropped := req.WithoutExtensions()
	assert.Nil(t, bare.Extensions)
	assert.Equal(t, []string{"service_tier"}, dropped)
	assert.Len(t, req.Extensions, 1)
}

func TestWithImagesReplaced(t *testing.T) {
	req := Request{Messages: []Message{{
		Role:  RoleUser,
		Parts: []Part{TextPart("look"), {Type: PartImage, Image: &Image{URL: "https://x/y.png"}}},
	}}}
	require.True(t, req.HasImages())

	out := req.WithImagesReplaced("[image omitted]")
	assert.False(t, out.HasImages())
	assert.Equal(t, "look[image omitted]", out.Messages[0].Text())
	assert.True(t, req.HasImages())
}

func TestParamForward(t *testing.T) {
	p := Some(0.5)
	assert.True(t, p.Forward())
	p.Tier = TierIgnored
	assert.False(t, p.Forward())
	assert.False(t, Param[float64]{}.Forward())
}

func TestUsageAdd(t *testing.T) {
	u := Usage{InputTokens: 10}.Add(Usage{OutputTokens: 5})
	assert.Equal(t, Usage{InputTokens: 10, OutputTokens: 5}, u)
}
