package anthropicclaude

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/florianilch/claudine-gateway/internal/canonical"
)

// fromTools transforms canonical tools to Anthropic format.
func fromTools(tools []canonical.Tool) ([]anthropic.ToolUnionParam, error) {
	if len(tools) == 0 {
		return nil, nil
	}

	anthropicTools := make([]anthropic.ToolUnionParam, 0, len(tools))
	for i, tool := range tools {
		toolParam := anthropic.ToolParam{
			Name:        tool.Name,
			InputSchema: anthropic.ToolInputSchemaParam{},
		}
		if tool.Description != "" {
			toolParam.Description = anthropic.String(tool.Description)
		}

		// Transform schema format: canonical tools carry a flat JSON Schema object, Anthropic
		// separates properties/required into distinct fields with remaining fields in ExtraFields.
		if len(tool.InputSchema) > 0 {
			var schema map[string]any
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %d: input schema is not a JSON object: %w", i, err)
			}

			if props, ok := schema["properties"]; ok {
				toolParam.InputSchema.Properties = props
			}

			if req, ok := schema["required"].([]any); ok {
				var required []string
				for _, r := range req {
					if s, ok := r.(string); ok {
						required = append(required, s)
					}
				}
				toolParam.InputSchema.Required = required
			}

			// Preserve schema fields without dedicated Anthropic struct fields (e.g., additionalProperties).
			var extraFields map[string]any
			for key, value := range schema {
				if key != "type" && key != "properties" && key != "required" {
					if extraFields == nil {
						extraFields = make(map[string]any)
					}
					extraFields[key] = value
				}
			}
			toolParam.InputSchema.ExtraFields = extraFields
		}

		anthropicTools = append(anthropicTools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}

	return anthropicTools, nil
}

// fromToolChoice converts the canonical tool choice. The zero value leaves the choice unset
// unless parallel tool use is disabled, which Anthropic expresses on an auto choice.
func fromToolChoice(tc canonical.ToolChoice) (anthropic.ToolChoiceUnionParam, bool) {
	var disableParallel = anthropic.Bool(true)
	switch tc.Mode {
	case canonical.ToolChoiceNone:
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}, true

	case canonical.ToolChoiceAny:
		choice := &anthropic.ToolChoiceAnyParam{}
		if tc.DisableParallel {
			choice.DisableParallelToolUse = disableParallel
		}
		return anthropic.ToolChoiceUnionParam{OfAny: choice}, true

	case canonical.ToolChoiceTool:
		choice := &anthropic.ToolChoiceToolParam{Name: tc.Name}
		if tc.DisableParallel {
			choice.DisableParallelToolUse = disableParallel
		}
		return anthropic.ToolChoiceUnionParam{OfTool: choice}, true

	case canonical.ToolChoiceAuto:
		choice := &anthropic.ToolChoiceAutoParam{}
		if tc.DisableParallel {
			choice.DisableParallelToolUse = disableParallel
		}
		return anthropic.ToolChoiceUnionParam{OfAuto: choice}, true
	}

	if tc.DisableParallel {
		return anthropic.ToolChoiceUnionParam{
			OfAuto: &anthropic.ToolChoiceAutoParam{DisableParallelToolUse: disableParallel},
		}, true
	}
	return anthropic.ToolChoiceUnionParam{}, false
}

// toToolCallPart converts a tool use block from a response.
func toToolCallPart(block anthropic.ToolUseBlock) canonical.Part {
	args := block.Input
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	return canonical.ToolCallPart(block.ID, block.Name, args)
}
