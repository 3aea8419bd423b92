// Package handlers implements the three model stages of the gateway: intent
// detection, function calling with hallucination detection, and the
// jailbreak guardrail.
package handlers

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptgw/modelserver/internal/openai"
	"github.com/promptgw/modelserver/pkg/models"
)

const taskPrompt = "You are a helpful assistant."

const intentToolPrompt = `You task is to check if there are any tools that can be used to help the last user message in conversations according to the available tools listed below.

<tools>
%s
</tools>`

const intentFormatPrompt = `Provide your tool assessment for ONLY THE LAST USER MESSAGE in the above conversation:
- First line must read 'Yes' or 'No'.
- If yes, a second line must include a comma-separated list of tool indexes.`

const intentExtraInstruction = "Are there any tools can help?"

const functionToolPrompt = `# Tools

You may call one or more functions to assist with the user query.

You are provided with function signatures within <tools></tools> XML tags:
<tools>
%s
</tools>`

const functionFormatPrompt = `For each function call, return a json object with function name and arguments within <tool_call></tool_call> XML tags:
<tool_call>
{"name": <function-name>, "arguments": <args-json-object>}
</tool_call>`

// formatSystemPrompt joins the task prompt, the tool block and the format
// prompt into one system message.
func formatSystemPrompt(toolPrompt, toolText, formatPrompt string) string {
	return taskPrompt + "\n\n" + fmt.Sprintf(toolPrompt, toolText) + "\n\n" + formatPrompt
}

// processMessages prepends the system prompt and rewrites tool history into
// the model's synthetic turn format: an assistant message carrying
// tool_calls becomes a <tool_call> block, a tool-role result becomes a
// <tool_response> user turn. The final message must be a user turn;
// extraInstruction, when set, is appended to it.
func processMessages(messages []models.Message, systemPrompt, extraInstruction string) ([]openai.ChatMessage, error) {
	processed := make([]openai.ChatMessage, 0, len(messages)+1)
	if systemPrompt != "" {
		processed = append(processed, openai.ChatMessage{Role: models.RoleSystem, Content: systemPrompt})
	}

	for _, message := range messages {
		role, content := message.Role, message.Content

		switch {
		case len(message.ToolCalls) > 0:
			if len(message.ToolCalls) > 1 {
				return nil, fmt.Errorf("history messages with multiple tool calls are not supported")
			}
			encoded, err := json.Marshal(message.ToolCalls[0].Function)
			if err != nil {
				return nil, fmt.Errorf("failed to encode historical tool call: %w", err)
			}
			role = models.RoleAssistant
			content = "<tool_call>\n" + string(encoded) + "\n</tool_call>"
		case message.Role == models.RoleTool:
			encoded, err := json.Marshal(message.Content)
			if err != nil {
				return nil, fmt.Errorf("failed to encode tool response: %w", err)
			}
			role = models.RoleUser
			content = "<tool_response>\n" + string(encoded) + "\n</tool_response>"
		}

		processed = append(processed, openai.ChatMessage{Role: role, Content: content})
	}

	if len(processed) == 0 || processed[len(processed)-1].Role != models.RoleUser {
		return nil, fmt.Errorf("conversation must end with a user message")
	}
	if extraInstruction != "" {
		processed[len(processed)-1].Content += extraInstruction
	}

	return processed, nil
}

// trimMessages drops the oldest non-system user/assistant pairs until the
// estimated token count (~4 chars per token) fits maxTokens. At least the
// system prompt and the final exchange are kept.
func trimMessages(messages []openai.ChatMessage, maxTokens int) []openai.ChatMessage {
	estimate := func(msgs []openai.ChatMessage) int {
		total := 0
		for _, m := range msgs {
			total += len(m.Content) / 4
		}
		return total
	}

	for estimate(messages) > maxTokens && len(messages) >= 3 {
		for i := range messages {
			if messages[i].Role == models.RoleSystem {
				continue
			}
			if i+1 < len(messages) &&
				(messages[i+1].Role == models.RoleUser || messages[i+1].Role == models.RoleAssistant) {
				messages = append(messages[:i:i], messages[i+2:]...)
			} else {
				messages = append(messages[:i:i], messages[i+1:]...)
			}
			break
		}
	}

	return messages
}

// toolText serializes each tool as one compact JSON object per line.
func toolText(tools []models.Tool) (string, error) {
	lines := make([]string, 0, len(tools))
	for _, tool := range tools {
		encoded, err := json.Marshal(tool)
		if err != nil {
			return "", fmt.Errorf("failed to encode tool %s: %w", tool.Function.Name, err)
		}
		lines = append(lines, string(encoded))
	}
	return strings.Join(lines, "\n"), nil
}
