package handlers

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"

	"github.com/promptgw/modelserver/internal/jsonrepair"
	"github.com/promptgw/modelserver/pkg/models"
)

// rawToolCall is the JSON object the model emits between the
// <tool_call></tool_call> markers.
type rawToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// newCallID generates the 4-digit opaque id correlating a call with its
// later tool-role result.
func newCallID() string {
	return fmt.Sprintf("call_%d", 1000+rand.Intn(9000))
}

// extractToolCalls scans content line by line collecting the JSON objects
// between <tool_call> markers. A line that fails to parse gets one
// bracket-balancing repair attempt; failing again aborts the extraction.
func extractToolCalls(content string) ([]models.ToolCall, error) {
	var calls []models.ToolCall

	inCall := false
	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case "<tool_call>":
			inCall = true
		case "</tool_call>":
			inCall = false
		default:
			if !inCall {
				continue
			}
			var raw rawToolCall
			if err := json.Unmarshal([]byte(line), &raw); err != nil {
				repaired := jsonrepair.Repair(line)
				if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
					return nil, fmt.Errorf("failed to parse tool call %q: %w", line, err)
				}
			}
			calls = append(calls, models.ToolCall{
				ID:   newCallID(),
				Type: "function",
				Function: models.FunctionCall{
					Name:      raw.Name,
					Arguments: raw.Arguments,
				},
			})
			inCall = false
		}
	}

	return calls, nil
}
