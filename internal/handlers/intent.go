package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptgw/modelserver/internal/errx"
	"github.com/promptgw/modelserver/internal/openai"
	"github.com/promptgw/modelserver/pkg/models"
	"github.com/rs/zerolog/log"
)

const qwenEOSTokenID = 151645

// IntentHandler runs the single-token Yes/No tool-relevance classification.
type IntentHandler struct {
	client *openai.Client
	model  string
}

// NewIntentHandler builds the intent stage against the given backend model.
func NewIntentHandler(client *openai.Client, model string) *IntentHandler {
	return &IntentHandler{client: client, model: model}
}

// indexedTool wraps a declared tool with the positional index the format
// prompt refers to ("T0", "T1", ...).
type indexedTool struct {
	Index    string              `json:"index"`
	Type     string              `json:"type"`
	Function models.ToolFunction `json:"function"`
}

func intentToolText(tools []models.Tool) (string, error) {
	lines := make([]string, 0, len(tools))
	for i, tool := range tools {
		encoded, err := json.Marshal(indexedTool{
			Index:    fmt.Sprintf("T%d", i),
			Type:     tool.Type,
			Function: tool.Function,
		})
		if err != nil {
			return "", fmt.Errorf("failed to encode tool %s: %w", tool.Function.Name, err)
		}
		lines = append(lines, string(encoded))
	}
	return strings.Join(lines, "\n"), nil
}

// ChatCompletion classifies whether any declared tool is relevant to the
// last user message. With no tools declared it answers "No" without calling
// the backend.
func (h *IntentHandler) ChatCompletion(ctx context.Context, req *models.ChatRequest) (*models.ChatCompletionResponse, error) {
	if len(req.Tools) == 0 {
		return models.NewChatCompletionResponse(models.Message{Content: "No", ToolCalls: []models.ToolCall{}}, h.model), nil
	}

	tools, err := intentToolText(req.Tools)
	if err != nil {
		return nil, errx.New(err, 400, errx.StageIntent, "invalid tool declarations")
	}
	systemPrompt := formatSystemPrompt(intentToolPrompt, tools, intentFormatPrompt)

	messages, err := processMessages(req.Messages, systemPrompt, intentExtraInstruction)
	if err != nil {
		return nil, errx.BadRequest(errx.StageIntent, err.Error())
	}

	// One token is enough for the Yes/No verdict; sampling is pinned down
	// for determinism.
	resp, err := h.client.ChatCompletion(ctx, &openai.ChatCompletionRequest{
		Model:        h.model,
		Messages:     messages,
		Temperature:  0.01,
		MaxTokens:    1,
		StopTokenIDs: []int{qwenEOSTokenID},
	})
	if err != nil {
		return nil, errx.Upstream(err, errx.StageIntent)
	}

	content := resp.Choices[0].Message.Content
	log.Debug().Str("model", h.model).Str("verdict", content).Msg("intent response")

	return models.NewChatCompletionResponse(models.Message{Content: content, ToolCalls: []models.ToolCall{}}, h.model), nil
}

// DetectIntent reports whether the intent response affirms tool relevance.
// Anything other than a literal "Yes" first line counts as no intent.
func (h *IntentHandler) DetectIntent(resp *models.ChatCompletionResponse) bool {
	if resp == nil || len(resp.Choices) == 0 {
		return false
	}
	content := resp.Choices[0].Message.Content
	first, _, _ := strings.Cut(content, "\n")
	return first == "Yes"
}
