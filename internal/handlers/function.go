package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/promptgw/modelserver/internal/errx"
	"github.com/promptgw/modelserver/internal/hallucination"
	"github.com/promptgw/modelserver/internal/openai"
	"github.com/promptgw/modelserver/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	toolCallMarker    = "<tool_call>"
	maxHistoryTokens  = 4096
	probeTopLogProbs  = 10
	generationTokens  = 512
	errTypeExtraction = "ExtractionError"
	errTypeValidation = "ValidationError"
)

// prefillPrefixes seed the assistant turn that the backend continues when
// gathering missing parameters.
var prefillPrefixes = []string{"May", "Could", "Sure", "Definitely", "Certainly", "Of course", "Can"}

// FunctionHandler generates tool calls through a two-phase streaming
// pipeline: a probe stream feeds every token with its top-k log-probs into
// the hallucination state machine; when the model is not emitting a tool
// call, a second prefill request continues a seeded assistant turn to ask
// the user for missing parameters.
type FunctionHandler struct {
	client     *openai.Client
	model      string
	thresholds hallucination.ThresholdMap
	timeout    time.Duration
}

// NewFunctionHandler builds the function-calling stage.
func NewFunctionHandler(client *openai.Client, model string, thresholds hallucination.ThresholdMap, timeout time.Duration) *FunctionHandler {
	return &FunctionHandler{client: client, model: model, thresholds: thresholds, timeout: timeout}
}

// generationRequest carries the sampling parameters shared by the probe and
// prefill calls. The probe additionally requests per-token log-probs.
func (h *FunctionHandler) generationRequest(messages []openai.ChatMessage, probe bool) *openai.ChatCompletionRequest {
	req := &openai.ChatCompletionRequest{
		Model:        h.model,
		Messages:     messages,
		Temperature:  0.6,
		TopP:         1.0,
		TopK:         10,
		MaxTokens:    generationTokens,
		StopTokenIDs: []int{qwenEOSTokenID},
	}
	if probe {
		req.LogProbs = true
		req.TopLogProbs = probeTopLogProbs
	}
	return req
}

// probeResult is the outcome of the streaming phase.
type probeResult struct {
	hasToolCall bool
	state       *hallucination.State
}

// ChatCompletion runs intent-confirmed function calling for one request.
// The response carries either validated tool_calls with empty content, or a
// parameter-gathering reply; metadata records the hallucination flags.
func (h *FunctionHandler) ChatCompletion(ctx context.Context, req *models.ChatRequest) (*models.ChatCompletionResponse, error) {
	tools, err := toolText(req.Tools)
	if err != nil {
		return nil, errx.New(err, 400, errx.StageFunction, "invalid tool declarations")
	}
	systemPrompt := formatSystemPrompt(functionToolPrompt, tools, functionFormatPrompt)

	messages, err := processMessages(req.Messages, systemPrompt, "")
	if err != nil {
		return nil, errx.BadRequest(errx.StageFunction, err.Error())
	}
	messages = trimMessages(messages, maxHistoryTokens)

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	probe, err := h.probeStream(ctx, messages, req.Tools)
	if err != nil {
		return nil, err
	}

	metadata := map[string]string{
		"hallucination":     strconv.FormatBool(probe.state.Hallucination),
		"prompt_prefilling": "false",
	}
	if checkpoints, err := json.Marshal(probe.state.Checkpoints); err == nil {
		metadata["tokens_uncertainty"] = string(checkpoints)
	}

	var message models.Message
	switch {
	case probe.state.Hallucination:
		// The stream was cut mid-call; surface the offending token so the
		// gateway can decide whether to retry.
		metadata["error_type"] = probe.state.ErrorType
		metadata["error_message"] = probe.state.ErrorMessage
		log.Info().Str("token_error", probe.state.ErrorMessage).Msg("hallucination detected, stream aborted")
		message = models.Message{Content: "", ToolCalls: []models.ToolCall{}}

	case !probe.hasToolCall:
		content, err := h.engageParameterGathering(ctx, messages)
		if err != nil {
			return nil, err
		}
		metadata["prompt_prefilling"] = "true"
		message = models.Message{Content: content, ToolCalls: []models.ToolCall{}}

	default:
		message = h.resolveToolCalls(probe.state.Content(), req.Tools, metadata)
	}

	resp := models.NewChatCompletionResponse(message, h.model)
	resp.Metadata = metadata
	return resp, nil
}

// probeStream issues the streaming request and inspects the first non-empty
// token: a <tool_call> marker keeps the stream open through the
// hallucination state machine, anything else closes it immediately.
func (h *FunctionHandler) probeStream(ctx context.Context, messages []openai.ChatMessage, tools []models.Tool) (*probeResult, error) {
	state, err := hallucination.NewState(tools, h.thresholds)
	if err != nil {
		return nil, errx.BadRequest(errx.StageFunction, err.Error())
	}

	stream, err := h.client.StreamChatCompletion(ctx, h.generationRequest(messages, true))
	if err != nil {
		return nil, errx.Upstream(err, errx.StageFunction)
	}
	defer stream.Close()

	result := &probeResult{state: state}
	sawFirst := false

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errx.Upstream(err, errx.StageFunction)
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}

		if !sawFirst {
			sawFirst = true
			result.hasToolCall = strings.TrimSpace(token) == toolCallMarker
			if !result.hasToolCall {
				// Not a tool call; the rest of the stream is discarded and
				// parameter gathering takes over.
				return result, nil
			}
		}

		logProbs, err := topLogProbs(chunk)
		if err != nil {
			return nil, errx.Upstream(err, errx.StageFunction)
		}
		if state.Ingest(token, logProbs) {
			break
		}
	}

	return result, nil
}

// topLogProbs pulls the top-k log-prob values for the position carried by
// the chunk.
func topLogProbs(chunk *openai.ChatCompletionChunk) ([]float64, error) {
	lp := chunk.Choices[0].LogProbs
	if lp == nil || len(lp.Content) == 0 {
		return nil, fmt.Errorf("stream chunk is missing logprobs")
	}
	values := make([]float64, len(lp.Content[0].TopLogProbs))
	for i, candidate := range lp.Content[0].TopLogProbs {
		values[i] = candidate.LogProb
	}
	return values, nil
}

// engageParameterGathering re-invokes the backend with a seeded assistant
// prefix and the continue-final-message flags so the reply reads as a
// natural request for the missing parameters.
func (h *FunctionHandler) engageParameterGathering(ctx context.Context, messages []openai.ChatMessage) (string, error) {
	prefill := append(append([]openai.ChatMessage{}, messages...), openai.ChatMessage{
		Role:    models.RoleAssistant,
		Content: prefillPrefixes[rand.Intn(len(prefillPrefixes))],
	})

	req := h.generationRequest(prefill, false)
	req.ContinueFinalMessage = true
	noPrompt := false
	req.AddGenerationPrompt = &noPrompt

	resp, err := h.client.ChatCompletion(ctx, req)
	if err != nil {
		return "", errx.Upstream(err, errx.StageFunction)
	}
	return resp.Choices[0].Message.Content, nil
}

// resolveToolCalls extracts and validates the calls from the generated
// text. Failures surface as structured metadata with empty tool_calls; the
// caller decides whether to retry.
func (h *FunctionHandler) resolveToolCalls(content string, tools []models.Tool, metadata map[string]string) models.Message {
	calls, err := extractToolCalls(content)
	if err != nil {
		metadata["error_type"] = errTypeExtraction
		metadata["error_message"] = err.Error()
		return models.Message{Content: "", ToolCalls: []models.ToolCall{}}
	}

	if err := validateToolCalls(tools, calls); err != nil {
		metadata["error_type"] = errTypeValidation
		metadata["error_message"] = err.Error()
		return models.Message{Content: "", ToolCalls: []models.ToolCall{}}
	}

	log.Info().Int("tool_calls", len(calls)).Msg("tool calls extracted and validated")
	return models.Message{Content: "", ToolCalls: calls}
}
