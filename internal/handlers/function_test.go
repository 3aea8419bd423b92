package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptgw/modelserver/internal/hallucination"
	"github.com/promptgw/modelserver/internal/openai"
	"github.com/promptgw/modelserver/pkg/models"
)

// toolCallTokens streams a complete well-formed tool call, split the way the
// backend tokenizer splits JSON punctuation.
var toolCallTokens = []string{
	"<tool_call>", "\n", `{"`, "name", `":`, ` "`,
	"get", "_current", "_weather", `",`,
	` "`, "arguments", `":`, ` {"`,
	"location", `":`, ` "`, "Boston", `",`,
	` "`, "days", `":`, " 3",
	"}}\n", "</tool_call>",
}

func confidentLPs() []float64 {
	lps := make([]float64, 10)
	lps[0] = math.Log(0.999)
	for i := 1; i < 10; i++ {
		lps[i] = math.Log(0.001 / 9)
	}
	return lps
}

func uncertainLPs() []float64 {
	lps := make([]float64, 10)
	lps[0] = math.Log(0.85)
	for i := 1; i < 10; i++ {
		lps[i] = math.Log(0.15 / 9)
	}
	return lps
}

// fakeBackend serves both phases of the function pipeline: the streaming
// probe gets the configured token stream, the prefill call gets a plain
// completion. Every decoded request body is captured.
type fakeBackend struct {
	tokens         []string
	logProbsFor    func(token string) []float64
	prefillContent string

	requests []openai.ChatCompletionRequest
	server   *httptest.Server
}

func newFakeBackend(t *testing.T, tokens []string) *fakeBackend {
	t.Helper()
	b := &fakeBackend{
		tokens:         tokens,
		logProbsFor:    func(string) []float64 { return confidentLPs() },
		prefillContent: " I help you with the forecast location?",
	}
	b.server = httptest.NewServer(http.HandlerFunc(b.handle))
	t.Cleanup(b.server.Close)
	return b
}

func (b *fakeBackend) handle(w http.ResponseWriter, r *http.Request) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	b.requests = append(b.requests, req)

	if !req.Stream {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": b.prefillContent}},
			},
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, token := range b.tokens {
		top := make([]map[string]any, 0, 10)
		for _, lp := range b.logProbsFor(token) {
			top = append(top, map[string]any{"token": token, "logprob": lp})
		}
		chunk := map[string]any{
			"choices": []map[string]any{{
				"index": 0,
				"delta": map[string]any{"content": token},
				"logprobs": map[string]any{
					"content": []map[string]any{
						{"token": token, "logprob": b.logProbsFor(token)[0], "top_logprobs": top},
					},
				},
			}},
		}
		payload, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func newFunctionHandler(b *fakeBackend) *FunctionHandler {
	thresholds := hallucination.ThresholdMap{
		hallucination.MaskToolCall:       {Entropy: 0.35, Varentropy: 1.7, Probability: 0.8},
		hallucination.MaskParameterValue: {Entropy: 0.28, Varentropy: 1.2, Probability: 0.8},
	}
	return NewFunctionHandler(openai.NewClient(b.server.URL, "test"), "Arch-Function", thresholds, 5*time.Second)
}

func weatherRequest() *models.ChatRequest {
	return &models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "weather in boston for 3 days?"}},
		Tools:    weatherTools(),
	}
}

func TestFunctionChatCompletionToolCall(t *testing.T) {
	backend := newFakeBackend(t, toolCallTokens)
	h := newFunctionHandler(backend)

	resp, err := h.ChatCompletion(context.Background(), weatherRequest())
	require.NoError(t, err)

	message := resp.Choices[0].Message
	assert.Empty(t, message.Content)
	require.Len(t, message.ToolCalls, 1)
	assert.Equal(t, "get_current_weather", message.ToolCalls[0].Function.Name)
	assert.Equal(t, "Boston", message.ToolCalls[0].Function.Arguments["location"])
	assert.Equal(t, float64(3), message.ToolCalls[0].Function.Arguments["days"])

	assert.Equal(t, "false", resp.Metadata["hallucination"])
	assert.Equal(t, "false", resp.Metadata["prompt_prefilling"])
	assert.NotContains(t, resp.Metadata, "error_type")
	assert.NotEmpty(t, resp.Metadata["tokens_uncertainty"])

	// Only the probe stream was needed.
	require.Len(t, backend.requests, 1)
	probe := backend.requests[0]
	assert.True(t, probe.Stream)
	assert.True(t, probe.LogProbs)
	assert.Equal(t, 10, probe.TopLogProbs)
	assert.Equal(t, []int{151645}, probe.StopTokenIDs)
	assert.InDelta(t, 0.6, probe.Temperature, 1e-9)
	assert.Equal(t, 512, probe.MaxTokens)
}

func TestFunctionChatCompletionPrefill(t *testing.T) {
	backend := newFakeBackend(t, []string{"I", " can", " help"})
	h := newFunctionHandler(backend)

	resp, err := h.ChatCompletion(context.Background(), weatherRequest())
	require.NoError(t, err)

	message := resp.Choices[0].Message
	assert.Empty(t, message.ToolCalls)
	assert.Equal(t, backend.prefillContent, message.Content)
	assert.Equal(t, "true", resp.Metadata["prompt_prefilling"])
	assert.Equal(t, "false", resp.Metadata["hallucination"])

	require.Len(t, backend.requests, 2)
	prefill := backend.requests[1]
	assert.False(t, prefill.Stream)
	assert.True(t, prefill.ContinueFinalMessage)
	require.NotNil(t, prefill.AddGenerationPrompt)
	assert.False(t, *prefill.AddGenerationPrompt)

	seed := prefill.Messages[len(prefill.Messages)-1]
	assert.Equal(t, models.RoleAssistant, seed.Role)
	assert.Contains(t, prefillPrefixes, seed.Content)
}

func TestFunctionChatCompletionHallucination(t *testing.T) {
	backend := newFakeBackend(t, toolCallTokens)
	backend.logProbsFor = func(token string) []float64 {
		if token == "Boston" {
			return uncertainLPs()
		}
		return confidentLPs()
	}
	h := newFunctionHandler(backend)

	resp, err := h.ChatCompletion(context.Background(), weatherRequest())
	require.NoError(t, err)

	message := resp.Choices[0].Message
	assert.Empty(t, message.Content)
	assert.Empty(t, message.ToolCalls)
	assert.Equal(t, "true", resp.Metadata["hallucination"])
	assert.Equal(t, "false", resp.Metadata["prompt_prefilling"])
	assert.Equal(t, "Hallucination", resp.Metadata["error_type"])
	assert.Contains(t, resp.Metadata["error_message"], "Boston")

	// No prefill round trip after an aborted stream.
	require.Len(t, backend.requests, 1)
}

func TestFunctionChatCompletionExtractionError(t *testing.T) {
	backend := newFakeBackend(t, []string{"<tool_call>", "\n", "not json here", "\n", "</tool_call>"})
	h := newFunctionHandler(backend)

	resp, err := h.ChatCompletion(context.Background(), weatherRequest())
	require.NoError(t, err)

	message := resp.Choices[0].Message
	assert.Empty(t, message.ToolCalls)
	assert.Equal(t, errTypeExtraction, resp.Metadata["error_type"])
	assert.NotEmpty(t, resp.Metadata["error_message"])
}

func TestFunctionChatCompletionValidationError(t *testing.T) {
	tokens := []string{
		"<tool_call>", "\n", `{"`, "name", `":`, ` "`,
		"get", "_current", "_weather", `",`,
		` "`, "arguments", `":`, ` {"`,
		"location", `":`, ` "`, "Boston", `"}}` + "\n",
		"</tool_call>",
	}
	backend := newFakeBackend(t, tokens)
	h := newFunctionHandler(backend)

	resp, err := h.ChatCompletion(context.Background(), weatherRequest())
	require.NoError(t, err)

	message := resp.Choices[0].Message
	assert.Empty(t, message.ToolCalls)
	assert.Equal(t, errTypeValidation, resp.Metadata["error_type"])
	assert.Contains(t, resp.Metadata["error_message"], "`days` is required")
}

func TestFunctionChatCompletionRequiresTools(t *testing.T) {
	backend := newFakeBackend(t, toolCallTokens)
	h := newFunctionHandler(backend)

	_, err := h.ChatCompletion(context.Background(), &models.ChatRequest{
		Messages: []models.Message{{Role: models.RoleUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Empty(t, backend.requests)
}
