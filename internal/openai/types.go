package openai

// Chat-completions wire types for the OpenAI-compatible backend. Only the
// fields this server reads or writes are modelled; the sampling extras
// (stop_token_ids, continue_final_message, add_generation_prompt) are
// vLLM-style body parameters carried at the top level of the request.

// ChatMessage is a backend-facing conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	TopP        float64       `json:"top_p,omitempty"`
	TopK        int           `json:"top_k,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`

	// StopTokenIDs stops generation on specific token ids (vLLM extension).
	StopTokenIDs []int `json:"stop_token_ids,omitempty"`

	// LogProbs requests per-token log probabilities; TopLogProbs sets how
	// many candidates are returned per position.
	LogProbs    bool `json:"logprobs,omitempty"`
	TopLogProbs int  `json:"top_logprobs,omitempty"`

	// ContinueFinalMessage and AddGenerationPrompt drive prefill: the
	// backend continues the final assistant message instead of opening a
	// new assistant turn. AddGenerationPrompt must serialize an explicit
	// false, hence the pointer.
	ContinueFinalMessage bool  `json:"continue_final_message,omitempty"`
	AddGenerationPrompt  *bool `json:"add_generation_prompt,omitempty"`
}

// TopLogProb is one candidate token with its log probability.
type TopLogProb struct {
	Token   string  `json:"token"`
	LogProb float64 `json:"logprob"`
}

// LogProbEntry is the probability information for one emitted token.
type LogProbEntry struct {
	Token       string       `json:"token"`
	LogProb     float64      `json:"logprob"`
	TopLogProbs []TopLogProb `json:"top_logprobs"`
}

// LogProbs is the logprob payload attached to a choice.
type LogProbs struct {
	Content []LogProbEntry `json:"content"`
}

// ChatChoice is one completion alternative in a non-streaming response.
type ChatChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	LogProbs     *LogProbs   `json:"logprobs,omitempty"`
	FinishReason string      `json:"finish_reason"`
}

// ChatCompletionResponse is a non-streaming completion response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

// ChatDelta is the incremental content of a streamed chunk.
type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StreamChoice is one choice inside a streamed chunk.
type StreamChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	LogProbs     *LogProbs `json:"logprobs,omitempty"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatCompletionChunk is one server-sent event of a streaming completion.
type ChatCompletionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
}
