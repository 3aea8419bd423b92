package models

// Role values accepted on incoming messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of an OpenAI-style conversation. Assistant turns carry
// either non-empty ToolCalls or non-empty Content, never both.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id"`
	ToolCalls  []ToolCall `json:"tool_calls"`
}

// ToolCall is a structured function invocation emitted by the
// function-calling model. ID correlates a later tool-role message via its
// ToolCallID field.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the target function and its decoded arguments.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Tool is a developer-declared function presented to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a declared function and its JSON-schema parameters.
type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  ToolParameters `json:"parameters"`
}

// ToolParameters is the JSON-schema object declaring the function arguments.
type ToolParameters struct {
	Type       string                  `json:"type,omitempty"`
	Properties map[string]ToolProperty `json:"properties"`
	Required   []string                `json:"required,omitempty"`
}

// ToolProperty declares a single parameter. Type is drawn from the closed
// set {int, float, bool, str, list, tuple, set, dict}.
type ToolProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enum        []any  `json:"enum,omitempty"`
	Format      string `json:"format,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// ChatRequest is the body of POST /function_calling.
type ChatRequest struct {
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools"`
}

// Choice wraps one generated message.
type Choice struct {
	ID           int     `json:"id"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// ChatCompletionResponse is the response shape shared by the intent and
// function-calling stages. Metadata carries stage latencies and the
// hallucination flags as strings.
type ChatCompletionResponse struct {
	ID       int               `json:"id"`
	Object   string            `json:"object"`
	Created  string            `json:"created"`
	Choices  []Choice          `json:"choices"`
	Model    string            `json:"model"`
	Metadata map[string]string `json:"metadata"`
}

// NewChatCompletionResponse builds the canonical single-choice response.
func NewChatCompletionResponse(msg Message, model string) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		Object:   "chat_completion",
		Choices:  []Choice{{Message: msg, FinishReason: "stop"}},
		Model:    model,
		Metadata: map[string]string{},
	}
}
