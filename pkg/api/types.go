// Package api defines the OpenAI-compatible wire types shared by the
// client-facing HTTP surface and the provider-facing duplex protocol,
// together with the broker's MULE accounting extensions.
package api

// ChatMessage is a single message in a chat conversation.
type ChatMessage struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string `json:"role"`

	// Content is the text content of the message.
	Content string `json:"content"`

	// Name is an optional participant name.
	Name string `json:"name,omitempty"`
}

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int64         `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`

	// TimeoutSeconds optionally overrides the broker's per-request deadline.
	// Values above the hard cap are clamped.
	TimeoutSeconds int64 `json:"timeout_seconds,omitempty"`
}

// Choice is one completion alternative in a chat response.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// Usage is the token accounting block of a chat response, extended with the
// broker's MULE fields.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`

	// Broker extensions.
	MuleAmount          string  `json:"mule_amount,omitempty"`
	DurationSeconds     float64 `json:"duration_seconds,omitempty"`
	TokensPerSecond     float64 `json:"tokens_per_second,omitempty"`
	TransactionMuleCost string  `json:"transaction_mule_cost,omitempty"`
}

// ChatCompletion is the OpenAI chat-completion response shape plus the
// broker's extensions.
type ChatCompletion struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`

	// Broker extensions.
	ModelTier  string `json:"model_tier,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
}

// FirstContent returns the content of the first choice, or "" when the
// response carries no usable choice.
func (c *ChatCompletion) FirstContent() string {
	if c == nil || len(c.Choices) == 0 {
		return ""
	}
	return c.Choices[0].Message.Content
}

// ErrorBody is the structured error envelope returned by the HTTP surface.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the stable error taxonomy fields.
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

// ModelEntry is one row of GET /v1/models: a (model, provider handle) pair
// with tier and rolling performance.
type ModelEntry struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Tier          string `json:"tier"`
	ContextLength int64  `json:"context_length"`
	ProviderID    string `json:"provider_id"`

	Performance ModelPerformance `json:"performance"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string       `json:"object"`
	Data   []ModelEntry `json:"data"`
}

// ModelPerformance summarises a provider's rolling window for the catalog.
type ModelPerformance struct {
	SuccessRate          float64 `json:"success_rate"`
	TotalRequests        int64   `json:"total_requests"`
	AvgTokensPerSecond   float64 `json:"avg_tokens_per_second"`
	MaxTokensPerSecond   float64 `json:"max_tokens_per_second"`
	LastActiveSecondsAgo float64 `json:"last_active_seconds_ago"`
	Status               string  `json:"status"`
}
