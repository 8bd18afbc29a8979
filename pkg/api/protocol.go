package api

// Provider-facing duplex protocol ops. Messages are JSON text frames; every
// frame carries an "op" discriminator.
const (
	// Inbound from provider.
	OpRegister           = "register"
	OpPong               = "pong"
	OpCompletionResponse = "completion_response"

	// Outbound to provider.
	OpRegistered        = "registered"
	OpPing              = "ping"
	OpCompletionRequest = "completion_request"
	OpError             = "error"
)

// Envelope carries only the op discriminator, for demuxing inbound frames
// before decoding the full message.
type Envelope struct {
	Op string `json:"op"`
}

// RegisterMessage is the provider's handshake frame. APIKey may be empty for
// anonymous providers.
type RegisterMessage struct {
	Op     string   `json:"op"`
	APIKey string   `json:"api_key,omitempty"`
	Models []string `json:"models"`
}

// RegisteredMessage acknowledges a successful registration.
type RegisteredMessage struct {
	Op string `json:"op"`

	// Handle is the provider's stable public handle ("user_1234").
	Handle string `json:"handle,omitempty"`
}

// PingMessage is the broker's keep-alive probe; PongMessage the reply.
type PingMessage struct {
	Op string `json:"op"`
}

// PongMessage answers a ping.
type PongMessage struct {
	Op string `json:"op"`
}

// CompletionRequestMessage forwards one inference request to a provider.
// ID is the correlation id matching the eventual response.
type CompletionRequestMessage struct {
	Op          string        `json:"op"`
	ID          string        `json:"id"`
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int64         `json:"max_tokens,omitempty"`
}

// CompletionResponseMessage carries a provider's answer back to the broker.
// Exactly one of Response and Error is meaningful.
type CompletionResponseMessage struct {
	Op       string          `json:"op"`
	ID       string          `json:"id"`
	Response *ChatCompletion `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ErrorMessage tells a provider why its frame was rejected.
type ErrorMessage struct {
	Op    string `json:"op"`
	Error string `json:"error"`
}
