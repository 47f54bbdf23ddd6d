// Package llm provides the embedding and chat completion clients for the
// external providers. Both speak the OpenAI-compatible HTTP surface and share
// a retry loop that distinguishes transient transport failures (retryable)
// from permanent provider rejections.
package llm

import (
	"context"
	"errors"
	"time"
)

// Embedder generates embeddings for batches of texts.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Chatter sends chat completion requests.
type Chatter interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// ChatRequest is a chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures a provider endpoint.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	// BatchSize caps texts per embedding request; larger inputs are split.
	BatchSize int
}

// ErrTransient marks provider failures that warrant a retry: 429, 5xx,
// network errors, timeouts, and malformed JSON-mode output. Everything else
// from the provider is permanent.
var ErrTransient = errors.New("llm: transient provider error")

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
