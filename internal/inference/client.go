// Package inference provides the LLM client used by the model-backed
// checker. Only the Anthropic messages API is implemented; the Client
// interface keeps the checker testable without network access.
package inference

import (
	"context"
	"time"
)

// Config holds inference client configuration.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	BaseURL     string
	Timeout     time.Duration
}

// Client sends a prompt to a language model and returns its raw text reply.
type Client interface {
	Analyze(ctx context.Context, prompt string) (string, error)
}
