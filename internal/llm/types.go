package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var ErrEmptyMessage = errors.New("llm: empty user message")

// Message is one entry of the conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a language model prompt over the accumulated history.
type Request struct {
	SessionID   string
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// NewGenerator selects the backend named by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "anthropic":
		return NewAnthropicGenerator(cfg.Endpoint, cfg.APIKey, cfg.AnthropicVersion, nil), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, nil), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown llm mode %q", cfg.Mode)
	}
}
