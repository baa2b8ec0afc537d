package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Client keeps one session's conversation history and streams replies over it.
type Client struct {
	cfg       config.LLMConfig
	generator Generator
	sessionID string
	logger    *slog.Logger

	mu      sync.Mutex
	history []Message
}

func NewClient(cfg config.LLMConfig, generator Generator, sessionID string, logger *slog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		generator: generator,
		sessionID: sessionID,
		logger:    logger.With(slog.String("component", "llm"), slog.String("session_id", sessionID)),
	}
}

func (c *Client) AddMessage(role, content string) {
	c.mu.Lock()
	c.history = append(c.history, Message{Role: role, Content: content})
	c.mu.Unlock()
}

// StreamReply appends userMessage to the history and streams the model reply.
// onDelta receives each non-empty fragment in upstream order. The returned
// text is everything received, even when err is non-nil. The reply itself is
// not appended; callers decide whether it belongs in the history.
func (c *Client) StreamReply(ctx context.Context, userMessage string, onDelta func(string)) (string, error) {
	if strings.TrimSpace(userMessage) == "" {
		return "", ErrEmptyMessage
	}

	c.mu.Lock()
	c.history = append(c.history, Message{Role: RoleUser, Content: userMessage})
	messages := append([]Message(nil), c.history...)
	c.mu.Unlock()

	if c.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	req := Request{
		SessionID:   c.sessionID,
		Model:       c.cfg.Model,
		System:      c.cfg.System,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	var reply strings.Builder
	start := time.Now()
	err := c.generator.Generate(ctx, req, func(chunk Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		reply.WriteString(chunk.Content)
		if onDelta != nil {
			onDelta(chunk.Content)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("reply stream failed", slog.Int("partial_chars", reply.Len()), slogError(err))
		return reply.String(), fmt.Errorf("stream reply: %w", err)
	}
	c.logger.Debug("reply streamed", slog.Int("chars", reply.Len()), slog.Duration("elapsed", time.Since(start)))
	return reply.String(), nil
}

// History returns a copy of the conversation so far.
func (c *Client) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.history...)
}

func (c *Client) Reset() {
	c.mu.Lock()
	c.history = nil
	c.mu.Unlock()
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
