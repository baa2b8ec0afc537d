package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type anthropicGenerator struct {
	endpoint   string
	apiKey     string
	version    string
	httpClient *http.Client
}

// NewAnthropicGenerator streams from the Messages API using server-sent events.
func NewAnthropicGenerator(endpoint, apiKey, version string, httpClient *http.Client) Generator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if version == "" {
		version = "2023-06-01"
	}
	return &anthropicGenerator{endpoint: endpoint, apiKey: apiKey, version: version, httpClient: httpClient}
}

type anthropicRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *anthropicGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Messages:    mergeRoles(req.Messages),
		Temperature: req.Temperature,
		Stream:      true,
	})
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", g.apiKey)
	httpReq.Header.Set("anthropic-version", g.version)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("anthropic returned status %s: %s", resp.Status, strings.TrimSpace(string(errBody)))
	}

	reader := bufio.NewReader(resp.Body)
	start := time.Now()
	var promptTokens, completionTokens int
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("anthropic stream ended before message_stop: %w", io.ErrUnexpectedEOF)
			}
			return err
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			continue
		}
		switch event.Type {
		case "message_start":
			promptTokens = event.Message.Usage.InputTokens
		case "content_block_delta":
			if event.Delta.Text == "" {
				continue
			}
			if err := consumer(Chunk{
				SessionID:    req.SessionID,
				Content:      event.Delta.Text,
				Partial:      true,
				PromptTokens: promptTokens,
				Latency:      time.Since(start),
			}); err != nil {
				return err
			}
		case "message_delta":
			completionTokens = event.Usage.OutputTokens
		case "message_stop":
			return consumer(Chunk{
				SessionID:        req.SessionID,
				Partial:          false,
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
				Latency:          time.Since(start),
			})
		case "error":
			return fmt.Errorf("anthropic stream error: %s: %s", event.Error.Type, event.Error.Message)
		}
	}
}

// mergeRoles collapses consecutive messages from the same role, which the
// Messages API rejects.
func mergeRoles(messages []Message) []Message {
	merged := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == msg.Role {
			merged[n-1].Content += "\n" + msg.Content
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}
