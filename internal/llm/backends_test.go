package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAnthropicGeneratorStreamsDeltas(t *testing.T) {
	var got anthropicRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "secret" || r.Header.Get("anthropic-version") != "2023-06-01" {
			http.Error(w, "bad headers", http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":7}}}\n\n")
		fmt.Fprint(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" you\"}}\n\n")
		fmt.Fprint(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":2}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	gen := NewAnthropicGenerator(srv.URL, "secret", "", srv.Client())
	var text strings.Builder
	var last Chunk
	err := gen.Generate(context.Background(), Request{
		Model:    "claude",
		Messages: []Message{{Role: RoleAssistant, Content: "hello"}, {Role: RoleUser, Content: "a"}, {Role: RoleUser, Content: "b"}},
	}, func(c Chunk) error {
		text.WriteString(c.Content)
		last = c
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text.String() != "Hi you" {
		t.Fatalf("unexpected text %q", text.String())
	}
	if last.Partial || last.PromptTokens != 7 || last.CompletionTokens != 2 {
		t.Fatalf("unexpected final chunk %+v", last)
	}
	if !got.Stream || got.MaxTokens != 1024 {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.Messages) != 2 || got.Messages[1].Content != "a\nb" {
		t.Fatalf("expected consecutive user turns merged, got %+v", got.Messages)
	}
}

func TestAnthropicGeneratorStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gen := NewAnthropicGenerator(srv.URL, "k", "", srv.Client())
	err := gen.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}, func(Chunk) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestAnthropicGeneratorStreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"par\"}}\n\n")
		fmt.Fprint(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n")
	}))
	defer srv.Close()

	var text string
	gen := NewAnthropicGenerator(srv.URL, "k", "", srv.Client())
	err := gen.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}, func(c Chunk) error {
		text += c.Content
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected stream error, got %v", err)
	}
	if text != "par" {
		t.Fatalf("expected partial text before error, got %q", text)
	}
}

func TestAnthropicGeneratorTruncatedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":3}}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"cut\"}}\n\n")
	}))
	defer srv.Close()

	var text string
	gen := NewAnthropicGenerator(srv.URL, "k", "", srv.Client())
	err := gen.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}, func(c Chunk) error {
		text += c.Content
		return nil
	})
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
	if text != "cut" {
		t.Fatalf("expected partial text before truncation, got %q", text)
	}
}

func TestOllamaGeneratorStreamsChat(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		fmt.Fprintln(w, `{"message":{"content":"Hel"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":"lo"},"done":false}`)
		fmt.Fprintln(w, `{"message":{"content":""},"done":true,"eval_count":2,"prompt_eval_count":5}`)
	}))
	defer srv.Close()

	gen := NewOllamaGenerator(srv.URL+"/", srv.Client())
	var text strings.Builder
	var last Chunk
	err := gen.Generate(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, func(c Chunk) error {
		text.WriteString(c.Content)
		last = c
		return nil
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if text.String() != "Hello" {
		t.Fatalf("unexpected text %q", text.String())
	}
	if last.Partial || last.CompletionTokens != 2 || last.PromptTokens != 5 {
		t.Fatalf("unexpected final chunk %+v", last)
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Model == "" {
		t.Fatalf("unexpected request %+v", got)
	}
}
