package tts

import "errors"

// EventType classifies synthesizer notifications.
type EventType string

const (
	EventChunk EventType = "chunk"
	EventDone  EventType = "done"
	EventError EventType = "error"
)

// Event carries decoded PCM for one synthesis context, or its completion.
type Event struct {
	Type      EventType
	ContextID string
	Audio     []byte
	Message   string
}

// Callback receives synthesizer events from the read loop.
type Callback func(Event)

var (
	ErrClosed       = errors.New("tts: client closed")
	ErrNotConnected = errors.New("tts: not connected")
	ErrEmptyText    = errors.New("tts: empty text")
)

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

type generationRequest struct {
	ModelID      string       `json:"model_id"`
	Transcript   string       `json:"transcript"`
	Voice        voiceSpec    `json:"voice"`
	ContextID    string       `json:"context_id"`
	OutputFormat outputFormat `json:"output_format"`
	Language     string       `json:"language,omitempty"`
}

type cancelRequest struct {
	ContextID string `json:"context_id"`
	Cancel    bool   `json:"cancel"`
}

type inboundMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data,omitempty"`
	ContextID  string `json:"context_id,omitempty"`
	Done       bool   `json:"done,omitempty"`
	Error      string `json:"error,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}
