package protocol

import (
	"encoding/json"
	"errors"
	"strings"
)

// Inbound control message kinds sent by the browser client.
const (
	ControlInterrupt       = "interrupt"
	ControlForceEndpoint   = "force_endpoint"
	ControlAutoEndOfSpeech = "auto_end_of_speech"
	ControlEndOfSpeech     = "end_of_speech" // legacy alias of auto_end_of_speech
	ControlStartRecording  = "start_recording"
)

// Outbound event types.
const (
	EventSTTChunk    = "stt_chunk"
	EventSTTOutput   = "stt_output"
	EventLLMChunk    = "llm_chunk"
	EventLLMEnd      = "llm_end"
	EventTTSChunk    = "tts_chunk"
	EventTTSEnd      = "tts_end"
	EventInterrupted = "interrupted"
	EventError       = "error"
)

var ErrNotJSON = errors.New("control frame is not a json object")

// ControlMessage is a decoded inbound JSON frame.
type ControlMessage struct {
	Type string `json:"type"`
}

// IsForceFinalize reports whether the message asks the recognizer to end the utterance now.
func (m ControlMessage) IsForceFinalize() bool {
	switch m.Type {
	case ControlForceEndpoint, ControlAutoEndOfSpeech, ControlEndOfSpeech:
		return true
	}
	return false
}

// DecodeControl parses a text frame. ErrNotJSON means the frame should be
// treated as raw audio.
func DecodeControl(data []byte) (ControlMessage, error) {
	trimmed := strings.TrimSpace(string(data))
	if !strings.HasPrefix(trimmed, "{") {
		return ControlMessage{}, ErrNotJSON
	}
	var msg ControlMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return ControlMessage{}, ErrNotJSON
	}
	return msg, nil
}

// Event is one outbound JSON frame. TS is epoch milliseconds.
type Event struct {
	Type       string  `json:"type"`
	TS         int64   `json:"ts"`
	Transcript string  `json:"transcript,omitempty"`
	Text       string  `json:"text,omitempty"`
	Audio      string  `json:"audio,omitempty"`
	Generation *uint64 `json:"tts_generation,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// WithGeneration stamps the event with a tts generation.
func (e Event) WithGeneration(gen uint64) Event {
	e.Generation = &gen
	return e
}

// IsAudio reports whether the event carries synthesized audio.
func (e Event) IsAudio() bool {
	return e.Type == EventTTSChunk
}
