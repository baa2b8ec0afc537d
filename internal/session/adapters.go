package session

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// Recognizer is the streaming speech-to-text connection a session drives.
type Recognizer interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte) error
	ForceFinalize() error
	OnEvent(cb stt.Callback)
	Open() bool
	Close() error
}

// Synthesizer is the streaming text-to-speech connection a session drives.
type Synthesizer interface {
	Connect(ctx context.Context) error
	SendText(text string) (string, error)
	CancelCurrent() error
	OnEvent(cb tts.Callback)
	WaitForReady(timeout time.Duration) bool
	Open() bool
	Close() error
}

// LanguageModel holds the conversation and streams replies over it.
type LanguageModel interface {
	AddMessage(role, content string)
	StreamReply(ctx context.Context, userMessage string, onDelta func(string)) (string, error)
	Reset()
}

// Adapters are created fresh for every session and never shared.
type Adapters struct {
	Recognizer    Recognizer
	Synthesizer   Synthesizer
	LanguageModel LanguageModel
}

// AdapterFactory builds the adapters for a new session.
type AdapterFactory func(sessionID string) (Adapters, error)

// Emitter delivers outbound events to the client. Emit must not block.
type Emitter interface {
	Emit(evt protocol.Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(protocol.Event)

func (f EmitterFunc) Emit(evt protocol.Event) { f(evt) }
