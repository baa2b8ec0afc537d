package session

import (
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

func (s *Session) onRecognizerEvent(evt stt.Event) {
	switch evt.Type {
	case stt.EventInterim:
		if strings.TrimSpace(evt.Transcript) == "" {
			return
		}
		s.mu.Lock()
		if s.state != StateDisconnected {
			s.emitLocked(protocol.Event{Type: protocol.EventSTTChunk, Transcript: evt.Transcript})
		}
		s.mu.Unlock()
	case stt.EventFinal:
		s.onFinalTranscript(evt.Transcript)
	case stt.EventSessionStarted:
		s.logger.Debug("recognizer session started", slog.String("stt_session_id", evt.SessionID))
	case stt.EventSessionEnded:
		s.logger.Debug("recognizer session ended", slog.String("reason", evt.Message))
	case stt.EventError:
		message := evt.Message
		if message == "" {
			message = "STT error"
		}
		s.adapterFailed("stt", message)
	}
}

// onFinalTranscript always reports the transcript. It starts a turn only
// while listening; otherwise the text waits in the buffer for the next one,
// unless it repeats the prompt already being answered.
func (s *Session) onFinalTranscript(text string) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}
	s.emitLocked(protocol.Event{Type: protocol.EventSTTOutput, Transcript: text})
	if s.state != StateListening && trimmed == s.lastPrompt {
		s.logger.Debug("dropping duplicate final transcript", slog.Int("chars", len(trimmed)))
		return
	}
	s.transcripts = append(s.transcripts, text)
	if s.state == StateListening {
		s.beginTurnLocked()
	}
}

func (s *Session) onSynthesizerEvent(evt tts.Event) {
	switch evt.Type {
	case tts.EventChunk:
		s.onSynthesizerChunk(evt.ContextID, evt.Audio)
	case tts.EventDone:
		s.onSynthesizerDone(evt.ContextID)
	case tts.EventError:
		s.onSynthesizerError(evt.ContextID, evt.Message)
	}
}

func (s *Session) onSynthesizerChunk(contextID string, audio []byte) {
	if len(audio) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return
	}
	gen, ok := s.contexts[contextID]
	if !ok || gen < s.generation.Load() {
		s.metrics.staleChunk()
		return
	}
	if s.state == StateProcessing && gen == s.replyGen && s.activeTurn == 0 {
		s.state = StateSpeaking
	}
	s.emitLocked(protocol.Event{Type: protocol.EventTTSChunk, Audio: encodeAudio(audio)}.WithGeneration(gen))
}

func (s *Session) onSynthesizerDone(contextID string) {
	s.mu.Lock()
	gen, ok := s.contexts[contextID]
	delete(s.contexts, contextID)
	if !ok || s.state == StateDisconnected || gen != s.generation.Load() {
		s.mu.Unlock()
		return
	}
	s.emitLocked(protocol.Event{Type: protocol.EventTTSEnd}.WithGeneration(gen))

	completed := false
	if gen == s.replyGen && (s.state == StateSpeaking || s.state == StateProcessing) && s.activeTurn == 0 {
		s.state = StateListening
		completed = true
	}
	latency := s.clock().Sub(s.turnStarted)
	chars := s.replyChars
	s.mu.Unlock()

	if completed {
		s.metrics.turnCompleted(latency)
		s.observer.TurnCompleted(s.id, gen, latency, chars)
	}
}

func (s *Session) onSynthesizerError(contextID, message string) {
	if message == "" {
		message = "TTS error"
	}
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	current := s.generation.Load()
	affectsReply := false
	if contextID == "" {
		affectsReply = s.replyGen == current
	} else if gen, ok := s.contexts[contextID]; ok {
		affectsReply = gen == current && gen == s.replyGen
		delete(s.contexts, contextID)
	}
	if affectsReply && s.activeTurn == 0 && (s.state == StateProcessing || s.state == StateSpeaking) {
		s.state = StateListening
	}
	s.mu.Unlock()

	s.adapterFailed("tts", message)
}
