package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// beginTurnLocked consumes the buffered transcript and starts the
// reply pipeline. The caller has checked that the session is listening.
func (s *Session) beginTurnLocked() {
	text := strings.TrimSpace(strings.Join(s.transcripts, " "))
	s.transcripts = nil
	if text == "" {
		return
	}

	s.lastPrompt = text
	s.turnSeq++
	turn := s.turnSeq
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.activeTurn = turn
	s.turnCancel = cancel
	s.turnStarted = s.clock()
	s.reply.Reset()
	s.state = StateProcessing

	s.goLocked(func() {
		defer cancel()
		s.runTurn(turnCtx, turn, text)
	})
}

// endTurnLocked abandons the language model phase of the active turn.
func (s *Session) endTurnLocked() {
	if s.turnCancel != nil {
		s.turnCancel()
		s.turnCancel = nil
	}
	s.activeTurn = 0
}

func (s *Session) runTurn(ctx context.Context, turn uint64, text string) {
	ctx, span := s.tracer.Start(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.Int64("session.turn", int64(turn)),
		attribute.Int("transcript.chars", len(text)),
	))
	defer span.End()

	_, err := s.model.StreamReply(ctx, text, func(delta string) {
		s.onReplyDelta(turn, delta)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			span.SetAttributes(attribute.Bool("turn.interrupted", true))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reply failed")
		}
		s.onReplyFailed(turn, err)
		return
	}
	s.onReplyComplete(ctx, turn, span)
}

func (s *Session) onReplyDelta(turn uint64, delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeTurn != turn || delta == "" {
		return
	}
	s.reply.WriteString(delta)
	s.emitLocked(protocol.Event{Type: protocol.EventLLMChunk, Text: delta})
}

func (s *Session) onReplyComplete(ctx context.Context, turn uint64, span trace.Span) {
	s.mu.Lock()
	if s.activeTurn != turn {
		s.mu.Unlock()
		return
	}
	s.activeTurn = 0
	s.turnCancel = nil
	text := s.reply.String()
	s.reply.Reset()
	s.model.AddMessage(llm.RoleAssistant, text)
	s.emitLocked(protocol.Event{Type: protocol.EventLLMEnd})

	if strings.TrimSpace(text) == "" {
		s.state = StateListening
		s.mu.Unlock()
		return
	}
	gen := s.generation.Add(1)
	s.replyGen = gen
	s.replyChars = len(text)
	s.mu.Unlock()

	span.SetAttributes(attribute.Int64("tts.generation", int64(gen)), attribute.Int("reply.chars", len(text)))

	if !s.synth.Open() {
		if err := s.synth.Connect(s.ctx); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			span.RecordError(err)
			s.mu.Lock()
			if s.generation.Load() == gen && s.state == StateProcessing {
				s.state = StateListening
			}
			s.mu.Unlock()
			s.adapterFailed("tts", "TTS connection failed: "+err.Error())
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected || s.generation.Load() != gen {
		return
	}
	contextID, err := s.synth.SendText(text)
	if err != nil {
		span.RecordError(err)
		s.state = StateListening
		s.emitLocked(protocol.Event{Type: protocol.EventError, Message: "TTS request failed: " + err.Error()})
		s.metrics.adapterError("tts")
		return
	}
	s.contexts[contextID] = gen
	s.logger.Debug("reply sent to synthesizer",
		slog.String("context_id", contextID),
		slog.Uint64("tts_generation", gen),
		slog.Int("chars", len(text)))
}

// onReplyFailed keeps whatever partial reply was streamed, reports the
// failure and returns to listening. Interrupted turns are ignored.
func (s *Session) onReplyFailed(turn uint64, err error) {
	s.mu.Lock()
	if s.activeTurn != turn {
		s.mu.Unlock()
		return
	}
	s.activeTurn = 0
	s.turnCancel = nil
	partial := s.reply.String()
	s.reply.Reset()
	if partial != "" {
		s.model.AddMessage(llm.RoleAssistant, partial)
		s.emitLocked(protocol.Event{Type: protocol.EventLLMEnd})
	}
	s.emitLocked(protocol.Event{Type: protocol.EventError, Message: replyFailedMessage})
	s.state = StateListening
	s.mu.Unlock()

	s.metrics.adapterError("llm")
	s.observer.TurnFailed(s.id, err)
	s.logger.Warn("reply failed", slog.Int("partial_chars", len(partial)), slogError(err))
}
