// Package session orchestrates one duplex voice conversation: it routes client
// audio to the recognizer, finalized transcripts to the language model and
// complete replies to the synthesizer, and implements barge-in through a
// generation counter stamped on every synthesized chunk.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

const replyFailedMessage = "Failed to process your message. Please try again."

var ErrAlreadyStarted = errors.New("session already started")

// Options carry the collaborators shared across sessions.
type Options struct {
	UserID   string
	Observer Observer
	Metrics  *Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Session is the per-connection orchestrator.
type Session struct {
	id       string
	userID   string
	cfg      config.SessionConfig
	rec      Recognizer
	synth    Synthesizer
	model    LanguageModel
	emitter  Emitter
	observer Observer
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	clock    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// generation is written only with mu held; readers outside the lock
	// (the transport writer) use Generation.
	generation atomic.Uint64

	mu           sync.Mutex
	state        State
	started      bool
	startedAt    time.Time
	transcripts  []string
	lastPrompt   string
	reply        strings.Builder
	turnSeq      uint64
	activeTurn   uint64
	turnCancel   context.CancelFunc
	turnStarted  time.Time
	replyGen     uint64
	replyChars   int
	contexts     map[string]uint64
	finalizing   bool
	reconnecting bool

	stopOnce sync.Once
}

// New wires a session to freshly created adapters. Nothing connects until Start.
func New(id string, cfg config.SessionConfig, adapters Adapters, emitter Emitter, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(InstrumentationName)
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		userID:   opts.UserID,
		cfg:      cfg,
		rec:      adapters.Recognizer,
		synth:    adapters.Synthesizer,
		model:    adapters.LanguageModel,
		emitter:  emitter,
		observer: observer,
		metrics:  opts.Metrics,
		tracer:   tracer,
		logger:   logger.With(slog.String("component", "session"), slog.String("session_id", id)),
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateDisconnected,
		contexts: make(map[string]uint64),
	}
}

func (s *Session) ID() string { return s.id }

// Generation returns the current tts generation.
func (s *Session) Generation() uint64 { return s.generation.Load() }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start moves the session to listening, connects both speech adapters in the
// background and sends the greeting.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if ctx.Err() != nil {
		s.mu.Unlock()
		return ctx.Err()
	}
	s.started = true
	s.state = StateListening
	s.startedAt = s.clock()

	s.rec.OnEvent(s.onRecognizerEvent)
	s.synth.OnEvent(s.onSynthesizerEvent)

	s.connectRecognizerLocked()
	s.goLocked(func() {
		if err := s.synth.Connect(s.ctx); err != nil && s.ctx.Err() == nil {
			s.adapterFailed("tts", fmt.Sprintf("TTS connection failed: %v", err))
		}
	})

	if greeting := strings.TrimSpace(s.cfg.Greeting); greeting != "" {
		s.emitLocked(protocol.Event{Type: protocol.EventLLMChunk, Text: greeting})
		s.emitLocked(protocol.Event{Type: protocol.EventLLMEnd})
		s.model.AddMessage(llm.RoleAssistant, greeting)
		gen := s.generation.Load()
		s.goLocked(func() { s.sendGreeting(greeting, gen) })
	}
	s.mu.Unlock()

	s.metrics.sessionStarted()
	s.observer.SessionStarted(s.id, s.userID)
	s.logger.Info("session started")
	return nil
}

func (s *Session) sendGreeting(text string, gen uint64) {
	ready := time.Duration(s.cfg.ReadyTimeoutMS) * time.Millisecond
	if !s.synth.WaitForReady(ready) {
		if s.ctx.Err() == nil {
			s.logger.Warn("synthesizer not ready, greeting audio skipped", slog.Duration("timeout", ready))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected || s.generation.Load() != gen {
		return
	}
	contextID, err := s.synth.SendText(text)
	if err != nil {
		s.logger.Warn("greeting synthesis failed", slogError(err))
		return
	}
	s.contexts[contextID] = gen
}

// HandleAudio forwards one PCM frame. Frames are dropped while the
// recognizer is not connected.
func (s *Session) HandleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	active := s.state != StateDisconnected
	s.mu.Unlock()
	if !active || !s.rec.Open() {
		return
	}
	if err := s.rec.SendAudio(pcm); err != nil {
		s.logger.Debug("audio frame dropped", slogError(err))
	}
}

// HandleText routes a text frame: JSON control messages are dispatched and
// anything else is treated as audio.
func (s *Session) HandleText(data []byte) {
	msg, err := protocol.DecodeControl(data)
	if err != nil {
		s.HandleAudio(data)
		return
	}
	s.HandleControl(msg)
}

func (s *Session) HandleControl(msg protocol.ControlMessage) {
	switch {
	case msg.Type == protocol.ControlInterrupt:
		s.Interrupt()
	case msg.IsForceFinalize():
		s.ForceFinalize()
	case msg.Type == protocol.ControlStartRecording:
		s.mu.Lock()
		s.connectRecognizerLocked()
		s.mu.Unlock()
	default:
		s.logger.Debug("ignoring control message", slog.String("type", msg.Type))
	}
}

// Interrupt supersedes whatever reply is in flight or playing.
func (s *Session) Interrupt() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	gen := s.generation.Add(1)
	s.endTurnLocked()
	s.reply.Reset()
	s.transcripts = nil
	for contextID, g := range s.contexts {
		if g < gen {
			delete(s.contexts, contextID)
		}
	}
	s.state = StateListening
	s.emitLocked(protocol.Event{Type: protocol.EventInterrupted}.WithGeneration(gen))
	s.mu.Unlock()

	if err := s.synth.CancelCurrent(); err != nil {
		s.logger.Debug("cancel synthesis failed", slogError(err))
	}
	s.metrics.interrupted()
	s.observer.TurnInterrupted(s.id, gen)
	s.logger.Info("interrupted", slog.Uint64("tts_generation", gen))
}

// ForceFinalize asks the recognizer to close the utterance now and, after a
// short grace period, processes whatever final transcript is buffered.
func (s *Session) ForceFinalize() {
	s.mu.Lock()
	if s.state == StateDisconnected || s.finalizing {
		s.mu.Unlock()
		return
	}
	s.finalizing = true
	s.mu.Unlock()

	if err := s.rec.ForceFinalize(); err != nil {
		s.logger.Debug("force finalize not sent", slogError(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		s.finalizing = false
		return
	}
	grace := time.Duration(s.cfg.FinalizeGraceMS) * time.Millisecond
	s.goLocked(func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.finalizing = false
		if s.state == StateListening && len(s.transcripts) > 0 {
			s.beginTurnLocked()
		}
	})
}

// Stop tears the session down. It is safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.state = StateDisconnected
		s.endTurnLocked()
		s.transcripts = nil
		s.reply.Reset()
		s.contexts = make(map[string]uint64)
		startedAt := s.startedAt
		s.mu.Unlock()

		s.cancel()
		var errs []error
		if err := s.rec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close recognizer: %w", err))
		}
		if err := s.synth.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close synthesizer: %w", err))
		}
		s.wg.Wait()
		s.model.Reset()

		if err := errors.Join(errs...); err != nil {
			s.logger.Warn("adapter shutdown incomplete", slogError(err))
		}
		if !started {
			return
		}
		duration := s.clock().Sub(startedAt)
		s.metrics.sessionEnded()
		s.observer.SessionEnded(s.id, duration)
		s.logger.Info("session stopped", slog.Duration("duration", duration))
	})
}

func (s *Session) connectRecognizerLocked() {
	if s.state == StateDisconnected || s.reconnecting || s.rec.Open() {
		return
	}
	s.reconnecting = true
	s.goLocked(func() {
		err := s.rec.Connect(s.ctx)
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
		if err != nil && s.ctx.Err() == nil {
			s.adapterFailed("stt", fmt.Sprintf("STT connection failed: %v", err))
		}
	})
}

// goLocked runs fn on the session scope. Callers hold mu, which orders the
// WaitGroup Add before Stop's Wait.
func (s *Session) goLocked(fn func()) {
	if s.state == StateDisconnected {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Session) emitLocked(evt protocol.Event) {
	evt.TS = s.clock().UnixMilli()
	s.emitter.Emit(evt)
}

func (s *Session) adapterFailed(adapter, message string) {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.emitLocked(protocol.Event{Type: protocol.EventError, Message: message})
	s.mu.Unlock()

	s.metrics.adapterError(adapter)
	s.observer.AdapterError(s.id, adapter, message)
	s.logger.Warn("adapter error", slog.String("adapter", adapter), slog.String("message", message))
}

func encodeAudio(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
