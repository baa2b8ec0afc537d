package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRecognizer struct {
	mu         sync.Mutex
	open       bool
	closed     bool
	connects   int
	connectErr error
	audio      [][]byte
	finalizes  int
	callbacks  []stt.Callback
}

func newFakeRecognizer() *fakeRecognizer {
	return &fakeRecognizer{}
}

func (r *fakeRecognizer) Connect(ctx context.Context) error {
	r.mu.Lock()
	r.connects++
	err := r.connectErr
	if err == nil {
		r.open = true
	}
	r.mu.Unlock()
	return err
}

func (r *fakeRecognizer) SendAudio(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return stt.ErrNotConnected
	}
	r.audio = append(r.audio, append([]byte(nil), pcm...))
	return nil
}

func (r *fakeRecognizer) ForceFinalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finalizes++
	return nil
}

func (r *fakeRecognizer) OnEvent(cb stt.Callback) {
	r.mu.Lock()
	r.callbacks = append(r.callbacks, cb)
	r.mu.Unlock()
}

func (r *fakeRecognizer) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *fakeRecognizer) Close() error {
	r.mu.Lock()
	r.closed = true
	r.open = false
	r.mu.Unlock()
	return nil
}

func (r *fakeRecognizer) drop() {
	r.mu.Lock()
	r.open = false
	r.mu.Unlock()
	r.emit(stt.Event{Type: stt.EventError, Message: "STT connection lost"})
}

func (r *fakeRecognizer) emit(evt stt.Event) {
	r.mu.Lock()
	callbacks := append([]stt.Callback(nil), r.callbacks...)
	r.mu.Unlock()
	for _, cb := range callbacks {
		cb(evt)
	}
}

func (r *fakeRecognizer) stats() (connects, finalizes, frames int, closed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connects, r.finalizes, len(r.audio), r.closed
}

type sentText struct {
	contextID string
	text      string
}

type fakeSynthesizer struct {
	mu        sync.Mutex
	open      bool
	closed    bool
	ready     chan struct{}
	seq       int
	sent      []sentText
	cancels   int
	sendErr   error
	callbacks []tts.Callback
}

func newFakeSynthesizer() *fakeSynthesizer {
	return &fakeSynthesizer{ready: make(chan struct{})}
}

func (f *fakeSynthesizer) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return tts.ErrClosed
	}
	if !f.open {
		f.open = true
		close(f.ready)
	}
	return nil
}

func (f *fakeSynthesizer) SendText(text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.seq++
	id := fmt.Sprintf("ctx_%d", f.seq)
	f.sent = append(f.sent, sentText{contextID: id, text: text})
	return id, nil
}

func (f *fakeSynthesizer) CancelCurrent() error {
	f.mu.Lock()
	f.cancels++
	f.mu.Unlock()
	return nil
}

func (f *fakeSynthesizer) OnEvent(cb tts.Callback) {
	f.mu.Lock()
	f.callbacks = append(f.callbacks, cb)
	f.mu.Unlock()
}

func (f *fakeSynthesizer) WaitForReady(timeout time.Duration) bool {
	select {
	case <-f.ready:
		return f.Open()
	case <-time.After(timeout):
		return false
	}
}

func (f *fakeSynthesizer) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open && !f.closed
}

func (f *fakeSynthesizer) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSynthesizer) emit(evt tts.Event) {
	f.mu.Lock()
	callbacks := append([]tts.Callback(nil), f.callbacks...)
	f.mu.Unlock()
	for _, cb := range callbacks {
		cb(evt)
	}
}

func (f *fakeSynthesizer) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

func (f *fakeSynthesizer) cancelCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels
}

// fakeModel streams scripted fragments. With a gate it waits for release
// first; ignoreCancel models an upstream that keeps streaming after the
// request context is cancelled.
type fakeModel struct {
	mu           sync.Mutex
	history      []llm.Message
	fragments    []string
	err          error
	gate         chan struct{}
	ignoreCancel bool
	prompts      []string
	resets       int
}

func (m *fakeModel) AddMessage(role, content string) {
	m.mu.Lock()
	m.history = append(m.history, llm.Message{Role: role, Content: content})
	m.mu.Unlock()
}

func (m *fakeModel) StreamReply(ctx context.Context, userMessage string, onDelta func(string)) (string, error) {
	m.mu.Lock()
	m.history = append(m.history, llm.Message{Role: llm.RoleUser, Content: userMessage})
	m.prompts = append(m.prompts, userMessage)
	fragments, err, gate, ignoreCancel := m.fragments, m.err, m.gate, m.ignoreCancel
	m.mu.Unlock()

	if gate != nil {
		if ignoreCancel {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	var reply strings.Builder
	for _, f := range fragments {
		reply.WriteString(f)
		onDelta(f)
	}
	return reply.String(), err
}

func (m *fakeModel) Reset() {
	m.mu.Lock()
	m.history = nil
	m.resets++
	m.mu.Unlock()
}

func (m *fakeModel) snapshot() (history []llm.Message, prompts []string, resets int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Message(nil), m.history...), append([]string(nil), m.prompts...), m.resets
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (e *recordingEmitter) Emit(evt protocol.Event) {
	e.mu.Lock()
	e.events = append(e.events, evt)
	e.mu.Unlock()
}

func (e *recordingEmitter) all() []protocol.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Event(nil), e.events...)
}

func (e *recordingEmitter) types() []string {
	var out []string
	for _, evt := range e.all() {
		out = append(out, evt.Type)
	}
	return out
}

func (e *recordingEmitter) count(kind string) int {
	n := 0
	for _, evt := range e.all() {
		if evt.Type == kind {
			n++
		}
	}
	return n
}

func (e *recordingEmitter) last(kind string) (protocol.Event, bool) {
	events := e.all()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == kind {
			return events[i], true
		}
	}
	return protocol.Event{}, false
}

type observerCall struct {
	kind       string
	generation uint64
	adapter    string
}

type recordingObserver struct {
	mu    sync.Mutex
	calls []observerCall
}

func (o *recordingObserver) record(c observerCall) {
	o.mu.Lock()
	o.calls = append(o.calls, c)
	o.mu.Unlock()
}

func (o *recordingObserver) SessionStarted(string, string) {
	o.record(observerCall{kind: "started"})
}

func (o *recordingObserver) TurnCompleted(_ string, gen uint64, _ time.Duration, _ int) {
	o.record(observerCall{kind: "completed", generation: gen})
}

func (o *recordingObserver) TurnFailed(string, error) {
	o.record(observerCall{kind: "failed"})
}

func (o *recordingObserver) TurnInterrupted(_ string, gen uint64) {
	o.record(observerCall{kind: "interrupted", generation: gen})
}

func (o *recordingObserver) AdapterError(_ string, adapter, _ string) {
	o.record(observerCall{kind: "adapter_error", adapter: adapter})
}

func (o *recordingObserver) SessionEnded(string, time.Duration) {
	o.record(observerCall{kind: "ended"})
}

func (o *recordingObserver) kinds() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for _, c := range o.calls {
		out = append(out, c.kind)
	}
	return out
}

type harness struct {
	session  *Session
	rec      *fakeRecognizer
	synth    *fakeSynthesizer
	model    *fakeModel
	emitter  *recordingEmitter
	observer *recordingObserver
}

func testConfig() config.SessionConfig {
	return config.SessionConfig{
		FinalizeGraceMS: 20,
		ReadyTimeoutMS:  1000,
	}
}

func newHarness(t *testing.T, cfg config.SessionConfig, model *fakeModel, metrics *Metrics) *harness {
	t.Helper()
	if model == nil {
		model = &fakeModel{fragments: []string{"Hi", " there"}}
	}
	h := &harness{
		rec:      newFakeRecognizer(),
		synth:    newFakeSynthesizer(),
		model:    model,
		emitter:  &recordingEmitter{},
		observer: &recordingObserver{},
	}
	h.session = New("session-1", cfg, Adapters{
		Recognizer:    h.rec,
		Synthesizer:   h.synth,
		LanguageModel: h.model,
	}, h.emitter, Options{
		UserID:   "user-1",
		Observer: h.observer,
		Metrics:  metrics,
		Logger:   newLogger(),
	})
	t.Cleanup(h.session.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	eventually(t, "recognizer connected", h.rec.Open)
	eventually(t, "synthesizer connected", h.synth.Open)
	eventually(t, "recognizer connect settled", func() bool {
		h.session.mu.Lock()
		defer h.session.mu.Unlock()
		return !h.session.reconnecting
	})
}

// speak drives a complete utterance and waits for its reply to reach the synthesizer.
func (h *harness) speak(t *testing.T, text string, wantSent int) sentText {
	t.Helper()
	h.rec.emit(stt.Event{Type: stt.EventFinal, Transcript: text})
	eventually(t, "reply sent to synthesizer", func() bool { return len(h.synth.sentTexts()) >= wantSent })
	return h.synth.sentTexts()[wantSent-1]
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errUpstream = errors.New("upstream reset")
