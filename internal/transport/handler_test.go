package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// echoRecognizer turns every audio frame into a final transcript.
type echoRecognizer struct {
	mu   sync.Mutex
	open bool
	cbs  []stt.Callback
}

func (r *echoRecognizer) Connect(context.Context) error {
	r.mu.Lock()
	r.open = true
	r.mu.Unlock()
	return nil
}

func (r *echoRecognizer) SendAudio(pcm []byte) error {
	r.mu.Lock()
	cbs := append([]stt.Callback(nil), r.cbs...)
	r.mu.Unlock()
	go func() {
		for _, cb := range cbs {
			cb(stt.Event{Type: stt.EventFinal, Transcript: string(pcm)})
		}
	}()
	return nil
}

func (r *echoRecognizer) ForceFinalize() error { return nil }

func (r *echoRecognizer) OnEvent(cb stt.Callback) {
	r.mu.Lock()
	r.cbs = append(r.cbs, cb)
	r.mu.Unlock()
}

func (r *echoRecognizer) Open() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.open
}

func (r *echoRecognizer) Close() error {
	r.mu.Lock()
	r.open = false
	r.mu.Unlock()
	return nil
}

// toneSynthesizer answers every request with one chunk and a done.
type toneSynthesizer struct {
	mu    sync.Mutex
	ready chan struct{}
	open  bool
	seq   int
	cbs   []tts.Callback
}

func newToneSynthesizer() *toneSynthesizer {
	return &toneSynthesizer{ready: make(chan struct{})}
}

func (s *toneSynthesizer) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		s.open = true
		close(s.ready)
	}
	return nil
}

func (s *toneSynthesizer) SendText(string) (string, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("ctx_%d", s.seq)
	cbs := append([]tts.Callback(nil), s.cbs...)
	s.mu.Unlock()
	go func() {
		for _, cb := range cbs {
			cb(tts.Event{Type: tts.EventChunk, ContextID: id, Audio: []byte{1, 2, 3, 4}})
			cb(tts.Event{Type: tts.EventDone, ContextID: id})
		}
	}()
	return id, nil
}

func (s *toneSynthesizer) CancelCurrent() error { return nil }

func (s *toneSynthesizer) OnEvent(cb tts.Callback) {
	s.mu.Lock()
	s.cbs = append(s.cbs, cb)
	s.mu.Unlock()
}

func (s *toneSynthesizer) WaitForReady(timeout time.Duration) bool {
	select {
	case <-s.ready:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *toneSynthesizer) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *toneSynthesizer) Close() error { return nil }

type parrotModel struct{}

func (parrotModel) AddMessage(string, string) {}

func (parrotModel) StreamReply(_ context.Context, msg string, onDelta func(string)) (string, error) {
	reply := "you said " + msg
	onDelta(reply)
	return reply, nil
}

func (parrotModel) Reset() {}

type stubEntitlements struct {
	allowed map[string]bool
	err     error
}

func (s stubEntitlements) HasFeature(_ context.Context, userID, _ string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.allowed[userID], nil
}

func newTestHandler(ent Entitlements) *Handler {
	return &Handler{
		Config: config.SessionConfig{
			Greeting:        "Hello!",
			FinalizeGraceMS: 20,
			ReadyTimeoutMS:  1000,
			OutboundQueue:   64,
			WriteTimeoutMS:  1000,
			PingIntervalMS:  1000,
			MaxMessageBytes: 1 << 20,
			AllowedOrigins:  []string{"https://app.example.com"},
		},
		Feature:      "대화",
		Entitlements: ent,
		NewAdapters: func(string) (session.Adapters, error) {
			return session.Adapters{
				Recognizer:    &echoRecognizer{open: true},
				Synthesizer:   newToneSynthesizer(),
				LanguageModel: parrotModel{},
			}, nil
		},
		Sessions: NewTracker(),
		Logger:   discardLogger(),
	}
}

func TestHandlerAdmission(t *testing.T) {
	ent := stubEntitlements{allowed: map[string]bool{"member": true}}
	cases := []struct {
		name   string
		method string
		query  string
		origin string
		ent    Entitlements
		want   int
	}{
		{name: "post", method: http.MethodPost, query: "?user_id=member", ent: ent, want: http.StatusMethodNotAllowed},
		{name: "foreign origin", method: http.MethodGet, query: "?user_id=member", origin: "https://evil.example.com", ent: ent, want: http.StatusForbidden},
		{name: "missing user", method: http.MethodGet, ent: ent, want: http.StatusUnauthorized},
		{name: "not entitled", method: http.MethodGet, query: "?user_id=guest", ent: ent, want: http.StatusForbidden},
		{name: "lookup error", method: http.MethodGet, query: "?user_id=member", ent: stubEntitlements{err: errors.New("db down")}, want: http.StatusInternalServerError},
		{name: "entitled without upgrade", method: http.MethodGet, query: "?user_id=member", origin: "https://app.example.com", ent: ent, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, "/ws"+tc.query, nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			rec := httptest.NewRecorder()
			newTestHandler(tc.ent).ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
}

func TestHandlerAdapterFactoryFailure(t *testing.T) {
	h := newTestHandler(nil)
	h.NewAdapters = func(string) (session.Adapters, error) {
		return session.Adapters{}, errors.New("no api key")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(protocol.Event) bool) []protocol.Event {
	t.Helper()
	var seen []protocol.Event
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (seen %d events)", err, len(seen))
		}
		var evt protocol.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
		seen = append(seen, evt)
		if match(evt) {
			return seen
		}
	}
}

func types(events []protocol.Event) []string {
	out := make([]string, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}

func TestHandlerConversationRoundTrip(t *testing.T) {
	h := newTestHandler(stubEntitlements{allowed: map[string]bool{"member": true}})
	srv := httptest.NewServer(h)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=member"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	greeting := readUntil(t, conn, func(evt protocol.Event) bool { return evt.Type == protocol.EventTTSEnd })
	if greeting[0].Type != protocol.EventLLMChunk || greeting[0].Text != "Hello!" {
		t.Fatalf("first event = %+v, want greeting text", greeting[0])
	}
	last := greeting[len(greeting)-1]
	if last.Generation == nil || *last.Generation != 0 {
		t.Fatalf("greeting audio generation = %v, want 0", last.Generation)
	}
	if h.Sessions.Count() != 1 {
		t.Fatalf("tracked sessions = %d, want 1", h.Sessions.Count())
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("good morning")); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	turn := readUntil(t, conn, func(evt protocol.Event) bool { return evt.Type == protocol.EventTTSEnd })
	want := []string{protocol.EventSTTOutput, protocol.EventLLMChunk, protocol.EventLLMEnd, protocol.EventTTSChunk, protocol.EventTTSEnd}
	if got := types(turn); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("turn events = %v, want %v", got, want)
	}
	if turn[1].Text != "you said good morning" {
		t.Fatalf("reply = %q", turn[1].Text)
	}
	if turn[3].Generation == nil || *turn[3].Generation != 1 || turn[3].TS == 0 {
		t.Fatalf("tts chunk = %+v, want generation 1 with timestamp", turn[3])
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interrupt"}`)); err != nil {
		t.Fatalf("write interrupt: %v", err)
	}
	ack := readUntil(t, conn, func(evt protocol.Event) bool { return evt.Type == protocol.EventInterrupted })
	if g := ack[len(ack)-1].Generation; g == nil || *g != 2 {
		t.Fatalf("interrupt generation = %v, want 2", g)
	}

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !h.Sessions.Wait(ctx) {
		t.Fatalf("session was not released after client close")
	}
}

func TestHandlerShutdownNotifiesClients(t *testing.T) {
	h := newTestHandler(nil)
	h.Config.Greeting = ""
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return h.Sessions.Count() == 1 })

	h.Sessions.NotifyAll(ShutdownNotice())
	events := readUntil(t, conn, func(evt protocol.Event) bool { return evt.Type == protocol.EventError })
	if msg := events[len(events)-1].Message; msg != "server shutting down" {
		t.Fatalf("notice = %q", msg)
	}

	h.Sessions.CancelAll()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if !h.Sessions.Wait(ctx) {
		t.Fatalf("sessions not drained after cancel")
	}
}
