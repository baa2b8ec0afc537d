// Package journal records conversation lifecycle events. Each event is
// published on the bus and appended to the session timeline; both sinks are
// optional and failures never reach the conversation.
package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

const defaultTimeout = 2 * time.Second

// StreamName is the JetStream stream that retains conversation events.
const StreamName = "CONVERSATIONS"

// Publisher is satisfied by *bus.Client.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, v any) error
}

// Timeline is satisfied by *eventstore.Store.
type Timeline interface {
	StartSession(ctx context.Context, sessionID, userID string) error
	EndSession(ctx context.Context, sessionID string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Journal implements session.Observer.
type Journal struct {
	publisher Publisher
	timeline  Timeline
	log       *slog.Logger
	timeout   time.Duration
	clock     func() time.Time

	mu    sync.Mutex
	users map[string]string
}

// New returns a journal writing to the given sinks; either may be nil.
func New(publisher Publisher, timeline Timeline, log *slog.Logger) *Journal {
	if log == nil {
		log = slog.Default()
	}
	return &Journal{
		publisher: publisher,
		timeline:  timeline,
		log:       log.With(slog.String("component", "journal")),
		timeout:   defaultTimeout,
		clock:     time.Now,
		users:     make(map[string]string),
	}
}

// Subjects lists the bus subjects the journal publishes on.
func Subjects() []string {
	return []string{protocol.SubjectConversationPrefix + ".>"}
}

func (j *Journal) SessionStarted(sessionID, userID string) {
	j.mu.Lock()
	j.users[sessionID] = userID
	j.mu.Unlock()

	ctx, cancel := j.context()
	defer cancel()
	if j.timeline != nil {
		if err := j.timeline.StartSession(ctx, sessionID, userID); err != nil {
			j.log.Warn("timeline session start failed", slog.String("session_id", sessionID), slogError(err))
		}
	}
	j.record(ctx, protocol.ConversationEvent{SessionID: sessionID, Type: protocol.ConversationSessionStarted})
}

func (j *Journal) TurnCompleted(sessionID string, generation uint64, latency time.Duration, replyChars int) {
	ctx, cancel := j.context()
	defer cancel()
	j.record(ctx, protocol.ConversationEvent{
		SessionID:  sessionID,
		Type:       protocol.ConversationTurnCompleted,
		Generation: generation,
		LatencyMS:  latency.Milliseconds(),
		ReplyChars: replyChars,
	})
}

func (j *Journal) TurnFailed(sessionID string, err error) {
	ctx, cancel := j.context()
	defer cancel()
	evt := protocol.ConversationEvent{SessionID: sessionID, Type: protocol.ConversationTurnFailed, Adapter: "llm"}
	if err != nil {
		evt.Message = err.Error()
	}
	j.record(ctx, evt)
}

func (j *Journal) TurnInterrupted(sessionID string, generation uint64) {
	ctx, cancel := j.context()
	defer cancel()
	j.record(ctx, protocol.ConversationEvent{SessionID: sessionID, Type: protocol.ConversationInterrupted, Generation: generation})
}

func (j *Journal) AdapterError(sessionID, adapter, message string) {
	ctx, cancel := j.context()
	defer cancel()
	j.record(ctx, protocol.ConversationEvent{SessionID: sessionID, Type: protocol.ConversationAdapterError, Adapter: adapter, Message: message})
}

func (j *Journal) SessionEnded(sessionID string, duration time.Duration) {
	ctx, cancel := j.context()
	defer cancel()
	j.record(ctx, protocol.ConversationEvent{SessionID: sessionID, Type: protocol.ConversationSessionEnded, DurationMS: duration.Milliseconds()})
	if j.timeline != nil {
		if err := j.timeline.EndSession(ctx, sessionID); err != nil {
			j.log.Warn("timeline session end failed", slog.String("session_id", sessionID), slogError(err))
		}
	}

	j.mu.Lock()
	delete(j.users, sessionID)
	j.mu.Unlock()
}

func (j *Journal) record(ctx context.Context, evt protocol.ConversationEvent) {
	j.mu.Lock()
	evt.UserID = j.users[evt.SessionID]
	j.mu.Unlock()
	evt.Timestamp = j.clock().UTC()

	if j.publisher != nil {
		if err := j.publisher.PublishJSON(ctx, protocol.Subject(evt.Type), evt); err != nil {
			j.log.Debug("publish conversation event failed", slog.String("type", evt.Type), slogError(err))
		}
	}
	if j.timeline == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		j.log.Warn("encode conversation event failed", slog.String("type", evt.Type), slogError(err))
		return
	}
	err = j.timeline.AppendEvent(ctx, eventstore.Event{
		SessionID:  evt.SessionID,
		Type:       evt.Type,
		Generation: evt.Generation,
		Payload:    payload,
		CreatedAt:  evt.Timestamp,
	})
	if err != nil {
		j.log.Warn("timeline append failed", slog.String("type", evt.Type), slog.String("session_id", evt.SessionID), slogError(err))
	}
}

func (j *Journal) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), j.timeout)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
