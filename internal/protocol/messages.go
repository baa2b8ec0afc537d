package protocol

import "time"

// ConversationEvent is broadcast on the bus and recorded in the timeline.
// It never carries transcript or reply text.
type ConversationEvent struct {
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	Type       string    `json:"type"`
	Generation uint64    `json:"tts_generation"`
	Adapter    string    `json:"adapter,omitempty"`
	Message    string    `json:"message,omitempty"`
	LatencyMS  int64     `json:"latency_ms,omitempty"`
	ReplyChars int       `json:"reply_chars,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	ConversationSessionStarted = "session.started"
	ConversationSessionEnded   = "session.ended"
	ConversationTurnCompleted  = "turn.completed"
	ConversationTurnFailed     = "turn.failed"
	ConversationInterrupted    = "turn.interrupted"
	ConversationAdapterError   = "adapter.error"
)

// SubjectConversationPrefix is followed by the event type, e.g. conversation.turn.completed.
const SubjectConversationPrefix = "conversation"

// Subject returns the bus subject for an event type.
func Subject(eventType string) string {
	return SubjectConversationPrefix + "." + eventType
}
