package stt

import "errors"

// EventType classifies recognizer notifications.
type EventType string

const (
	EventInterim        EventType = "interim"
	EventFinal          EventType = "final"
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventError          EventType = "error"
)

// Event is delivered to callbacks in arrival order from the read loop.
type Event struct {
	Type       EventType
	Transcript string
	SessionID  string
	Message    string
}

// Callback receives recognizer events. It must not block for long.
type Callback func(Event)

var (
	ErrClosed       = errors.New("stt: client closed")
	ErrNotConnected = errors.New("stt: not connected")
)
