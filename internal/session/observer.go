package session

import "time"

// Observer receives lifecycle notifications that carry no conversation text.
type Observer interface {
	SessionStarted(sessionID, userID string)
	TurnCompleted(sessionID string, generation uint64, latency time.Duration, replyChars int)
	TurnFailed(sessionID string, err error)
	TurnInterrupted(sessionID string, generation uint64)
	AdapterError(sessionID, adapter, message string)
	SessionEnded(sessionID string, duration time.Duration)
}

type nopObserver struct{}

func (nopObserver) SessionStarted(string, string)                    {}
func (nopObserver) TurnCompleted(string, uint64, time.Duration, int) {}
func (nopObserver) TurnFailed(string, error)                         {}
func (nopObserver) TurnInterrupted(string, uint64)                   {}
func (nopObserver) AdapterError(string, string, string)              {}
func (nopObserver) SessionEnded(string, time.Duration)               {}
