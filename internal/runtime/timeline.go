package runtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-voice/internal/eventstore"
)

const timelineMaxEvents = 500

type timelineResponse struct {
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	StartedAt int64           `json:"started_at"`
	EndedAt   int64           `json:"ended_at,omitempty"`
	Counts    map[string]int  `json:"counts"`
	Events    []timelineEntry `json:"events"`
}

type timelineEntry struct {
	Type       string          `json:"type"`
	Generation uint64          `json:"tts_generation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  int64           `json:"ts"`
}

// handleTimeline serves the recorded lifecycle of one session for operators.
func (r *Runtime) handleTimeline(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	limit := timelineMaxEvents
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, timelineMaxEvents)
	}

	ctx := req.Context()
	sess, err := r.events.GetSession(ctx, sessionID)
	if errors.Is(err, eventstore.ErrSessionNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.timelineFailed(w, sessionID, err)
		return
	}
	events, err := r.events.ListSessionEvents(ctx, sessionID, limit)
	if err != nil {
		r.timelineFailed(w, sessionID, err)
		return
	}
	counts, err := r.events.CountEvents(ctx, sessionID)
	if err != nil {
		r.timelineFailed(w, sessionID, err)
		return
	}

	resp := timelineResponse{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		StartedAt: sess.StartedAt.UnixMilli(),
		Counts:    counts,
		Events:    make([]timelineEntry, 0, len(events)),
	}
	if sess.Ended() {
		resp.EndedAt = sess.EndedAt.UnixMilli()
	}
	for _, evt := range events {
		entry := timelineEntry{Type: evt.Type, Generation: evt.Generation, CreatedAt: evt.CreatedAt.UnixMilli()}
		if json.Valid(evt.Payload) {
			entry.Payload = evt.Payload
		}
		resp.Events = append(resp.Events, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		r.logger.Debug("timeline response write failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) timelineFailed(w http.ResponseWriter, sessionID string, err error) {
	r.logger.Error("timeline lookup failed", slog.String("session_id", sessionID), slog.String("error", err.Error()))
	http.Error(w, "timeline unavailable", http.StatusInternalServerError)
}
