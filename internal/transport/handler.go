// Package transport serves the client-facing voice WebSocket: it admits a
// connection, binds it to a session and pumps frames in both directions.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
)

// Entitlements decides whether a user may open a conversation.
type Entitlements interface {
	HasFeature(ctx context.Context, userID, feature string) (bool, error)
}

// Handler upgrades GET requests on the voice path into sessions.
type Handler struct {
	Config       config.SessionConfig
	Feature      string
	Entitlements Entitlements
	NewAdapters  session.AdapterFactory
	Observer     session.Observer
	Metrics      *session.Metrics
	Tracer       trace.Tracer
	Sessions     *Tracker
	Logger       *slog.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger()
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.originAllowed(r) {
		http.Error(w, "origin is not allowed", http.StatusForbidden)
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if h.Entitlements != nil {
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusUnauthorized)
			return
		}
		ok, err := h.Entitlements.HasFeature(r.Context(), userID, h.Feature)
		if err != nil {
			logger.Error("membership lookup failed", slog.String("user_id", userID), slogError(err))
			http.Error(w, "membership lookup failed", http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "membership does not include voice conversation", http.StatusForbidden)
			return
		}
	}

	sessionID := uuid.NewString()
	adapters, err := h.NewAdapters(sessionID)
	if err != nil {
		logger.Error("create adapters failed", slog.String("session_id", sessionID), slogError(err))
		http.Error(w, "voice backends unavailable", http.StatusServiceUnavailable)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("upgrade failed", slogError(err))
		return
	}
	defer conn.Close()

	h.serve(conn, sessionID, userID, adapters)
}

func (h *Handler) serve(conn *websocket.Conn, sessionID, userID string, adapters session.Adapters) {
	logger := h.logger().With(slog.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := newOutbox(ctx, h.Config.OutboundQueue, logger)
	// Unregister runs after Stop so shutdown waits for adapter teardown.
	unregister := h.Sessions.Register(sessionID, Handle{Cancel: cancel, Notify: out.Emit})
	defer unregister()

	sess := session.New(sessionID, h.Config, adapters, out, session.Options{
		UserID:   userID,
		Observer: h.Observer,
		Metrics:  h.Metrics,
		Tracer:   h.Tracer,
		Logger:   h.Logger,
	})
	defer sess.Stop()

	if err := sess.Start(ctx); err != nil {
		logger.Error("session start failed", slogError(err))
		return
	}

	writer := &outboundWriter{
		ws:           conn,
		ctx:          ctx,
		out:          out,
		generation:   sess.Generation,
		writeTimeout: millis(h.Config.WriteTimeoutMS),
		pingInterval: millis(h.Config.PingIntervalMS),
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		defer cancel()
		return h.readLoop(conn, sess)
	})
	g.Go(func() error {
		defer cancel()
		err := writer.Run()
		// Unblocks the reader once the writer is gone.
		_ = conn.Close()
		return err
	})
	if err := g.Wait(); err != nil && !isClosure(err) {
		logger.Debug("connection ended", slogError(err))
	}
}

func (h *Handler) readLoop(conn *websocket.Conn, sess *session.Session) error {
	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}
	readTimeout := 3 * millis(h.Config.PingIntervalMS)
	if readTimeout <= 0 {
		readTimeout = time.Minute
	}
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		switch messageType {
		case websocket.BinaryMessage:
			sess.HandleAudio(data)
		case websocket.TextMessage:
			sess.HandleText(data)
		}
	}
}

func (h *Handler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.Config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.Config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) logger() *slog.Logger {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(slog.String("component", "transport"))
}

// ShutdownNotice is sent to every live client before the server drains.
func ShutdownNotice() protocol.Event {
	return protocol.Event{Type: protocol.EventError, TS: time.Now().UnixMilli(), Message: "server shutting down"}
}

func isClosure(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
