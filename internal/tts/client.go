// Package tts drives Cartesia's streaming text-to-speech WebSocket.
package tts

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

const writeTimeout = 5 * time.Second

// Client is one synthesizer connection owned by a single voice session.
type Client struct {
	cfg    config.TTSConfig
	logger *slog.Logger

	cbMu      sync.Mutex
	callbacks []Callback

	connectMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	ready     chan struct{}
	closedCh  chan struct{}
	closed    bool
	currentID string

	writeMu sync.Mutex
}

func NewClient(cfg config.TTSConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "tts")),
		ready:    make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

func (c *Client) OnEvent(cb Callback) {
	c.cbMu.Lock()
	c.callbacks = append(c.callbacks, cb)
	c.cbMu.Unlock()
}

func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Connect dials the synthesizer unless a connection is already live.
func (c *Client) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}
	conn, err := upstream.Dial(ctx, endpoint, upstream.DialOptions{
		Timeout:  time.Duration(c.cfg.DialTimeoutMS) * time.Millisecond,
		Attempts: c.cfg.DialAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect synthesizer: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	close(c.ready)
	c.mu.Unlock()

	c.logger.Info("synthesizer connected")
	go c.readLoop(conn)
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse tts url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.cfg.APIKey)
	q.Set("cartesia_version", c.cfg.Version)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// WaitForReady blocks until a connection is live, the timeout passes or the
// client is closed.
func (c *Client) WaitForReady(timeout time.Duration) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	ready := c.ready
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ready:
		return c.Open()
	case <-c.closedCh:
		return false
	case <-timer.C:
		return false
	}
}

// SendText starts a new synthesis context and returns its id. The new
// context becomes the one CancelCurrent targets.
func (c *Client) SendText(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyText
	}
	contextID := "ctx_" + uuid.NewString()
	payload, err := json.Marshal(generationRequest{
		ModelID:    c.cfg.Model,
		Transcript: text,
		Voice:      voiceSpec{Mode: "id", ID: c.cfg.VoiceID},
		ContextID:  contextID,
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   c.cfg.Encoding,
			SampleRate: c.cfg.SampleRate,
		},
		Language: c.cfg.Language,
	})
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.currentID = contextID
	c.mu.Unlock()

	if err := c.write(payload); err != nil {
		c.mu.Lock()
		if c.currentID == contextID {
			c.currentID = ""
		}
		c.mu.Unlock()
		return "", err
	}
	c.logger.Debug("synthesis requested", slog.String("context_id", contextID), slog.Int("chars", len(text)))
	return contextID, nil
}

// CancelCurrent cancels the most recent context, if any.
func (c *Client) CancelCurrent() error {
	c.mu.Lock()
	contextID := c.currentID
	c.currentID = ""
	c.mu.Unlock()
	if contextID == "" {
		return nil
	}

	payload, err := json.Marshal(cancelRequest{ContextID: contextID, Cancel: true})
	if err != nil {
		return err
	}
	if err := c.write(payload); err != nil {
		return err
	}
	c.logger.Info("synthesis cancelled", slog.String("context_id", contextID))
	return nil
}

func (c *Client) write(payload []byte) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("synthesizer write failed", slogError(err))
		_ = conn.Close()
		return fmt.Errorf("write synthesizer: %w", err)
	}
	return nil
}

// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedCh)
	conn := c.conn
	c.conn = nil
	c.currentID = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("failed to decode synthesizer message", slogError(err))
			continue
		}

		switch msg.Type {
		case "chunk":
			if msg.Data == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				c.logger.Warn("dropping undecodable audio chunk", slog.String("context_id", msg.ContextID), slogError(err))
				continue
			}
			c.dispatch(Event{Type: EventChunk, ContextID: msg.ContextID, Audio: audio})
		case "done":
			c.mu.Lock()
			if c.currentID == msg.ContextID {
				c.currentID = ""
			}
			c.mu.Unlock()
			c.dispatch(Event{Type: EventDone, ContextID: msg.ContextID})
		case "error":
			message := msg.Error
			if message == "" {
				message = fmt.Sprintf("synthesizer error (status %d)", msg.StatusCode)
			}
			c.dispatch(Event{Type: EventError, ContextID: msg.ContextID, Message: message})
		default:
			c.logger.Debug("unknown synthesizer message", slog.String("type", msg.Type))
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
		c.currentID = ""
		c.ready = make(chan struct{})
	}
	c.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	c.logger.Warn("synthesizer connection lost", slogError(err))
	c.dispatch(Event{Type: EventError, Message: "TTS connection lost"})
}

func (c *Client) dispatch(evt Event) {
	c.cbMu.Lock()
	callbacks := append([]Callback(nil), c.callbacks...)
	c.cbMu.Unlock()
	for _, cb := range callbacks {
		c.invoke(cb, evt)
	}
}

func (c *Client) invoke(cb Callback, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("synthesizer callback panicked", slog.Any("panic", r))
		}
	}()
	cb(evt)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
