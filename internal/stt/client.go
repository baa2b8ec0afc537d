// Package stt streams microphone audio to AssemblyAI's v3 realtime API.
package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

const writeTimeout = 5 * time.Second

type inboundMessage struct {
	Type            string `json:"type"`
	ID              string `json:"id"`
	Transcript      string `json:"transcript"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
	EndOfTurn       bool   `json:"end_of_turn"`
	Reason          string `json:"reason"`
	Error           string `json:"error"`
}

type controlMessage struct {
	Type string `json:"type"`
}

// Client is one recognizer connection owned by a single voice session.
type Client struct {
	cfg    config.STTConfig
	logger *slog.Logger

	cbMu      sync.Mutex
	callbacks []Callback

	connectMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	terminated chan struct{}
	closed     bool

	writeMu sync.Mutex
}

func NewClient(cfg config.STTConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "stt")),
	}
}

// OnEvent registers a callback. Callbacks run in registration order.
func (c *Client) OnEvent(cb Callback) {
	c.cbMu.Lock()
	c.callbacks = append(c.callbacks, cb)
	c.cbMu.Unlock()
}

// Open reports whether a live upstream connection exists.
func (c *Client) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

// Connect dials the recognizer if no connection is live. It may be called
// again after a disconnect, but not after Close.
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
	header := http.Header{}
	header.Set("Authorization", c.cfg.APIKey)

	conn, err := upstream.Dial(ctx, endpoint, upstream.DialOptions{
		Header:   header,
		Timeout:  time.Duration(c.cfg.DialTimeoutMS) * time.Millisecond,
		Attempts: c.cfg.DialAttempts,
	})
	if err != nil {
		return fmt.Errorf("connect recognizer: %w", err)
	}

	terminated := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.terminated = terminated
	c.mu.Unlock()

	c.logger.Info("recognizer connected")
	go c.readLoop(conn, terminated)
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse stt url: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(c.cfg.SampleRate))
	q.Set("format_turns", strconv.FormatBool(c.cfg.FormatTurns))
	if c.cfg.InactivityTimeout > 0 {
		q.Set("inactivity_timeout", strconv.Itoa(c.cfg.InactivityTimeout))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendAudio forwards one PCM frame. Frames sent while disconnected are dropped.
func (c *Client) SendAudio(pcm []byte) error {
	return c.write(websocket.BinaryMessage, pcm)
}

// ForceFinalize asks the recognizer to end the current turn immediately.
func (c *Client) ForceFinalize() error {
	payload, err := json.Marshal(controlMessage{Type: "ForceEndpoint"})
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, payload)
}

func (c *Client) write(messageType int, data []byte) error {
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
	err := conn.WriteMessage(messageType, data)
	c.writeMu.Unlock()
	if err != nil {
		c.logger.Warn("recognizer write failed", slogError(err))
		// The read loop observes the closed socket and reports the loss.
		_ = conn.Close()
		return fmt.Errorf("write recognizer: %w", err)
	}
	return nil
}

// Close sends Terminate, waits briefly for the Termination ack and closes
// the socket. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, terminated := c.conn, c.terminated
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	payload, _ := json.Marshal(controlMessage{Type: "Terminate"})
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err == nil {
		wait := time.Duration(c.cfg.CloseTimeoutMS) * time.Millisecond
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-terminated:
		case <-timer.C:
		}
		timer.Stop()
	}
	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, terminated chan struct{}) {
	var once sync.Once
	markTerminated := func() { once.Do(func() { close(terminated) }) }
	defer markTerminated()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		trimmed := strings.TrimSpace(string(data))
		if !strings.HasPrefix(trimmed, "{") {
			c.logger.Debug("ignoring non-json recognizer frame")
			continue
		}
		var msg inboundMessage
		if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
			c.logger.Warn("failed to decode recognizer message", slogError(err))
			continue
		}

		switch msg.Type {
		case "Begin":
			c.logger.Info("recognizer session started", slog.String("stt_session_id", msg.ID))
			c.dispatch(Event{Type: EventSessionStarted, SessionID: msg.ID})
		case "Turn":
			if strings.TrimSpace(msg.Transcript) == "" {
				continue
			}
			kind := EventInterim
			if msg.TurnIsFormatted {
				kind = EventFinal
			}
			c.dispatch(Event{Type: kind, Transcript: msg.Transcript})
		case "Termination":
			c.logger.Info("recognizer session terminated", slog.String("reason", msg.Reason))
			markTerminated()
			c.dispatch(Event{Type: EventSessionEnded, Message: msg.Reason})
		case "Error":
			c.dispatch(Event{Type: EventError, Message: msg.Error})
		default:
			c.logger.Debug("unknown recognizer message", slog.String("type", msg.Type))
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	closed := c.closed
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	_ = conn.Close()

	if closed {
		return
	}
	c.logger.Warn("recognizer connection lost", slogError(err))
	c.dispatch(Event{Type: EventError, Message: "STT connection lost"})
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
			c.logger.Error("recognizer callback panicked", slog.Any("panic", r))
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
