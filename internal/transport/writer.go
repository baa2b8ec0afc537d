package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/protocol"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outbox queues events for one client in emission order. Audio may only
// fill the queue up to audioLimit so the remaining headroom always has room
// for turn boundaries, errors and interrupt acknowledgements.
type outbox struct {
	ctx        context.Context
	queue      chan protocol.Event
	audioLimit int
	dropped    atomic.Int64
	logger     *slog.Logger
}

func newOutbox(ctx context.Context, size int, logger *slog.Logger) *outbox {
	if size <= 0 {
		size = 256
	}
	headroom := size / 8
	if headroom < 1 {
		headroom = 1
	}
	audioLimit := size - headroom
	if audioLimit < 1 {
		audioLimit = 1
	}
	return &outbox{
		ctx:        ctx,
		queue:      make(chan protocol.Event, size),
		audioLimit: audioLimit,
		logger:     logger,
	}
}

// Emit never blocks; audio past the limit and events that do not fit are dropped.
func (o *outbox) Emit(evt protocol.Event) {
	if o.ctx.Err() != nil {
		return
	}
	if evt.IsAudio() && len(o.queue) >= o.audioLimit {
		o.drop(evt)
		return
	}
	select {
	case o.queue <- evt:
	default:
		o.drop(evt)
	}
}

func (o *outbox) drop(evt protocol.Event) {
	if n := o.dropped.Add(1); n == 1 || n%100 == 0 {
		o.logger.Warn("outbound queue full, dropping event", slog.String("type", evt.Type), slog.Int64("dropped", n))
	}
}

type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	out          *outbox
	generation   func() uint64
	writeTimeout time.Duration
	pingInterval time.Duration
}

func (w *outboundWriter) Run() error {
	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case evt := <-w.out.queue:
			if err := w.write(evt, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) write(evt protocol.Event, writeTimeout time.Duration) error {
	// Audio can sit in the queue across an interrupt. Skipping it here, before
	// any marshalling or write, lets the interrupted acknowledgement behind it
	// reach the client without waiting on superseded speech.
	if evt.IsAudio() && evt.Generation != nil && w.generation != nil && *evt.Generation < w.generation() {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return w.ws.WriteMessage(websocket.TextMessage, payload)
}
