// Package runtime assembles the voice server: telemetry, the optional event
// bus, the session timeline, the membership gate and the HTTP surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/journal"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/membership"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/transport"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

const (
	shutdownTimeout      = 10 * time.Second
	membershipSweepEvery = time.Hour
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	addr        atomic.Value
	wg          sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	events   *eventstore.Store
	members  *membership.Store
	sessions *transport.Tracker
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:      cfg,
		logger:   logger,
		sessions: transport.NewTracker(),
	}
}

// Addr is the bound listen address once Start is serving.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Start runs the server until ctx is cancelled, then drains live sessions.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown
	defer func() {
		cancel()
		r.wg.Wait()
		r.closeResources()
	}()

	if err := r.openBus(ctx); err != nil {
		return err
	}
	if r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger); err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	handler, err := r.voiceHandler(ctx, tel)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("GET /sessions/{id}/timeline", r.handleTimeline)
	if tel.metricsHandler != nil {
		mux.Handle(r.cfg.Telemetry.MetricsPath, tel.metricsHandler)
	}
	mux.Handle(r.cfg.HTTP.WSPath, handler)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(listener.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", listener.Addr().String()), slog.String("ws_path", r.cfg.HTTP.WSPath))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping", slog.Int("live_sessions", r.sessions.Count()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	r.sessions.NotifyAll(transport.ShutdownNotice())
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	// Upgraded connections are hijacked, so Shutdown does not wait for them.
	r.sessions.CancelAll()
	if !r.sessions.Wait(shutdownCtx) {
		r.logger.Warn("sessions still draining at shutdown deadline", slog.Int("live_sessions", r.sessions.Count()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (r *Runtime) openBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := client.EnsureStream(journal.StreamName, journal.Subjects(), maxAge); err != nil {
		r.logger.Warn("conversation stream unavailable, publishing without retention", slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runtime) voiceHandler(ctx context.Context, tel *telemetry) (*transport.Handler, error) {
	generator, err := llm.NewGenerator(r.cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("create llm backend: %w", err)
	}
	if r.cfg.STT.APIKey == "" || r.cfg.TTS.APIKey == "" {
		r.logger.Warn("speech provider api key missing; upstream connections will be rejected")
	}

	var publisher journal.Publisher
	if r.bus != nil {
		publisher = r.bus
	}
	var timeline journal.Timeline
	if r.events != nil {
		timeline = r.events
	}

	handler := &transport.Handler{
		Config:      r.cfg.Session,
		Feature:     r.cfg.Membership.Feature,
		NewAdapters: newAdapterFactory(r.cfg, generator, r.logger),
		Observer:    journal.New(publisher, timeline, r.logger),
		Metrics:     tel.sessionMetrics,
		Tracer:      tel.tracer,
		Sessions:    r.sessions,
		Logger:      r.logger,
	}

	if r.cfg.Membership.Enabled {
		members, err := membership.Open(ctx, r.cfg.Membership.Path, r.logger)
		if err != nil {
			return nil, fmt.Errorf("open membership store: %w", err)
		}
		r.members = members
		handler.Entitlements = members
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.sweepMemberships(ctx)
		}()
	}
	return handler, nil
}

// newAdapterFactory builds fresh upstream clients for every session. The
// language model backend is stateless and shared.
func newAdapterFactory(cfg config.Config, generator llm.Generator, logger *slog.Logger) session.AdapterFactory {
	return func(sessionID string) (session.Adapters, error) {
		if generator == nil {
			return session.Adapters{}, errors.New("no language model backend configured")
		}
		sessionLogger := logger.With(slog.String("session_id", sessionID))
		return session.Adapters{
			Recognizer:    stt.NewClient(cfg.STT, sessionLogger),
			Synthesizer:   tts.NewClient(cfg.TTS, sessionLogger),
			LanguageModel: llm.NewClient(cfg.LLM, generator, sessionID, sessionLogger),
		}, nil
	}
}

func (r *Runtime) sweepMemberships(ctx context.Context) {
	ticker := time.NewTicker(membershipSweepEvery)
	defer ticker.Stop()
	for {
		if _, err := r.members.ExpireMemberships(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("membership expiry sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runtime) closeResources() {
	if r.members != nil {
		if err := r.members.Close(); err != nil {
			r.logger.Warn("membership store close failed", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if !r.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus disconnected"))
		return
	}
	if err := r.events.Ping(req.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("event store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
