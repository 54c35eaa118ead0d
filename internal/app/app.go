// Package app wires all relay subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject an in-memory store via WithStore. When no option is
// provided, New picks the backend from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/capture"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/config"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/health"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/observe"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/relay"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/server"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/signature"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/store"
)

// App owns all subsystem lifetimes for one relay instance.
type App struct {
	cfg *config.Config

	store    store.Store
	registry *relay.Registry
	metrics  *observe.Metrics
	handler  http.Handler
	httpSrv  *http.Server
	agent    *capture.Agent

	// Per-live-session status watchers, keyed by session ID. One watcher
	// feeds status events to every listener of that session, started when
	// the first listener arrives and stopped when the last one leaves.
	watchMu      sync.Mutex
	watchCancels map[string]context.CancelFunc
	runCtx       context.Context

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a record store instead of creating one from config.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics set instead of using the global provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together: record store,
// session registry with status watchers, HTTP surface, health probes,
// metrics endpoint, and the optional embedded capture agent.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:          cfg,
		watchCancels: make(map[string]context.CancelFunc),
		runCtx:       context.WithoutCancel(ctx),
	}
	for _, o := range opts {
		o(a)
	}

	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Record store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Registry ──────────────────────────────────────────────────────
	a.registry = relay.NewRegistry(
		relay.WithMetrics(a.metrics),
		relay.WithHooks(relay.Hooks{
			SessionCreated: a.startStatusWatch,
			SessionEmptied: a.stopStatusWatch,
		}),
	)

	// ── 3. Capture agent (optional) ──────────────────────────────────────
	if cfg.Capture.Enabled {
		a.initCapture()
	}

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore picks the Postgres backend when a DSN is configured, otherwise
// falls back to the in-memory store.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil // injected
	}

	if dsn := a.cfg.Store.PostgresDSN; dsn != "" {
		pg, err := store.NewPGStore(ctx, dsn, a.cfg.Store.WatchInterval())
		if err != nil {
			return err
		}
		a.store = pg
		slog.Info("record store ready", "backend", "postgres")
	} else {
		a.store = store.NewMemStore()
		slog.Info("record store ready", "backend", "memory")
	}
	a.closers = append(a.closers, func() error {
		a.store.Close()
		return nil
	})
	return nil
}

// initHTTP assembles the route table and wraps it in the observability
// middleware.
func (a *App) initHTTP() {
	srvOpts := []server.Option{
		server.WithHeartbeatInterval(a.cfg.Relay.HeartbeatInterval()),
		server.WithWriteTimeout(a.cfg.Relay.WriteTimeout()),
		server.WithPublicBaseURL(a.cfg.Relay.PublicBaseURL),
	}
	if a.cfg.Signature.SDKKey != "" {
		signer := signature.New(a.cfg.Signature.SDKKey, a.cfg.Signature.SDKSecret, a.cfg.Signature.TTL())
		srvOpts = append(srvOpts, server.WithSigner(signer))
	}
	api := server.New(a.registry, a.store, srvOpts...)

	mux := http.NewServeMux()
	api.Register(mux)
	probes := []health.Probe{
		{Name: "store", Check: a.store.Ping},
	}
	if a.agent != nil {
		probes = append(probes, health.Probe{Name: "capture", Check: a.agent.Healthy})
	}
	health.New(probes...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	a.handler = observe.Middleware(a.metrics)(mux)
	a.httpSrv = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initCapture builds the embedded capture agent from config.
func (a *App) initCapture() {
	ingestURL := a.cfg.Capture.IngestURL
	if ingestURL == "" {
		addr := a.cfg.Server.ListenAddr
		if strings.HasPrefix(addr, ":") {
			addr = "127.0.0.1" + addr
		}
		ingestURL = "http://" + addr + "/api/stream/audio"
	}

	src := a.cfg.Capture.Source
	var open capture.SourceFactory
	switch src.Kind {
	case config.SourceWebSocket:
		open = func(ctx context.Context) (capture.Source, error) {
			return capture.DialWS(ctx, src.GatewayURL)
		}
	default:
		open = func(context.Context) (capture.Source, error) {
			return capture.NewToneSource(440, src.SampleRate, src.Channels, a.cfg.Capture.Cadence()), nil
		}
	}

	a.agent = capture.NewAgent(
		a.store,
		capture.NewPublisher(ingestURL, nil),
		a.cfg.Capture.MeetingID,
		a.cfg.Capture.Cadence(),
		open,
		capture.WithAgentMetrics(a.metrics),
	)
}

// ─── Status watchers ─────────────────────────────────────────────────────────

// startStatusWatch begins forwarding record changes for sessionID to its
// listeners. Sessions with no record stream audio fine; they just never
// see status events.
func (a *App) startStatusWatch(sessionID string) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if _, ok := a.watchCancels[sessionID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(a.runCtx)
	a.watchCancels[sessionID] = cancel

	go func() {
		ch, err := a.store.Watch(ctx, sessionID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				slog.Warn("status watch failed", "session_id", sessionID, "error", err)
			}
			return
		}
		for m := range ch {
			a.registry.PublishStatus(ctx, sessionID, relay.Status{
				Status:    m.Status,
				BotJoined: m.BotJoined,
			})
		}
	}()
}

// stopStatusWatch ends the watcher for a session whose last listener left.
func (a *App) stopStatusWatch(sessionID string) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()
	if cancel, ok := a.watchCancels[sessionID]; ok {
		cancel()
		delete(a.watchCancels, sessionID)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP (and the embedded capture agent when enabled) until ctx
// is cancelled, then drains the HTTP server.
func (a *App) Run(ctx context.Context) error {
	a.watchMu.Lock()
	a.runCtx = ctx
	a.watchMu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("listening", "addr", a.httpSrv.Addr, "tls", true)
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", a.httpSrv.Addr, "tls", false)
			err = a.httpSrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return a.httpSrv.Shutdown(drainCtx)
	})

	if a.agent != nil {
		g.Go(func() error {
			return a.agent.Run(ctx)
		})
	}

	return g.Wait()
}

// Handler exposes the assembled HTTP handler for in-process tests.
func (a *App) Handler() http.Handler { return a.handler }

// Registry exposes the session registry for in-process tests.
func (a *App) Registry() *relay.Registry { return a.registry }

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It respects the context deadline: if
// ctx expires before all closers finish, the rest are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		a.watchMu.Lock()
		for id, cancel := range a.watchCancels {
			cancel()
			delete(a.watchCancels, id)
		}
		a.watchMu.Unlock()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
