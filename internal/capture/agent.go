package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/observe"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/resilience"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/store"
)

// SourceFactory opens the audio source for one activation. It is called
// each time the meeting goes live so that a fresh connection is made per
// activation.
type SourceFactory func(ctx context.Context) (Source, error)

// Agent drives capture for a single meeting. Create with [NewAgent] and
// start with [Agent.Run].
type Agent struct {
	store      store.Store
	publisher  *Publisher
	meetingID  string
	cadence    time.Duration
	openSource SourceFactory
	metrics    *observe.Metrics

	// breaker guards the upload path so a dead ingest endpoint is probed
	// instead of hit on every tick.
	breaker *resilience.Breaker

	// active capture loop state, owned by Run. failed is atomic so the
	// readiness probe can observe it from outside Run's goroutine.
	cancelLoop context.CancelFunc
	loopDone   sync.WaitGroup
	failed     atomic.Bool
}

// AgentOption configures an [Agent].
type AgentOption func(*Agent)

// WithAgentMetrics wires capture tick metrics into the agent.
func WithAgentMetrics(m *observe.Metrics) AgentOption {
	return func(a *Agent) { a.metrics = m }
}

// NewAgent creates an agent for meetingID. cadence is the capture tick
// interval; zero or negative means 100 ms.
func NewAgent(st store.Store, pub *Publisher, meetingID string, cadence time.Duration, open SourceFactory, opts ...AgentOption) *Agent {
	if cadence <= 0 {
		cadence = 100 * time.Millisecond
	}
	a := &Agent{
		store:      st,
		publisher:  pub,
		meetingID:  meetingID,
		cadence:    cadence,
		openSource: open,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:         "ingest-upload",
			MaxFailures:  10,
			ResetTimeout: 5 * time.Second,
		}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Healthy reports whether the last activation attempt succeeded. It serves
// as a readiness probe; a failed source open keeps the agent unhealthy until
// the meeting leaves the live state.
func (a *Agent) Healthy(context.Context) error {
	if a.failed.Load() {
		return errors.New("capture: source open failed, idle until meeting restarts")
	}
	return nil
}

// Run watches the meeting record and starts or stops capture as the
// meeting enters and leaves the live state. It blocks until ctx is done,
// then tears any active capture down before returning.
func (a *Agent) Run(ctx context.Context) error {
	m, err := a.store.GetMeeting(ctx, a.meetingID)
	if err != nil {
		return err
	}
	watch, err := a.store.Watch(ctx, a.meetingID)
	if err != nil {
		return err
	}

	a.evaluate(ctx, m)

	for {
		select {
		case <-ctx.Done():
			a.deactivate(context.WithoutCancel(ctx))
			return nil
		case m, ok := <-watch:
			if !ok {
				a.deactivate(context.WithoutCancel(ctx))
				return errors.New("capture: meeting watch ended")
			}
			a.evaluate(ctx, m)
		}
	}
}

// evaluate reconciles capture state with the latest meeting snapshot.
func (a *Agent) evaluate(ctx context.Context, m store.Meeting) {
	live := m.Status == store.StatusLive
	switch {
	case live && a.cancelLoop == nil && !a.failed.Load():
		a.activate(ctx)
	case !live:
		a.failed.Store(false)
		a.deactivate(ctx)
	}
}

// activate opens the source and starts the capture loop. An open failure
// aborts the activation; the agent stays idle until the meeting leaves and
// re-enters the live state.
func (a *Agent) activate(ctx context.Context) {
	src, err := a.openSource(ctx)
	if err != nil {
		a.failed.Store(true)
		slog.Error("capture source open failed, activation aborted",
			"meeting_id", a.meetingID,
			"error", err,
		)
		if a.metrics != nil {
			a.metrics.CaptureTick(ctx, "open_failed")
		}
		return
	}

	if _, err := a.store.UpdateMeeting(ctx, a.meetingID, store.Update{BotJoined: ptr(true)}); err != nil {
		slog.Warn("mark bot joined failed", "meeting_id", a.meetingID, "error", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancelLoop = cancel
	a.loopDone.Add(1)
	go func() {
		defer a.loopDone.Done()
		defer src.Close()
		a.loop(loopCtx, src)
	}()

	slog.Info("capture started", "meeting_id", a.meetingID, "cadence", a.cadence)
}

// deactivate stops a running capture loop and clears the bot-joined flag.
// Calling it while inactive is a no-op.
func (a *Agent) deactivate(ctx context.Context) {
	if a.cancelLoop == nil {
		return
	}
	a.cancelLoop()
	a.cancelLoop = nil
	a.loopDone.Wait()

	if _, err := a.store.UpdateMeeting(ctx, a.meetingID, store.Update{BotJoined: ptr(false)}); err != nil {
		slog.Warn("clear bot joined failed", "meeting_id", a.meetingID, "error", err)
	}
	slog.Info("capture stopped", "meeting_id", a.meetingID)
}

// loop reads one chunk per tick and posts it to the ingest endpoint.
// Publish failures are logged and skipped; the meeting keeps going whether
// or not a single chunk lands.
func (a *Agent) loop(ctx context.Context, src Source) {
	ticker := time.NewTicker(a.cadence)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		chunk, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("capture read failed", "meeting_id", a.meetingID, "error", err)
			if a.metrics != nil {
				a.metrics.CaptureTick(ctx, "read_failed")
			}
			continue
		}

		err = a.breaker.Execute(func() error {
			return a.publisher.Publish(ctx, a.meetingID, chunk)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, resilience.ErrOpen) {
				slog.Warn("chunk upload failed", "meeting_id", a.meetingID, "error", err)
			}
			if a.metrics != nil {
				a.metrics.CaptureTick(ctx, "publish_failed")
			}
			continue
		}
		if a.metrics != nil {
			a.metrics.CaptureTick(ctx, "ok")
		}
	}
}

func ptr[T any](v T) *T { return &v }
