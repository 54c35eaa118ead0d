// Package relay implements the in-memory broadcast registry that fans
// published audio frames out to every listener of a session.
//
// The registry is pure bookkeeping: it owns the session → listener-set map
// and nothing else. Transports register listeners via [Registry.Subscribe]
// and the ingestion path delivers frames via [Registry.Publish]. Membership
// changes only through Subscribe, Unsubscribe, or a failed push — the
// registry is the single writer of the listener set.
//
// The registry is process-local. Scaling beyond one process requires an
// external pub/sub layer with per-topic ordering.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/observe"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// Listener is one subscriber's outbound push transport. Send pushes one
// already-encoded event block and returns a non-nil error on transport
// failure. Implementations should bound their write latency so one slow
// listener cannot stall fan-out to the others.
type Listener interface {
	Send(block []byte) error
}

// Status describes a session-state change fanned out via
// [Registry.PublishStatus].
type Status struct {
	// Status is the session liveness value ("scheduled", "live", "ended").
	Status string

	// BotJoined reports whether a capture agent is attached to the session.
	BotJoined bool
}

// Handle identifies one registered listener. It is returned by Subscribe and
// required by Unsubscribe.
type Handle struct {
	id           uuid.UUID
	sessionID    string
	subscriberID string
	listener     Listener
}

// SessionID returns the session this handle is registered under.
func (h *Handle) SessionID() string { return h.sessionID }

// SubscriberID returns the subscriber identity this handle was created for.
func (h *Handle) SubscriberID() string { return h.subscriberID }

// session holds the listener set for one session id. Its mutex linearises
// all membership changes and publishes for the session, which is what
// preserves per-caller frame order.
type session struct {
	mu        sync.Mutex
	listeners map[uuid.UUID]*Handle
}

// Hooks receives session lifecycle notifications. Used by the application to
// attach a liveness watcher to each session that gains its first listener.
// Callbacks run on the caller's goroutine after the registry releases its
// locks; they must not call back into the registry synchronously with
// blocking work.
type Hooks struct {
	// SessionCreated fires when a session entry is created for its first
	// listener. May be nil.
	SessionCreated func(sessionID string)

	// SessionEmptied fires when the last listener leaves and the session
	// entry is dropped. May be nil.
	SessionEmptied func(sessionID string)
}

// Option configures a [Registry].
type Option func(*Registry)

// WithMetrics wires fan-out metrics into the registry.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithHooks registers session lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(r *Registry) { r.hooks = h }
}

// Registry is the process-wide session → listener-set map.
// All exported methods are safe for concurrent use. Operations on different
// sessions proceed concurrently; operations on the same session are
// serialised.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session

	metrics *observe.Metrics
	hooks   Hooks
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{sessions: make(map[string]*session)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe registers listener under sessionID, creating the session entry if
// absent, and emits a "connected" acknowledgment to the new listener only.
//
// If the acknowledgment push fails the listener is not registered and the
// transport error is returned. The registry enforces no listener limit;
// back-pressure is a transport concern.
func (r *Registry) Subscribe(ctx context.Context, sessionID, subscriberID string, listener Listener) (*Handle, error) {
	h := &Handle{
		id:           uuid.New(),
		sessionID:    sessionID,
		subscriberID: subscriberID,
		listener:     listener,
	}

	block, err := wire.EncodeEvent(wire.Event{
		Type:         wire.EventConnected,
		SessionID:    sessionID,
		SubscriberID: subscriberID,
		Timestamp:    wire.Now(),
	})
	if err != nil {
		return nil, err
	}

	// Acquire the session lock while still holding the registry lock.
	// Otherwise a concurrent fan-out that removes the session's last failing
	// listener could drop the entry between lookup and registration, leaving
	// the new listener attached to an orphaned session that no Publish can
	// reach.
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = &session{listeners: make(map[uuid.UUID]*Handle)}
		r.sessions[sessionID] = sess
	}
	created := !ok
	sess.mu.Lock()
	r.mu.Unlock()

	if err := listener.Send(block); err != nil {
		sess.mu.Unlock()
		// The listener was never registered; silently discard the session
		// entry if this subscription was the one that created it.
		r.mu.Lock()
		sess.mu.Lock()
		if len(sess.listeners) == 0 && r.sessions[sessionID] == sess {
			delete(r.sessions, sessionID)
		}
		sess.mu.Unlock()
		r.mu.Unlock()
		return nil, err
	}
	sess.listeners[h.id] = h
	sess.mu.Unlock()

	if r.metrics != nil {
		r.metrics.ListenerConnected(ctx, sessionID)
		if created {
			r.metrics.SessionOpened(ctx)
		}
	}
	if created && r.hooks.SessionCreated != nil {
		r.hooks.SessionCreated(sessionID)
	}

	slog.Debug("listener subscribed", "session_id", sessionID, "subscriber_id", subscriberID)
	return h, nil
}

// Unsubscribe removes the listener identified by handle. Unsubscribing a
// handle that is already gone is a no-op. When the session's listener set
// becomes empty the session entry is dropped.
func (r *Registry) Unsubscribe(ctx context.Context, handle *Handle) {
	if handle == nil {
		return
	}

	r.mu.Lock()
	sess, ok := r.sessions[handle.sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	sess.mu.Lock()
	_, present := sess.listeners[handle.id]
	delete(sess.listeners, handle.id)
	sess.mu.Unlock()

	if !present {
		return
	}

	if r.metrics != nil {
		r.metrics.ListenerDisconnected(ctx, handle.sessionID)
	}
	slog.Debug("listener unsubscribed",
		"session_id", handle.sessionID, "subscriber_id", handle.subscriberID)

	r.dropIfEmpty(handle.sessionID, sess)
}

// Publish assigns a server timestamp to frame, encodes it once, and pushes
// the result to every current listener of sessionID.
//
// A push failure removes that listener as part of the same call; delivery to
// the remaining listeners proceeds and no error surfaces to the publisher.
// Publishing to a session with no listeners drops the frame silently — there
// is no buffering and no backlog.
func (r *Registry) Publish(ctx context.Context, sessionID string, frame *wire.AudioFrame) {
	f := *frame
	f.Timestamp = wire.Now()

	block, err := wire.EncodeEvent(wire.Event{Type: wire.EventAudio, Audio: &f, Timestamp: f.Timestamp})
	if err != nil {
		// Only reachable for a nil frame; nothing to deliver.
		slog.Warn("publish: encode failed", "session_id", sessionID, "err", err)
		return
	}

	r.fanOut(ctx, sessionID, block, "audio")
}

// PublishStatus fans a session-state event out to every current listener of
// sessionID, with the same delivery semantics as [Registry.Publish].
func (r *Registry) PublishStatus(ctx context.Context, sessionID string, st Status) {
	block, err := wire.EncodeEvent(wire.Event{
		Type:      wire.EventStatus,
		SessionID: sessionID,
		Status:    st.Status,
		BotJoined: st.BotJoined,
		Timestamp: wire.Now(),
	})
	if err != nil {
		slog.Warn("publish status: encode failed", "session_id", sessionID, "err", err)
		return
	}

	r.fanOut(ctx, sessionID, block, "status")
}

// ListenerCount reports the number of listeners currently registered under
// sessionID. Zero for unknown sessions.
func (r *Registry) ListenerCount(sessionID string) int {
	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.listeners)
}

// SessionCount reports the number of sessions with at least one listener.
func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// fanOut delivers one encoded block to every listener of sessionID, removing
// listeners whose transport fails mid-delivery.
func (r *Registry) fanOut(ctx context.Context, sessionID string, block []byte, kind string) {
	start := time.Now()

	r.mu.Lock()
	sess, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		if r.metrics != nil {
			r.metrics.FrameDropped(ctx, kind, "no_listeners")
		}
		return
	}

	sess.mu.Lock()
	var failed []*Handle
	for _, h := range sess.listeners {
		if err := h.listener.Send(block); err != nil {
			slog.Warn("push failed, removing listener",
				"session_id", sessionID, "subscriber_id", h.subscriberID, "err", err)
			failed = append(failed, h)
		}
	}
	for _, h := range failed {
		delete(sess.listeners, h.id)
	}
	delivered := len(sess.listeners)
	sess.mu.Unlock()

	if r.metrics != nil {
		for range failed {
			r.metrics.ListenerDisconnected(ctx, sessionID)
		}
		if delivered == 0 && len(failed) == 0 {
			r.metrics.FrameDropped(ctx, kind, "no_listeners")
		} else {
			r.metrics.FramePublished(ctx, kind, delivered)
		}
		r.metrics.PublishDuration(ctx, time.Since(start))
	}

	if len(failed) > 0 {
		r.dropIfEmpty(sessionID, sess)
	}
}

// dropIfEmpty removes the session entry when its listener set is empty.
// Takes the registry lock and then the session lock; that order is the
// locking protocol everywhere in this package.
func (r *Registry) dropIfEmpty(sessionID string, sess *session) {
	r.mu.Lock()
	sess.mu.Lock()
	dropped := len(sess.listeners) == 0 && r.sessions[sessionID] == sess
	if dropped {
		delete(r.sessions, sessionID)
	}
	sess.mu.Unlock()
	r.mu.Unlock()

	if dropped {
		if r.metrics != nil {
			r.metrics.SessionClosed(context.Background())
		}
		if r.hooks.SessionEmptied != nil {
			r.hooks.SessionEmptied(sessionID)
		}
		slog.Debug("session dropped, no listeners remain", "session_id", sessionID)
	}
}
