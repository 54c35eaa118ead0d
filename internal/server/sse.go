package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/observe"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// sseChannel adapts one HTTP response into a relay listener. Writes are
// serialised with a mutex because the registry fan-out and the heartbeat
// goroutine both call Send. Each write carries a deadline so a stalled
// client fails fast instead of blocking the session.
type sseChannel struct {
	mu           sync.Mutex
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
	closed       bool
}

func newSSEChannel(w http.ResponseWriter, writeTimeout time.Duration) *sseChannel {
	return &sseChannel{
		w:            w,
		rc:           http.NewResponseController(w),
		writeTimeout: writeTimeout,
	}
}

// Close marks the channel closed. In-flight Sends finish under the mutex;
// later Sends fail without touching the ResponseWriter, so no write can
// land after the handler has returned the connection to the server.
func (c *sseChannel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Send writes one pre-framed SSE block and flushes it.
func (c *sseChannel) Send(block []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("sse: channel closed")
	}
	if err := c.rc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.closed = true
		return fmt.Errorf("sse: set write deadline: %w", err)
	}
	if _, err := c.w.Write(block); err != nil {
		c.closed = true
		return fmt.Errorf("sse: write: %w", err)
	}
	if err := c.rc.Flush(); err != nil {
		c.closed = true
		return fmt.Errorf("sse: flush: %w", err)
	}
	return nil
}

// handleSSE opens a listener stream. The response stays open until the
// client disconnects; frames published to the session are written as SSE
// data blocks, with a comment heartbeat at a fixed cadence to keep
// intermediaries from timing the connection out.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	meetingID := r.URL.Query().Get("meetingId")
	subscriberID := r.URL.Query().Get("subscriberId")
	if meetingID == "" || subscriberID == "" {
		writeError(w, http.StatusBadRequest, "meetingId and subscriberId are required")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	allowOrigin(w)

	ch := newSSEChannel(w, s.writeTimeout)
	handle, err := s.registry.Subscribe(r.Context(), meetingID, subscriberID, ch)
	if err != nil {
		slog.Warn("listener handshake failed",
			"meeting_id", meetingID,
			"subscriber_id", subscriberID,
			"error", err,
		)
		return
	}

	// Connection tracking in the record store is best effort; the stream
	// works without it.
	if err := s.store.AddListener(r.Context(), meetingID, subscriberID); err != nil {
		slog.Warn("record listener connect failed",
			"meeting_id", meetingID,
			"subscriber_id", subscriberID,
			"error", err,
		)
	}

	log := observe.Logger(r.Context())
	log.Info("listener connected", "meeting_id", meetingID, "subscriber_id", subscriberID)

	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(s.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopHeartbeat:
				return
			case <-ticker.C:
				if err := ch.Send(wire.Heartbeat()); err != nil {
					return
				}
			}
		}
	}()

	<-r.Context().Done()

	// The request context is gone at this point; teardown gets its own.
	cleanupCtx := context.WithoutCancel(r.Context())

	// Stop all writers before the handler returns: closing the channel makes
	// any concurrent fan-out push a no-op, and joining the heartbeat
	// goroutine guarantees nothing touches the ResponseWriter afterwards.
	ch.Close()
	close(stopHeartbeat)
	<-heartbeatDone
	s.registry.Unsubscribe(cleanupCtx, handle)
	if err := s.store.RemoveListener(cleanupCtx, meetingID, subscriberID); err != nil {
		slog.Warn("record listener disconnect failed",
			"meeting_id", meetingID,
			"subscriber_id", subscriberID,
			"error", err,
		)
	}
	log.Info("listener disconnected", "meeting_id", meetingID, "subscriber_id", subscriberID)
}
