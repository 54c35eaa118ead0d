// Package server exposes the relay's HTTP surface:
//
//   - POST /api/stream/audio — capture agents post audio chunks here.
//   - GET  /api/stream/sse   — listeners open their SSE stream here.
//   - GET  /api/stream       — directory of streams available to a subscriber.
//   - POST /api/stream       — start/stop control for a subscriber's access.
//   - POST /api/signature    — mints a meeting SDK join signature.
//
// Validation failures answer 400 with a JSON error body and leave the
// registry untouched. Streaming endpoints hold the connection open; all
// other endpoints answer immediately.
package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/relay"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/signature"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/store"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// Server wires the HTTP handlers to the registry and record store.
type Server struct {
	registry *relay.Registry
	store    store.Store
	signer   *signature.Signer // nil disables /api/signature

	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	publicBaseURL     string
}

// Option configures a [Server].
type Option func(*Server)

// WithSigner enables the /api/signature endpoint.
func WithSigner(s *signature.Signer) Option {
	return func(srv *Server) { srv.signer = s }
}

// WithHeartbeatInterval sets the SSE keep-alive cadence.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(srv *Server) { srv.heartbeatInterval = d }
}

// WithWriteTimeout bounds a single write to a listener connection.
func WithWriteTimeout(d time.Duration) Option {
	return func(srv *Server) { srv.writeTimeout = d }
}

// WithPublicBaseURL sets the base URL used when composing stream URLs in
// directory and control responses. Empty yields relative URLs.
func WithPublicBaseURL(base string) Option {
	return func(srv *Server) { srv.publicBaseURL = base }
}

// New creates a Server backed by the given registry and store.
func New(reg *relay.Registry, st store.Store, opts ...Option) *Server {
	srv := &Server{
		registry:          reg,
		store:             st,
		heartbeatInterval: 15 * time.Second,
		writeTimeout:      5 * time.Second,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Register mounts all API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/stream/audio", s.handleIngest)
	mux.HandleFunc("GET /api/stream/sse", s.handleSSE)
	mux.HandleFunc("GET /api/stream", s.handleDirectory)
	mux.HandleFunc("POST /api/stream", s.handleControl)
	mux.HandleFunc("POST /api/signature", s.handleSignature)
	mux.HandleFunc("OPTIONS /api/", s.handlePreflight)
}

// ─────────────────────────────────────────────────────────────────────────────
// Ingestion
// ─────────────────────────────────────────────────────────────────────────────

// ingestRequest is the chunk upload body posted by capture agents.
type ingestRequest struct {
	SessionID  string `json:"sessionId"`
	AudioData  string `json:"audioData"` // base64
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// handleIngest accepts one audio chunk and fans it out to the session's
// listeners. A chunk for a session with no listeners is acknowledged and
// dropped.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	allowOrigin(w)

	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if req.AudioData == "" {
		writeError(w, http.StatusBadRequest, "audioData is required")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.AudioData)
	if err != nil {
		writeError(w, http.StatusBadRequest, "audioData is not valid base64")
		return
	}

	frame := &wire.AudioFrame{Payload: payload}
	switch req.Format {
	case "", wire.FormatEncoded:
		frame.Format = wire.FormatEncoded
		frame.SampleRate = wire.DefaultSampleRate
		frame.Channels = wire.DefaultChannels
	case wire.FormatRawPCMF32:
		if req.SampleRate <= 0 || req.Channels <= 0 {
			writeError(w, http.StatusBadRequest, "raw-pcm-f32 chunks require sampleRate and channels")
			return
		}
		frame.Format = wire.FormatRawPCMF32
		frame.SampleRate = req.SampleRate
		frame.Channels = req.Channels
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown format %q", req.Format))
		return
	}

	s.registry.Publish(r.Context(), req.SessionID, frame)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// ─────────────────────────────────────────────────────────────────────────────
// Directory and control
// ─────────────────────────────────────────────────────────────────────────────

type streamEntry struct {
	MeetingID     string `json:"meetingId"`
	MeetingNumber string `json:"meetingNumber"`
	Topic         string `json:"topic"`
	StreamURL     string `json:"streamUrl"`
}

// handleDirectory lists the streams a subscriber can join right now:
// assigned meetings that are live with a capture agent attached.
func (s *Server) handleDirectory(w http.ResponseWriter, r *http.Request) {
	allowOrigin(w)

	subscriberID := r.URL.Query().Get("subscriberId")
	if subscriberID == "" {
		writeError(w, http.StatusBadRequest, "subscriberId is required")
		return
	}

	meetings, err := s.store.ListAssigned(r.Context(), subscriberID)
	if err != nil {
		slog.Error("directory lookup failed", "subscriber_id", subscriberID, "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}

	streams := make([]streamEntry, 0, len(meetings))
	for _, m := range meetings {
		if m.Status != store.StatusLive || !m.BotJoined {
			continue
		}
		streams = append(streams, streamEntry{
			MeetingID:     m.ID,
			MeetingNumber: m.MeetingNumber,
			Topic:         m.Topic,
			StreamURL:     s.streamURL(m.ID, subscriberID),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"streams": streams})
}

// controlRequest starts or stops a subscriber's access to a stream.
type controlRequest struct {
	Action       string `json:"action"` // "start" or "stop"
	MeetingID    string `json:"meetingId"`
	SubscriberID string `json:"subscriberId"`
}

func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	allowOrigin(w)

	var req controlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.MeetingID == "" || req.SubscriberID == "" {
		writeError(w, http.StatusBadRequest, "meetingId and subscriberId are required")
		return
	}

	m, err := s.store.GetMeeting(r.Context(), req.MeetingID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	}
	if err != nil {
		slog.Error("control lookup failed", "meeting_id", req.MeetingID, "error", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	if !m.Assigned(req.SubscriberID) {
		writeError(w, http.StatusForbidden, "subscriber is not assigned to this meeting")
		return
	}

	switch req.Action {
	case "start":
		if err := s.store.AddListener(r.Context(), req.MeetingID, req.SubscriberID); err != nil {
			slog.Error("control start failed", "meeting_id", req.MeetingID, "error", err)
			writeError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":   true,
			"streamUrl": s.streamURL(req.MeetingID, req.SubscriberID),
		})
	case "stop":
		if err := s.store.RemoveListener(r.Context(), req.MeetingID, req.SubscriberID); err != nil {
			slog.Error("control stop failed", "meeting_id", req.MeetingID, "error", err)
			writeError(w, http.StatusInternalServerError, "store unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown action %q", req.Action))
	}
}

// streamURL composes the SSE URL for a meeting/subscriber pair.
func (s *Server) streamURL(meetingID, subscriberID string) string {
	q := url.Values{}
	q.Set("meetingId", meetingID)
	q.Set("subscriberId", subscriberID)
	return s.publicBaseURL + "/api/stream/sse?" + q.Encode()
}

// ─────────────────────────────────────────────────────────────────────────────
// Signature
// ─────────────────────────────────────────────────────────────────────────────

type signatureRequest struct {
	MeetingNumber string `json:"meetingNumber"`
	Role          int    `json:"role"`
}

func (s *Server) handleSignature(w http.ResponseWriter, r *http.Request) {
	allowOrigin(w)

	if s.signer == nil {
		writeError(w, http.StatusServiceUnavailable, "signature issuing is not configured")
		return
	}

	var req signatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	token, err := s.signer.Sign(req.MeetingNumber, req.Role)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"signature": token})
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handlePreflight(w http.ResponseWriter, _ *http.Request) {
	allowOrigin(w)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func allowOrigin(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
