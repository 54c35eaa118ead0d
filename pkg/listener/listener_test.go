package listener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// serveBlocks is an SSE endpoint that writes the given raw blocks and then
// holds the connection open until the client goes away.
func serveBlocks(t *testing.T, blocks ...[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fl, ok := w.(http.Flusher)
		if !ok {
			t.Error("response writer does not support flushing")
			return
		}
		// Flush the response header immediately so Dial returns even when
		// there are no blocks to serve.
		w.WriteHeader(http.StatusOK)
		fl.Flush()
		for _, b := range blocks {
			w.Write(b)
			fl.Flush()
		}
		<-r.Context().Done()
	}))
}

func mustEncode(t *testing.T, ev wire.Event) []byte {
	t.Helper()
	b, err := wire.EncodeEvent(ev)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}
	return b
}

func recv(t *testing.T, s *Stream) wire.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		if !ok {
			t.Fatalf("event channel closed early: %v", s.Err())
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event within 2s")
	}
	return wire.Event{}
}

func TestDialReceivesEvents(t *testing.T) {
	connected := mustEncode(t, wire.Event{
		Type:         wire.EventConnected,
		SessionID:    "mtg-1",
		SubscriberID: "sub-a",
		Timestamp:    wire.Now(),
	})
	audio := mustEncode(t, wire.Event{
		Type:      wire.EventAudio,
		SessionID: "mtg-1",
		Audio: &wire.AudioFrame{
			Format:     wire.FormatRawPCMF32,
			Payload:    wire.PCMF32Bytes([]float32{0.5, -0.5}),
			SampleRate: 48000,
			Channels:   1,
		},
		Timestamp: wire.Now(),
	})

	ts := serveBlocks(t, connected, wire.Heartbeat(), audio)
	defer ts.Close()

	s, err := Dial(context.Background(), ts.Client(), ts.URL, "mtg-1", "sub-a")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	ev := recv(t, s)
	if ev.Type != wire.EventConnected || ev.SessionID != "mtg-1" {
		t.Errorf("first event = %+v, want connected for mtg-1", ev)
	}

	// The heartbeat between the two events must not surface.
	ev = recv(t, s)
	if ev.Type != wire.EventAudio {
		t.Fatalf("second event type = %q, want %q", ev.Type, wire.EventAudio)
	}
	samples, err := wire.Float32Samples(ev.Audio.Payload)
	if err != nil {
		t.Fatalf("Float32Samples() error = %v", err)
	}
	if len(samples) != 2 || samples[0] != 0.5 {
		t.Errorf("samples = %v, want [0.5 -0.5]", samples)
	}
}

func TestDialSkipsUnknownAndCorrupt(t *testing.T) {
	unknown := []byte("data: {\"type\":\"totally-new\"}\n\n")
	corrupt := []byte("data: {\"type\":\"audio\",\"format\":\"encoded\",\"data\":\"!!!\"}\n\n")
	status := mustEncode(t, wire.Event{
		Type:      wire.EventStatus,
		SessionID: "mtg-1",
		Status:    "live",
		BotJoined: true,
		Timestamp: wire.Now(),
	})

	ts := serveBlocks(t, unknown, corrupt, status)
	defer ts.Close()

	s, err := Dial(context.Background(), ts.Client(), ts.URL, "mtg-1", "sub-a")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	ev := recv(t, s)
	if ev.Type != wire.EventStatus || !ev.BotJoined {
		t.Errorf("event = %+v, want live status with bot joined", ev)
	}
}

func TestDialNon200(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"meetingId and subscriberId are required"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	if _, err := Dial(context.Background(), ts.Client(), ts.URL, "", ""); err == nil {
		t.Fatal("Dial() against 400 endpoint: want error, got nil")
	}
}

func TestCloseEndsStream(t *testing.T) {
	ts := serveBlocks(t)
	defer ts.Close()

	s, err := Dial(context.Background(), ts.Client(), ts.URL, "mtg-1", "sub-a")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	s.Close()

	select {
	case _, ok := <-s.Events():
		if ok {
			t.Error("received event after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed after Close")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() after deliberate Close = %v, want nil", err)
	}
}
