package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/config"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/internal/store"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/listener"
	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{ListenAddr: ":0", LogLevel: config.LogError},
		Relay: config.RelayConfig{
			HeartbeatIntervalSeconds: 1,
			WriteTimeoutMs:           1000,
		},
	}
}

func newTestApp(t *testing.T) (*App, *store.MemStore, *httptest.Server) {
	t.Helper()

	// The middleware derives correlation IDs from real spans; the global
	// noop tracer would yield none.
	tp := sdktrace.NewTracerProvider()
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})

	st := store.NewMemStore()
	a, err := New(context.Background(), testConfig(), WithStore(st))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ts := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		ts.Close()
		a.Shutdown(context.Background())
	})
	return a, st, ts
}

func TestHealthAndMetricsMounted(t *testing.T) {
	_, _, ts := newTestApp(t)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := ts.Client().Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	_, _, ts := newTestApp(t)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestStatusEventsReachListeners(t *testing.T) {
	_, st, ts := newTestApp(t)
	ctx := context.Background()

	if err := st.PutMeeting(ctx, store.Meeting{ID: "mtg-1", Status: store.StatusScheduled}); err != nil {
		t.Fatalf("PutMeeting() error = %v", err)
	}

	s, err := listener.Dial(ctx, ts.Client(), ts.URL, "mtg-1", "sub-a")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer s.Close()

	// Handshake first.
	select {
	case ev := <-s.Events():
		if ev.Type != wire.EventConnected {
			t.Fatalf("first event type = %q, want %q", ev.Type, wire.EventConnected)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no handshake within 2s")
	}

	// A record change while the listener is attached becomes a status event.
	// The watcher starts asynchronously after the subscribe hook fires, so
	// nudge the record until the event lands.
	deadline := time.Now().Add(3 * time.Second)
	var got wire.Event
	for got.Type == "" {
		if time.Now().After(deadline) {
			t.Fatal("no status event within 3s")
		}
		if _, err := st.UpdateMeeting(ctx, "mtg-1", store.Update{Status: ptr(store.StatusLive)}); err != nil {
			t.Fatalf("UpdateMeeting() error = %v", err)
		}
		if _, err := st.UpdateMeeting(ctx, "mtg-1", store.Update{Status: ptr(store.StatusScheduled)}); err != nil {
			t.Fatalf("UpdateMeeting() error = %v", err)
		}
		select {
		case ev := <-s.Events():
			if ev.Type == wire.EventStatus {
				got = ev
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	if got.SessionID != "mtg-1" {
		t.Errorf("status event session = %q, want %q", got.SessionID, "mtg-1")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	a, _, _ := newTestApp(t)

	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("second Shutdown() error = %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
