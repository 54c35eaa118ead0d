package listener

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

func TestRedialerSurvivesDrops(t *testing.T) {
	var conns atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		fl := w.(http.Flusher)

		ev, err := wire.EncodeEvent(wire.Event{
			Type:         wire.EventConnected,
			SessionID:    "mtg-1",
			SubscriberID: "sub-a",
			Timestamp:    wire.Now(),
		})
		if err != nil {
			t.Errorf("EncodeEvent() error = %v", err)
			return
		}
		w.Write(ev)
		fl.Flush()

		// First connection drops immediately; the second stays open.
		if n >= 2 {
			<-r.Context().Done()
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []wire.Event
	rd := NewRedialer(RedialerConfig{
		Client:       ts.Client(),
		BaseURL:      ts.URL,
		MeetingID:    "mtg-1",
		SubscriberID: "sub-a",
		Backoff:      10 * time.Millisecond,
	})

	done := make(chan error, 1)
	go func() {
		done <- rd.Run(ctx, func(ev wire.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
	}()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d events across reconnects, want 2", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conns.Load() < 2 {
		t.Errorf("connections = %d, want at least 2", conns.Load())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRedialerGivesUpAfterMaxRetries(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"no"}`, http.StatusBadRequest)
	}))
	defer ts.Close()

	rd := NewRedialer(RedialerConfig{
		Client:       ts.Client(),
		BaseURL:      ts.URL,
		MeetingID:    "mtg-1",
		SubscriberID: "sub-a",
		MaxRetries:   2,
		Backoff:      time.Millisecond,
	})

	err := rd.Run(context.Background(), func(wire.Event) {})
	if err == nil {
		t.Fatal("Run() against failing endpoint: want error, got nil")
	}
}
