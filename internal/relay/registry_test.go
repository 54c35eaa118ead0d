package relay

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// collectListener records every pushed block. failAfter > 0 makes Send fail
// once that many blocks have been accepted.
type collectListener struct {
	mu        sync.Mutex
	blocks    [][]byte
	failAfter int
}

func (c *collectListener) Send(block []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && len(c.blocks) >= c.failAfter {
		return errors.New("transport broken")
	}
	c.blocks = append(c.blocks, append([]byte(nil), block...))
	return nil
}

func (c *collectListener) events(t *testing.T) []wire.Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Event, 0, len(c.blocks))
	for _, b := range c.blocks {
		payload := bytes.TrimSuffix(bytes.TrimPrefix(b, []byte("data: ")), []byte("\n\n"))
		ev, err := wire.DecodeData(payload)
		if err != nil {
			t.Fatalf("decode pushed block %q: %v", b, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestSubscribeAcknowledgesNewListenerOnly(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	first := &collectListener{}
	h1, err := reg.Subscribe(ctx, "m-1", "sub-a", first)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if h1.SessionID() != "m-1" || h1.SubscriberID() != "sub-a" {
		t.Fatalf("handle identity = (%q, %q)", h1.SessionID(), h1.SubscriberID())
	}

	second := &collectListener{}
	if _, err := reg.Subscribe(ctx, "m-1", "sub-b", second); err != nil {
		t.Fatalf("subscribe second: %v", err)
	}

	evs := first.events(t)
	if len(evs) != 1 || evs[0].Type != wire.EventConnected {
		t.Fatalf("first listener events = %+v, want its own connected event only", evs)
	}
	if evs[0].SubscriberID != "sub-a" {
		t.Fatalf("connected subscriberId = %q, want sub-a", evs[0].SubscriberID)
	}
	if got := second.events(t); len(got) != 1 || got[0].SubscriberID != "sub-b" {
		t.Fatalf("second listener events = %+v", got)
	}
	if n := reg.ListenerCount("m-1"); n != 2 {
		t.Fatalf("ListenerCount = %d, want 2", n)
	}
}

func TestPublishPreservesOrderAcrossListeners(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	a := &collectListener{}
	b := &collectListener{}
	if _, err := reg.Subscribe(ctx, "m-1", "sub-a", a); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Subscribe(ctx, "m-1", "sub-b", b); err != nil {
		t.Fatal(err)
	}

	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, p := range payloads {
		reg.Publish(ctx, "m-1", &wire.AudioFrame{Format: wire.FormatEncoded, Payload: p})
	}

	for name, l := range map[string]*collectListener{"a": a, "b": b} {
		evs := l.events(t)
		if len(evs) != 1+len(payloads) {
			t.Fatalf("listener %s received %d events, want %d", name, len(evs), 1+len(payloads))
		}
		for i, want := range payloads {
			ev := evs[i+1]
			if ev.Type != wire.EventAudio {
				t.Fatalf("listener %s event %d type = %q", name, i, ev.Type)
			}
			if !bytes.Equal(ev.Audio.Payload, want) {
				t.Fatalf("listener %s frame %d = %q, want %q", name, i, ev.Audio.Payload, want)
			}
			if ev.Audio.Timestamp == 0 {
				t.Fatalf("listener %s frame %d missing server timestamp", name, i)
			}
		}
	}
}

func TestPublishStatusAttributesSession(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	l := &collectListener{}
	if _, err := reg.Subscribe(ctx, "m-1", "sub-a", l); err != nil {
		t.Fatal(err)
	}
	reg.PublishStatus(ctx, "m-1", Status{Status: "live", BotJoined: true})

	evs := l.events(t)
	last := evs[len(evs)-1]
	if last.Type != wire.EventStatus {
		t.Fatalf("last event type = %q, want status", last.Type)
	}
	if last.SessionID != "m-1" {
		t.Errorf("status meetingId = %q, want m-1", last.SessionID)
	}
	if last.Status != "live" || !last.BotJoined {
		t.Errorf("status body = (%q, %v)", last.Status, last.BotJoined)
	}
}

func TestPublishWithoutListenersDropsFrame(t *testing.T) {
	reg := NewRegistry()
	// No session entry exists; the frame has nowhere to go and no state
	// should be created for it.
	reg.Publish(context.Background(), "ghost", &wire.AudioFrame{Format: wire.FormatEncoded, Payload: []byte("x")})
	if n := reg.SessionCount(); n != 0 {
		t.Fatalf("SessionCount = %d after publish to empty audience", n)
	}
}

func TestFailingListenerRemovedDuringFanOut(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()

	healthy := &collectListener{}
	flaky := &collectListener{failAfter: 1} // accepts connected, fails on frames
	if _, err := reg.Subscribe(ctx, "m-1", "sub-ok", healthy); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Subscribe(ctx, "m-1", "sub-bad", flaky); err != nil {
		t.Fatal(err)
	}

	reg.Publish(ctx, "m-1", &wire.AudioFrame{Format: wire.FormatEncoded, Payload: []byte("f1")})
	reg.Publish(ctx, "m-1", &wire.AudioFrame{Format: wire.FormatEncoded, Payload: []byte("f2")})

	if n := reg.ListenerCount("m-1"); n != 1 {
		t.Fatalf("ListenerCount = %d after transport failure, want 1", n)
	}
	evs := healthy.events(t)
	if len(evs) != 3 {
		t.Fatalf("healthy listener received %d events, want 3", len(evs))
	}
}

func TestUnsubscribeIdempotentAndLifecycleHooks(t *testing.T) {
	ctx := context.Background()

	var mu sync.Mutex
	var created, emptied []string
	reg := NewRegistry(WithHooks(Hooks{
		SessionCreated: func(id string) { mu.Lock(); created = append(created, id); mu.Unlock() },
		SessionEmptied: func(id string) { mu.Lock(); emptied = append(emptied, id); mu.Unlock() },
	}))

	h, err := reg.Subscribe(ctx, "m-1", "sub-a", &collectListener{})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 || created[0] != "m-1" {
		t.Fatalf("created hooks = %v", created)
	}

	reg.Unsubscribe(ctx, h)
	reg.Unsubscribe(ctx, h) // repeat must be a no-op
	reg.Unsubscribe(ctx, nil)

	if len(emptied) != 1 || emptied[0] != "m-1" {
		t.Fatalf("emptied hooks = %v, want one firing", emptied)
	}
	if n := reg.SessionCount(); n != 0 {
		t.Fatalf("SessionCount = %d after last unsubscribe", n)
	}
}

func TestSubscribeDuringEmptyingFanOutStaysReachable(t *testing.T) {
	ctx := context.Background()

	// Race a new subscription against a fan-out that removes the session's
	// last failing listener. Whatever the interleaving, a listener whose
	// Subscribe succeeded must stay addressable by later publishes.
	for i := 0; i < 500; i++ {
		reg := NewRegistry()
		flaky := &collectListener{failAfter: 1} // accepts its ack, fails on frames
		if _, err := reg.Subscribe(ctx, "m-1", "sub-flaky", flaky); err != nil {
			t.Fatal(err)
		}

		good := &collectListener{}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Publish(ctx, "m-1", &wire.AudioFrame{Format: wire.FormatEncoded, Payload: []byte("evict")})
		}()
		var subErr error
		go func() {
			defer wg.Done()
			_, subErr = reg.Subscribe(ctx, "m-1", "sub-good", good)
		}()
		wg.Wait()

		if subErr != nil {
			t.Fatalf("iteration %d: subscribe: %v", i, subErr)
		}
		reg.Publish(ctx, "m-1", &wire.AudioFrame{Format: wire.FormatEncoded, Payload: []byte("marker")})

		evs := good.events(t)
		last := evs[len(evs)-1]
		if last.Type != wire.EventAudio || string(last.Audio.Payload) != "marker" {
			t.Fatalf("iteration %d: subscribed listener missed the publish, events = %d", i, len(evs))
		}
	}
}

// deadListener rejects every push.
type deadListener struct{}

func (deadListener) Send([]byte) error { return errors.New("wedged") }

func TestSubscribeFailedAcknowledgmentNotRegistered(t *testing.T) {
	var created []string
	reg := NewRegistry(WithHooks(Hooks{
		SessionCreated: func(id string) { created = append(created, id) },
	}))

	if _, err := reg.Subscribe(context.Background(), "m-1", "sub-a", deadListener{}); err == nil {
		t.Fatal("subscribe succeeded despite failed acknowledgment push")
	}
	if n := reg.SessionCount(); n != 0 {
		t.Fatalf("SessionCount = %d, want 0 after rejected subscription", n)
	}
	if n := reg.ListenerCount("m-1"); n != 0 {
		t.Fatalf("ListenerCount = %d, want 0", n)
	}
	if len(created) != 0 {
		t.Fatalf("SessionCreated fired %v for a rejected subscription", created)
	}
}
