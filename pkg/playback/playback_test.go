package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"layeh.com/gopus"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// memSink records played frames and can be told to block, simulating a
// slow audio device.
type memSink struct {
	mu     sync.Mutex
	frames [][]float32
	rates  []int
	gate   chan struct{} // nil means never block
}

func (m *memSink) Play(ctx context.Context, pcm []float32, sampleRate, channels int) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	m.frames = append(m.frames, pcm)
	m.rates = append(m.rates, sampleRate)
	m.mu.Unlock()
	return nil
}

func (m *memSink) played() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float32(nil), m.frames...)
}

func audioEvent(samples []float32, rate, channels int) wire.Event {
	return wire.Event{
		Type: wire.EventAudio,
		Audio: &wire.AudioFrame{
			Format:     wire.FormatRawPCMF32,
			Payload:    wire.PCMF32Bytes(samples),
			SampleRate: rate,
			Channels:   channels,
		},
	}
}

func TestSchedulerPlaysInOrder(t *testing.T) {
	sink := &memSink{}
	s := NewScheduler(context.Background(), sink)

	inputs := [][]float32{{0.1}, {0.2}, {0.3}}
	for _, in := range inputs {
		if err := s.HandleEvent(audioEvent(in, 8000, 1)); err != nil {
			t.Fatalf("HandleEvent() error = %v", err)
		}
	}
	s.Close()

	got := sink.played()
	if len(got) != len(inputs) {
		t.Fatalf("played %d frames, want %d", len(got), len(inputs))
	}
	for i, want := range inputs {
		if got[i][0] != want[0] {
			t.Errorf("frame %d = %v, want %v", i, got[i], want)
		}
	}
}

func TestSchedulerIgnoresNonAudio(t *testing.T) {
	sink := &memSink{}
	s := NewScheduler(context.Background(), sink)

	if err := s.HandleEvent(wire.Event{Type: wire.EventConnected}); err != nil {
		t.Errorf("HandleEvent(connected) error = %v", err)
	}
	if err := s.HandleEvent(wire.Event{Type: wire.EventStatus}); err != nil {
		t.Errorf("HandleEvent(status) error = %v", err)
	}
	s.Close()

	if got := len(sink.played()); got != 0 {
		t.Errorf("played %d frames, want 0", got)
	}
}

func TestSchedulerDropsOldestWhenFull(t *testing.T) {
	gate := make(chan struct{})
	sink := &memSink{gate: gate}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewScheduler(ctx, sink, WithQueueDepth(2))

	// The first frame occupies the sink; three more overflow a depth-2
	// queue so the oldest queued frame is shed.
	for i, v := range []float32{1, 2, 3, 4} {
		if err := s.HandleEvent(audioEvent([]float32{v}, 8000, 1)); err != nil {
			t.Fatalf("HandleEvent(%d) error = %v", i, err)
		}
		if i == 0 {
			// Give the driver a moment to pull the first frame.
			time.Sleep(20 * time.Millisecond)
		}
	}

	close(gate)
	s.Close()

	got := sink.played()
	if len(got) != 3 {
		t.Fatalf("played %d frames, want 3", len(got))
	}
	// Frame 1 was mid-play, frame 2 was shed, frames 3 and 4 survived.
	want := []float32{1, 3, 4}
	for i := range want {
		if got[i][0] != want[i] {
			t.Errorf("frame %d = %v, want %v", i, got[i][0], want[i])
		}
	}
}

func TestSchedulerDecodesDefaultStampedOpus(t *testing.T) {
	enc, err := gopus.NewEncoder(48000, 1, gopus.Audio)
	if err != nil {
		t.Fatalf("create encoder: %v", err)
	}
	packet, err := enc.Encode(make([]int16, 960), 960, 4000) // one 20 ms frame
	if err != nil {
		t.Fatalf("opus encode: %v", err)
	}

	sink := &memSink{}
	s := NewScheduler(context.Background(), sink)

	// Ingest stamps every metadata-less encoded chunk with the container
	// defaults, which are not an Opus rate. Decode must still work.
	err = s.HandleEvent(wire.Event{
		Type: wire.EventAudio,
		Audio: &wire.AudioFrame{
			Format:     wire.FormatEncoded,
			Payload:    packet,
			SampleRate: wire.DefaultSampleRate,
			Channels:   wire.DefaultChannels,
		},
	})
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	s.Close()

	if got := len(sink.played()); got != 1 {
		t.Fatalf("played %d frames, want 1", got)
	}
	sink.mu.Lock()
	rate := sink.rates[0]
	sink.mu.Unlock()
	if rate != 48000 {
		t.Errorf("sink rate = %d, want the decoder rate 48000", rate)
	}
}

func TestSchedulerBadFrameKeepsGoing(t *testing.T) {
	sink := &memSink{}
	s := NewScheduler(context.Background(), sink)

	// Misaligned PCM payload cannot decode.
	err := s.HandleEvent(wire.Event{
		Type: wire.EventAudio,
		Audio: &wire.AudioFrame{
			Format:     wire.FormatRawPCMF32,
			Payload:    []byte{1, 2, 3},
			SampleRate: 8000,
			Channels:   1,
		},
	})
	var decErr *wire.DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("HandleEvent(misaligned) error = %v, want DecodeError", err)
	}

	if err := s.HandleEvent(audioEvent([]float32{0.5}, 8000, 1)); err != nil {
		t.Fatalf("HandleEvent() after bad frame error = %v", err)
	}
	s.Close()

	if got := len(sink.played()); got != 1 {
		t.Errorf("played %d frames, want 1", got)
	}
}

func TestSchedulerClosedRejectsFrames(t *testing.T) {
	s := NewScheduler(context.Background(), &memSink{})
	s.Close()

	err := s.HandleEvent(audioEvent([]float32{0.5}, 8000, 1))
	if !errors.Is(err, ErrClosed) {
		t.Errorf("HandleEvent() after Close error = %v, want ErrClosed", err)
	}
}
