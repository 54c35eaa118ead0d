package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// ToneSource synthesises a continuous sine tone as raw float32 PCM. It
// exists so the whole capture → ingest → fan-out → playback path can be
// exercised without a real meeting.
type ToneSource struct {
	freq       float64
	sampleRate int
	channels   int
	chunkDur   time.Duration

	mu     sync.Mutex
	phase  float64
	closed bool
}

// NewToneSource creates a tone source. Zero values fall back to 440 Hz,
// the wire defaults for rate and channels, and 100 ms chunks.
func NewToneSource(freq float64, sampleRate, channels int, chunkDur time.Duration) *ToneSource {
	if freq <= 0 {
		freq = 440
	}
	if sampleRate <= 0 {
		sampleRate = wire.DefaultSampleRate
	}
	if channels <= 0 {
		channels = wire.DefaultChannels
	}
	if chunkDur <= 0 {
		chunkDur = 100 * time.Millisecond
	}
	return &ToneSource{
		freq:       freq,
		sampleRate: sampleRate,
		channels:   channels,
		chunkDur:   chunkDur,
	}
}

// Read implements [Source]. It returns one chunk of tone immediately;
// pacing is the caller's job.
func (t *ToneSource) Read(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return Chunk{}, &Error{Stage: "read", Err: context.Canceled}
	}

	frames := int(float64(t.sampleRate) * t.chunkDur.Seconds())
	samples := make([]float32, 0, frames*t.channels)
	step := 2 * math.Pi * t.freq / float64(t.sampleRate)
	for range frames {
		v := float32(0.25 * math.Sin(t.phase))
		t.phase += step
		for range t.channels {
			samples = append(samples, v)
		}
	}
	if t.phase > 2*math.Pi {
		t.phase = math.Mod(t.phase, 2*math.Pi)
	}

	return Chunk{
		Data:       wire.PCMF32Bytes(samples),
		Format:     wire.FormatRawPCMF32,
		SampleRate: t.sampleRate,
		Channels:   t.channels,
	}, nil
}

// Close implements [Source].
func (t *ToneSource) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
