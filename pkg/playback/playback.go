// Package playback turns a listener's event stream back into audible
// audio. It owns a single serial driver goroutine per [Scheduler]: frames
// queue up, the driver plays them one after another through a [Sink], and
// when the queue overruns the oldest frame is dropped so live audio stays
// close to real time.
//
// Encoded chunks are decoded with Opus; raw float32 PCM is passed through
// untouched. No resampling or channel remixing happens here.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"layeh.com/gopus"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// DefaultQueueDepth is the jitter queue bound when none is configured.
const DefaultQueueDepth = 64

// maxFrameMs sizes the Opus decode buffer; 120 ms is the largest frame
// the codec produces.
const maxFrameMs = 120

// Sink plays decoded PCM. Play blocks until the samples have been consumed
// so the driver's pacing follows the device.
type Sink interface {
	Play(ctx context.Context, pcm []float32, sampleRate, channels int) error
}

// ErrClosed is returned by [Scheduler.HandleEvent] after Close.
var ErrClosed = errors.New("playback: scheduler closed")

type queued struct {
	pcm        []float32
	sampleRate int
	channels   int
}

// Scheduler decodes incoming audio events and drives them through a Sink
// in arrival order.
type Scheduler struct {
	sink  Sink
	depth int

	mu     sync.Mutex
	queue  []queued
	wake   chan struct{}
	closed bool

	dec         *gopus.Decoder
	decRate     int
	decChannels int

	done chan struct{}
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithQueueDepth bounds the jitter queue. Zero or negative keeps
// [DefaultQueueDepth].
func WithQueueDepth(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.depth = n
		}
	}
}

// NewScheduler creates a Scheduler and starts its driver goroutine.
func NewScheduler(ctx context.Context, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:  sink,
		depth: DefaultQueueDepth,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.drive(ctx)
	return s
}

// HandleEvent feeds one stream event to the scheduler. Non-audio events
// are ignored. A frame that cannot be decoded is dropped with an error;
// the scheduler stays usable. HandleEvent is meant to be called from a
// single stream-reading goroutine.
func (s *Scheduler) HandleEvent(ev wire.Event) error {
	if ev.Type != wire.EventAudio || ev.Audio == nil {
		return nil
	}
	frame := ev.Audio

	var (
		pcm []float32
		err error
	)
	rate, channels := frame.SampleRate, frame.Channels
	switch frame.Format {
	case wire.FormatRawPCMF32:
		pcm, err = wire.Float32Samples(frame.Payload)
		if err != nil {
			return err
		}
	case wire.FormatEncoded:
		pcm, err = s.decodeOpus(frame)
		if err != nil {
			return &wire.DecodeError{Reason: "opus decode failed", Err: err}
		}
		// The sink plays what the decoder produced, not what the envelope
		// advertised.
		rate, channels = s.decRate, s.decChannels
	default:
		return &wire.DecodeError{Reason: fmt.Sprintf("unplayable format %q", frame.Format)}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if len(s.queue) >= s.depth {
		// Live audio: lag is worse than a gap. Shed the oldest frame.
		s.queue = s.queue[1:]
		slog.Debug("playback queue full, oldest frame dropped", "depth", s.depth)
	}
	s.queue = append(s.queue, queued{
		pcm:        pcm,
		sampleRate: rate,
		channels:   channels,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// opusRate maps the advertised sample rate onto one the Opus decoder
// supports. Encoded frames stamped with container defaults (44.1 kHz)
// decode at the full Opus band instead.
func opusRate(rate int) int {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return rate
	}
	return 48000
}

// decodeOpus lazily creates the decoder from the first frame's metadata.
// Streams do not change rate or channel count mid-flight.
func (s *Scheduler) decodeOpus(frame *wire.AudioFrame) ([]float32, error) {
	rate := opusRate(frame.SampleRate)
	if s.dec == nil || s.decRate != rate || s.decChannels != frame.Channels {
		dec, err := gopus.NewDecoder(rate, frame.Channels)
		if err != nil {
			return nil, err
		}
		s.dec = dec
		s.decRate = rate
		s.decChannels = frame.Channels
	}

	frameSize := s.decRate * maxFrameMs / 1000
	pcm16, err := s.dec.Decode(frame.Payload, frameSize, false)
	if err != nil {
		return nil, err
	}

	pcm := make([]float32, len(pcm16))
	for i, v := range pcm16 {
		pcm[i] = float32(v) / 32768
	}
	return pcm, nil
}

// drive is the serial playback loop. One frame plays at a time; the loop
// idles when the queue is empty and exits when ctx is done or the
// scheduler is closed.
func (s *Scheduler) drive(ctx context.Context) {
	defer close(s.done)
	for {
		s.mu.Lock()
		var (
			next queued
			have bool
		)
		if len(s.queue) > 0 {
			next = s.queue[0]
			s.queue = s.queue[1:]
			have = true
		}
		closed := s.closed
		s.mu.Unlock()

		if !have {
			if closed {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		if err := s.sink.Play(ctx, next.pcm, next.sampleRate, next.channels); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("playback sink failed", "error", err)
		}
	}
}

// Close stops accepting frames and lets the driver drain what is already
// queued. It blocks until the driver exits.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	<-s.done
}
