// Package wire defines the event envelope exchanged between the relay server
// and its listeners, and the codec that frames those events for the
// text-oriented push transport (server-sent events).
//
// Every data event is a JSON object with a "type" discriminator. Binary audio
// payloads are carried base64-encoded inside the envelope because the
// transport is line-delimited text. Heartbeats are SSE comment lines and are
// invisible to application-level consumers.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Audio frame formats carried in the "format" envelope field.
const (
	// FormatEncoded marks an opaque compressed chunk (container + codec
	// payload). The relay forwards it untouched; only the listener's decoder
	// interprets it.
	FormatEncoded = "encoded"

	// FormatRawPCMF32 marks interleaved 32-bit little-endian float samples.
	// Frames of this format must carry the sample rate and channel count
	// needed to reconstruct them.
	FormatRawPCMF32 = "raw-pcm-f32"
)

// Default metadata assumed for encoded chunks that arrive without any.
const (
	DefaultSampleRate = 44100
	DefaultChannels   = 1
)

// AudioFrame is one discrete unit of audio. Frames are immutable once
// constructed; the relay never transcodes them.
type AudioFrame struct {
	// Format is FormatEncoded or FormatRawPCMF32.
	Format string

	// Payload is the raw audio bytes (compressed chunk or interleaved
	// float32 samples, depending on Format).
	Payload []byte

	// SampleRate in Hz. Meaningful for raw PCM frames; assumed for encoded ones.
	SampleRate int

	// Channels is the interleaved channel count.
	Channels int

	// Timestamp is the server-assigned publish time in Unix milliseconds.
	Timestamp int64
}

// EventType discriminates the data events on a listener channel.
type EventType string

const (
	// EventConnected acknowledges a new subscription. Sent to the joining
	// listener only.
	EventConnected EventType = "connected"

	// EventStatus carries an out-of-band session-state change.
	EventStatus EventType = "status"

	// EventAudio carries one audio frame.
	EventAudio EventType = "audio"
)

// Event is the closed set of data events a listener channel emits.
// Exactly one of the type-specific field groups is meaningful, selected by Type.
type Event struct {
	Type EventType

	// Connected fields.
	SessionID    string
	SubscriberID string

	// Status fields.
	Status    string
	BotJoined bool

	// Audio field. Non-nil only when Type is EventAudio.
	Audio *AudioFrame

	// Timestamp is the server-assigned event time in Unix milliseconds.
	Timestamp int64
}

// DecodeError reports a malformed event envelope or payload. Consumers should
// drop the single offending event and keep the connection open.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wire: decode: %s: %v", e.Reason, e.Err)
	}
	return "wire: decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// envelope is the JSON wire shape shared by all data events. Field names
// follow the subscriber-facing API contract.
type envelope struct {
	Type         string `json:"type"`
	SessionID    string `json:"meetingId,omitempty"`
	SubscriberID string `json:"subscriberId,omitempty"`
	Status       string `json:"status,omitempty"`
	BotJoined    bool   `json:"botJoined,omitempty"`
	Format       string `json:"format,omitempty"`
	Data         string `json:"data,omitempty"`
	SampleRate   int    `json:"sampleRate,omitempty"`
	Channels     int    `json:"channels,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// EncodeEvent frames ev as one SSE data block ("data: <json>\n\n").
// The envelope layout is an exhaustive function of ev.Type.
func EncodeEvent(ev Event) ([]byte, error) {
	env := envelope{Type: string(ev.Type), Timestamp: ev.Timestamp}

	switch ev.Type {
	case EventConnected:
		env.SessionID = ev.SessionID
		env.SubscriberID = ev.SubscriberID
	case EventStatus:
		env.SessionID = ev.SessionID
		env.Status = ev.Status
		env.BotJoined = ev.BotJoined
	case EventAudio:
		if ev.Audio == nil {
			return nil, fmt.Errorf("wire: encode: audio event without frame")
		}
		env.Format = ev.Audio.Format
		env.Data = base64.StdEncoding.EncodeToString(ev.Audio.Payload)
		if ev.Audio.Format == FormatRawPCMF32 {
			env.SampleRate = ev.Audio.SampleRate
			env.Channels = ev.Audio.Channels
		}
		if env.Timestamp == 0 {
			env.Timestamp = ev.Audio.Timestamp
		}
	default:
		return nil, fmt.Errorf("wire: encode: unknown event type %q", ev.Type)
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: encode: marshal: %w", err)
	}

	out := make([]byte, 0, len(body)+8)
	out = append(out, "data: "...)
	out = append(out, body...)
	out = append(out, "\n\n"...)
	return out, nil
}

// Heartbeat returns the SSE comment block used to keep idle connections alive
// through intermediary network layers. Conforming clients must ignore it.
func Heartbeat() []byte {
	return []byte(": heartbeat\n\n")
}

// ErrUnknownEvent is returned by [DecodeData] for envelopes whose
// discriminator is not recognised. Callers must skip such events rather than
// fail; newer servers may emit types this client does not know.
var ErrUnknownEvent = fmt.Errorf("wire: unknown event type")

// DecodeData decodes the JSON payload of one SSE data line (the bytes after
// the "data: " prefix) into an [Event].
//
// Unknown discriminators return [ErrUnknownEvent]. Malformed JSON or corrupt
// base64 return a *[DecodeError]; the caller should drop the single event and
// keep reading.
func DecodeData(payload []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Event{}, &DecodeError{Reason: "malformed envelope", Err: err}
	}

	ev := Event{Type: EventType(env.Type), Timestamp: env.Timestamp}

	switch ev.Type {
	case EventConnected:
		ev.SessionID = env.SessionID
		ev.SubscriberID = env.SubscriberID
		return ev, nil

	case EventStatus:
		ev.SessionID = env.SessionID
		ev.Status = env.Status
		ev.BotJoined = env.BotJoined
		return ev, nil

	case EventAudio:
		raw, err := base64.StdEncoding.DecodeString(env.Data)
		if err != nil {
			return Event{}, &DecodeError{Reason: "corrupt base64 audio payload", Err: err}
		}
		frame := &AudioFrame{
			Format:     env.Format,
			Payload:    raw,
			SampleRate: env.SampleRate,
			Channels:   env.Channels,
			Timestamp:  env.Timestamp,
		}
		if frame.Format == "" {
			frame.Format = FormatEncoded
		}
		if frame.Format == FormatEncoded {
			if frame.SampleRate == 0 {
				frame.SampleRate = DefaultSampleRate
			}
			if frame.Channels == 0 {
				frame.Channels = DefaultChannels
			}
		}
		ev.Audio = frame
		return ev, nil

	default:
		return Event{}, ErrUnknownEvent
	}
}

// Now returns the current time in Unix milliseconds, the timestamp unit used
// on the wire.
func Now() int64 {
	return time.Now().UnixMilli()
}

// PCMF32Bytes serialises interleaved float32 samples as little-endian bytes,
// the raw-pcm-f32 payload layout.
func PCMF32Bytes(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// Float32Samples reinterprets a raw-pcm-f32 payload as interleaved float32
// samples. Returns a *[DecodeError] if the payload length is not a multiple
// of four bytes.
func Float32Samples(payload []byte) ([]float32, error) {
	if len(payload)%4 != 0 {
		return nil, &DecodeError{Reason: fmt.Sprintf("raw-pcm-f32 payload length %d is not sample aligned", len(payload))}
	}
	out := make([]float32, len(payload)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return out, nil
}
