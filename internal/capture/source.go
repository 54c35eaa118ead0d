// Package capture runs the agent that sits near a meeting, pulls its audio,
// and posts chunks to the relay's ingestion endpoint.
//
// The agent watches the meeting record: when the meeting goes live it opens
// its audio [Source], marks the record bot-joined, and starts the capture
// loop; when the meeting leaves the live state it closes the source and
// clears the flag. A source that cannot be opened aborts that activation;
// the agent waits for the next live transition instead of retrying.
package capture

import "context"

// Chunk is one slice of captured audio.
type Chunk struct {
	// Data is the chunk payload. For PCM formats it is interleaved
	// little-endian float32 samples.
	Data []byte

	// Format names the payload encoding, one of the wire format constants.
	Format string

	// SampleRate and Channels describe PCM payloads. Zero for opaque
	// encoded chunks.
	SampleRate int
	Channels   int
}

// Source produces audio chunks for a single meeting.
type Source interface {
	// Read blocks until the next chunk is available or ctx is done.
	Read(ctx context.Context) (Chunk, error)

	// Close releases the source. Read calls after Close fail.
	Close() error
}

// Error marks a failure to acquire or read meeting audio. An Error during
// activation aborts the activation without retry.
type Error struct {
	Stage string // "open", "read"
	Err   error
}

func (e *Error) Error() string {
	return "capture: " + e.Stage + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }
