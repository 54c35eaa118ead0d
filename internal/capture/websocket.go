package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// maxChunkBytes bounds a single gateway message. A one-second chunk of
// stereo 48 kHz float32 PCM is under 400 KiB; anything past 1 MiB is a
// misbehaving gateway.
const maxChunkBytes = 1 << 20

// WSSource pulls audio chunks from a websocket media gateway. Each binary
// message from the gateway is one opaque encoded chunk, forwarded as-is.
type WSSource struct {
	conn *websocket.Conn
}

// DialWS connects to the media gateway at gatewayURL. Connection failures
// come back as a capture [Error] so the agent aborts the activation.
func DialWS(ctx context.Context, gatewayURL string) (*WSSource, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, gatewayURL, nil)
	if err != nil {
		return nil, &Error{Stage: "open", Err: fmt.Errorf("dial %s: %w", gatewayURL, err)}
	}
	conn.SetReadLimit(maxChunkBytes)
	return &WSSource{conn: conn}, nil
}

// Read implements [Source]. It blocks until the gateway delivers the next
// binary message. Text messages are skipped.
func (s *WSSource) Read(ctx context.Context) (Chunk, error) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			return Chunk{}, &Error{Stage: "read", Err: err}
		}
		if typ != websocket.MessageBinary {
			continue
		}
		return Chunk{Data: data, Format: wire.FormatEncoded}, nil
	}
}

// Close implements [Source].
func (s *WSSource) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "capture stopped")
}
