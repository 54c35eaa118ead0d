// Package listener is the client side of the relay's SSE stream. It opens
// the stream for one meeting/subscriber pair and turns the framed blocks
// back into events.
//
// Unknown event discriminators are skipped so the client keeps working
// against newer servers. A corrupt frame is dropped and logged without
// closing the stream.
package listener

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// Stream is one open listener connection. Receive events from [Stream.Events]
// until it closes, then check [Stream.Err].
type Stream struct {
	events chan wire.Event
	cancel context.CancelFunc
	body   interface{ Close() error }

	errCh chan error
	err   error
}

// Dial opens the SSE stream for meetingID/subscriberID against the relay at
// baseURL. A nil client uses [http.DefaultClient]. The returned stream
// stays open until ctx is done, [Stream.Close] is called, or the server
// drops the connection.
func Dial(ctx context.Context, client *http.Client, baseURL, meetingID, subscriberID string) (*Stream, error) {
	if client == nil {
		client = http.DefaultClient
	}

	q := url.Values{}
	q.Set("meetingId", meetingID)
	q.Set("subscriberId", subscriberID)
	streamURL := strings.TrimRight(baseURL, "/") + "/api/stream/sse?" + q.Encode()

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listener: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("listener: open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("listener: server answered %s", resp.Status)
	}

	s := &Stream{
		events: make(chan wire.Event, 16),
		cancel: cancel,
		body:   resp.Body,
		errCh:  make(chan error, 1),
	}
	go s.read(ctx, bufio.NewReader(resp.Body))
	return s, nil
}

// Events returns the event channel. It is closed when the stream ends.
func (s *Stream) Events() <-chan wire.Event { return s.events }

// Err reports why the stream ended. It is valid once [Stream.Events] has
// closed and returns nil for a deliberate Close.
func (s *Stream) Err() error {
	select {
	case err := <-s.errCh:
		s.err = err
	default:
	}
	return s.err
}

// Close tears the connection down. Safe to call more than once.
func (s *Stream) Close() {
	s.cancel()
	s.body.Close()
}

// read assembles SSE blocks line by line. Per the SSE framing rules a
// block's payload is the concatenation of its data lines, dispatched on
// the first blank line; comment lines keep the connection warm and carry
// nothing.
func (s *Stream) read(ctx context.Context, br *bufio.Reader) {
	defer close(s.events)

	var data []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				s.errCh <- fmt.Errorf("listener: stream ended: %w", err)
			}
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, ":"):
			// Heartbeat.
			continue
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		case line == "":
			if len(data) == 0 {
				continue
			}
			ev, err := wire.DecodeData(data)
			data = nil
			if errors.Is(err, wire.ErrUnknownEvent) {
				continue
			}
			if err != nil {
				slog.Warn("corrupt frame dropped", "error", err)
				continue
			}
			select {
			case s.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
