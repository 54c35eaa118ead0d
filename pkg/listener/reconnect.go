package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/KAUSHALDIXITDUMMYy/zoom-audio-relay/pkg/wire"
)

// Default redial parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// RedialerConfig configures a [Redialer].
type RedialerConfig struct {
	// Client is the HTTP client used for stream connections. Nil means
	// [http.DefaultClient].
	Client *http.Client

	// BaseURL, MeetingID, and SubscriberID identify the stream, as in [Dial].
	BaseURL      string
	MeetingID    string
	SubscriberID string

	// MaxRetries is the number of consecutive failed dials before giving
	// up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial delay between redials. Doubles each attempt
	// up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the redial delay. Defaults to 30s
	// if zero.
	MaxBackoff time.Duration
}

// Redialer keeps a listener stream alive across server restarts and
// network drops. Each time the stream ends it redials with exponential
// backoff; a successful connection resets the backoff.
type Redialer struct {
	client       *http.Client
	baseURL      string
	meetingID    string
	subscriberID string
	maxRetries   int
	backoff      time.Duration
	maxBackoff   time.Duration
}

// NewRedialer creates a [Redialer] with the given configuration.
func NewRedialer(cfg RedialerConfig) *Redialer {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Redialer{
		client:       cfg.Client,
		baseURL:      cfg.BaseURL,
		meetingID:    cfg.MeetingID,
		subscriberID: cfg.SubscriberID,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
	}
}

// Run dials the stream and feeds every event to handle until ctx is done.
// When the stream drops it redials with backoff. Run returns nil when ctx
// ends and an error when MaxRetries consecutive dials fail.
func (r *Redialer) Run(ctx context.Context, handle func(wire.Event)) error {
	currentBackoff := r.backoff
	failures := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		s, err := Dial(ctx, r.client, r.baseURL, r.meetingID, r.subscriberID)
		if err != nil {
			failures++
			if failures >= r.maxRetries {
				return fmt.Errorf("listener: giving up after %d failed dials: %w", failures, err)
			}
			slog.Warn("stream dial failed, backing off",
				"meeting_id", r.meetingID,
				"attempt", failures,
				"backoff", currentBackoff,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(currentBackoff):
			}
			currentBackoff = min(currentBackoff*2, r.maxBackoff)
			continue
		}

		failures = 0
		currentBackoff = r.backoff

		for ev := range s.Events() {
			handle(ev)
		}
		s.Close()

		if ctx.Err() != nil {
			return nil
		}
		slog.Info("stream ended, redialing",
			"meeting_id", r.meetingID,
			"error", s.Err(),
		)
	}
}
