// Package store persists meeting records: which meetings exist, their
// lifecycle status, which subscribers are assigned to hear them, and which
// are currently connected.
//
// Two backends are provided: [MemStore] for single-process deployments and
// tests, and [PGStore] backed by PostgreSQL for deployments that must
// survive restarts. Both satisfy [Store].
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a meeting ID has no record.
var ErrNotFound = errors.New("store: meeting not found")

// Meeting lifecycle states.
const (
	StatusScheduled = "scheduled"
	StatusLive      = "live"
	StatusEnded     = "ended"
)

// Meeting is a single meeting record.
type Meeting struct {
	// ID is the session identifier used throughout the relay.
	ID string

	// MeetingNumber is the numeric meeting identifier used by the
	// conferencing SDK when joining.
	MeetingNumber string

	// Topic is the human-readable meeting title.
	Topic string

	// Status is one of [StatusScheduled], [StatusLive], [StatusEnded].
	Status string

	// BotJoined reports whether a capture agent is attached and publishing.
	BotJoined bool

	// AssignedSubscriberIDs lists subscribers entitled to hear this meeting.
	AssignedSubscriberIDs []string

	// ConnectedSubscriberIDs lists subscribers with an open listener stream.
	ConnectedSubscriberIDs []string

	// StartTime is the scheduled start.
	StartTime time.Time

	// CreatedAt is when the record was first written.
	CreatedAt time.Time
}

// Assigned reports whether subscriberID is entitled to hear the meeting.
func (m Meeting) Assigned(subscriberID string) bool {
	for _, id := range m.AssignedSubscriberIDs {
		if id == subscriberID {
			return true
		}
	}
	return false
}

// Update is a partial meeting update. Nil fields are left unchanged.
type Update struct {
	Status    *string
	BotJoined *bool
	Topic     *string
}

// Store is the meeting record persistence interface. All methods are safe
// for concurrent use.
type Store interface {
	// PutMeeting creates or replaces a meeting record. A zero CreatedAt
	// is stamped with the current time.
	PutMeeting(ctx context.Context, m Meeting) error

	// GetMeeting returns the record for id, or [ErrNotFound].
	GetMeeting(ctx context.Context, id string) (Meeting, error)

	// UpdateMeeting applies a partial update and returns the resulting
	// record, or [ErrNotFound].
	UpdateMeeting(ctx context.Context, id string, u Update) (Meeting, error)

	// AddListener records subscriberID as connected to the meeting.
	// Adding an already-connected subscriber is a no-op.
	AddListener(ctx context.Context, meetingID, subscriberID string) error

	// RemoveListener removes subscriberID from the connected set.
	// Removing an absent subscriber is a no-op.
	RemoveListener(ctx context.Context, meetingID, subscriberID string) error

	// ListAssigned returns every meeting whose assigned set contains
	// subscriberID, in no particular order.
	ListAssigned(ctx context.Context, subscriberID string) ([]Meeting, error)

	// Watch delivers a snapshot of the meeting on every status or
	// BotJoined change until ctx is cancelled, at which point the channel
	// is closed. The meeting must exist when Watch is called.
	Watch(ctx context.Context, meetingID string) (<-chan Meeting, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close()
}
