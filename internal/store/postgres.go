package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface check.
var _ Store = (*PGStore)(nil)

const ddlMeetings = `
CREATE TABLE IF NOT EXISTS meetings (
    id                       TEXT         PRIMARY KEY,
    meeting_number           TEXT         NOT NULL DEFAULT '',
    topic                    TEXT         NOT NULL DEFAULT '',
    status                   TEXT         NOT NULL DEFAULT 'scheduled',
    bot_joined               BOOLEAN      NOT NULL DEFAULT FALSE,
    assigned_subscriber_ids  TEXT[]       NOT NULL DEFAULT '{}',
    connected_subscriber_ids TEXT[]       NOT NULL DEFAULT '{}',
    start_time               TIMESTAMPTZ  NOT NULL DEFAULT now(),
    created_at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_meetings_status
    ON meetings (status);

CREATE INDEX IF NOT EXISTS idx_meetings_assigned
    ON meetings USING GIN (assigned_subscriber_ids);
`

const meetingColumns = `id, meeting_number, topic, status, bot_joined,
	assigned_subscriber_ids, connected_subscriber_ids, start_time, created_at`

// PGStore is a PostgreSQL-backed [Store] built on a single [pgxpool.Pool].
// All operations are safe for concurrent use.
//
// PostgreSQL has no push channel for row changes without extra triggers, so
// [PGStore.Watch] polls at a fixed cadence and emits a snapshot whenever
// status or bot_joined differ from the previously observed row.
type PGStore struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
}

// NewPGStore connects to the database at dsn, ensures the meetings table
// exists, and returns a ready store. pollInterval sets the [PGStore.Watch]
// cadence; zero or negative means one second.
func NewPGStore(ctx context.Context, dsn string, pollInterval time.Duration) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlMeetings); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg store: migrate: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &PGStore{pool: pool, pollInterval: pollInterval}, nil
}

// PutMeeting implements [Store].
func (s *PGStore) PutMeeting(ctx context.Context, m Meeting) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if m.StartTime.IsZero() {
		m.StartTime = m.CreatedAt
	}
	if m.Status == "" {
		m.Status = StatusScheduled
	}
	const q = `
		INSERT INTO meetings (` + meetingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
		    meeting_number           = EXCLUDED.meeting_number,
		    topic                    = EXCLUDED.topic,
		    status                   = EXCLUDED.status,
		    bot_joined               = EXCLUDED.bot_joined,
		    assigned_subscriber_ids  = EXCLUDED.assigned_subscriber_ids,
		    connected_subscriber_ids = EXCLUDED.connected_subscriber_ids,
		    start_time               = EXCLUDED.start_time`

	_, err := s.pool.Exec(ctx, q,
		m.ID,
		m.MeetingNumber,
		m.Topic,
		m.Status,
		m.BotJoined,
		m.AssignedSubscriberIDs,
		m.ConnectedSubscriberIDs,
		m.StartTime,
		m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pg store: put meeting: %w", err)
	}
	return nil
}

// GetMeeting implements [Store].
func (s *PGStore) GetMeeting(ctx context.Context, id string) (Meeting, error) {
	const q = `SELECT ` + meetingColumns + ` FROM meetings WHERE id = $1`
	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return Meeting{}, fmt.Errorf("pg store: get meeting: %w", err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMeeting)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("pg store: get meeting: %w", err)
	}
	return m, nil
}

// UpdateMeeting implements [Store].
func (s *PGStore) UpdateMeeting(ctx context.Context, id string, u Update) (Meeting, error) {
	const q = `
		UPDATE meetings SET
		    status     = COALESCE($2, status),
		    bot_joined = COALESCE($3, bot_joined),
		    topic      = COALESCE($4, topic)
		WHERE id = $1
		RETURNING ` + meetingColumns

	rows, err := s.pool.Query(ctx, q, id, u.Status, u.BotJoined, u.Topic)
	if err != nil {
		return Meeting{}, fmt.Errorf("pg store: update meeting: %w", err)
	}
	m, err := pgx.CollectExactlyOneRow(rows, scanMeeting)
	if errors.Is(err, pgx.ErrNoRows) {
		return Meeting{}, ErrNotFound
	}
	if err != nil {
		return Meeting{}, fmt.Errorf("pg store: update meeting: %w", err)
	}
	return m, nil
}

// AddListener implements [Store].
func (s *PGStore) AddListener(ctx context.Context, meetingID, subscriberID string) error {
	const q = `
		UPDATE meetings
		SET    connected_subscriber_ids = array_append(connected_subscriber_ids, $2)
		WHERE  id = $1
		  AND  NOT ($2 = ANY (connected_subscriber_ids))`

	if _, err := s.pool.Exec(ctx, q, meetingID, subscriberID); err != nil {
		return fmt.Errorf("pg store: add listener: %w", err)
	}
	return nil
}

// RemoveListener implements [Store].
func (s *PGStore) RemoveListener(ctx context.Context, meetingID, subscriberID string) error {
	const q = `
		UPDATE meetings
		SET    connected_subscriber_ids = array_remove(connected_subscriber_ids, $2)
		WHERE  id = $1`

	if _, err := s.pool.Exec(ctx, q, meetingID, subscriberID); err != nil {
		return fmt.Errorf("pg store: remove listener: %w", err)
	}
	return nil
}

// ListAssigned implements [Store].
func (s *PGStore) ListAssigned(ctx context.Context, subscriberID string) ([]Meeting, error) {
	const q = `SELECT ` + meetingColumns + ` FROM meetings WHERE $1 = ANY (assigned_subscriber_ids)`
	rows, err := s.pool.Query(ctx, q, subscriberID)
	if err != nil {
		return nil, fmt.Errorf("pg store: list assigned: %w", err)
	}
	ms, err := pgx.CollectRows(rows, scanMeeting)
	if err != nil {
		return nil, fmt.Errorf("pg store: list assigned: %w", err)
	}
	return ms, nil
}

// Watch implements [Store] by polling the row at the configured cadence and
// emitting a snapshot whenever status or bot_joined change.
func (s *PGStore) Watch(ctx context.Context, meetingID string) (<-chan Meeting, error) {
	last, err := s.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, err
	}

	out := make(chan Meeting, 4)
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			m, err := s.GetMeeting(ctx, meetingID)
			if err != nil {
				// Deleted rows and transient errors alike end the watch
				// only on ErrNotFound; otherwise retry next tick.
				if errors.Is(err, ErrNotFound) {
					return
				}
				continue
			}
			if m.Status != last.Status || m.BotJoined != last.BotJoined {
				last = m
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ping implements [Store].
func (s *PGStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [Store]. It releases all pooled connections.
func (s *PGStore) Close() {
	s.pool.Close()
}

// scanMeeting scans one meetings row.
func scanMeeting(row pgx.CollectableRow) (Meeting, error) {
	var m Meeting
	err := row.Scan(
		&m.ID,
		&m.MeetingNumber,
		&m.Topic,
		&m.Status,
		&m.BotJoined,
		&m.AssignedSubscriberIDs,
		&m.ConnectedSubscriberIDs,
		&m.StartTime,
		&m.CreatedAt,
	)
	return m, err
}
