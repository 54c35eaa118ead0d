package store

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Records are lost on restart. Suitable
// for single-process deployments and tests.
type MemStore struct {
	mu       sync.RWMutex
	meetings map[string]Meeting
	watchers map[string][]chan Meeting
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		meetings: make(map[string]Meeting),
		watchers: make(map[string][]chan Meeting),
	}
}

// PutMeeting implements [Store].
func (s *MemStore) PutMeeting(_ context.Context, m Meeting) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.mu.Lock()
	s.meetings[m.ID] = m
	s.mu.Unlock()
	s.notify(m)
	return nil
}

// GetMeeting implements [Store].
func (s *MemStore) GetMeeting(_ context.Context, id string) (Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.meetings[id]
	if !ok {
		return Meeting{}, ErrNotFound
	}
	return m, nil
}

// UpdateMeeting implements [Store].
func (s *MemStore) UpdateMeeting(_ context.Context, id string, u Update) (Meeting, error) {
	s.mu.Lock()
	m, ok := s.meetings[id]
	if !ok {
		s.mu.Unlock()
		return Meeting{}, ErrNotFound
	}
	changed := false
	if u.Status != nil && m.Status != *u.Status {
		m.Status = *u.Status
		changed = true
	}
	if u.BotJoined != nil && m.BotJoined != *u.BotJoined {
		m.BotJoined = *u.BotJoined
		changed = true
	}
	if u.Topic != nil {
		m.Topic = *u.Topic
	}
	s.meetings[id] = m
	s.mu.Unlock()

	if changed {
		s.notify(m)
	}
	return m, nil
}

// AddListener implements [Store].
func (s *MemStore) AddListener(_ context.Context, meetingID, subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(m.ConnectedSubscriberIDs, subscriberID) {
		m.ConnectedSubscriberIDs = append(slices.Clone(m.ConnectedSubscriberIDs), subscriberID)
		s.meetings[meetingID] = m
	}
	return nil
}

// RemoveListener implements [Store].
func (s *MemStore) RemoveListener(_ context.Context, meetingID, subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[meetingID]
	if !ok {
		return ErrNotFound
	}
	if i := slices.Index(m.ConnectedSubscriberIDs, subscriberID); i >= 0 {
		m.ConnectedSubscriberIDs = slices.Delete(slices.Clone(m.ConnectedSubscriberIDs), i, i+1)
		s.meetings[meetingID] = m
	}
	return nil
}

// ListAssigned implements [Store].
func (s *MemStore) ListAssigned(_ context.Context, subscriberID string) ([]Meeting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Meeting
	for _, m := range s.meetings {
		if m.Assigned(subscriberID) {
			out = append(out, m)
		}
	}
	return out, nil
}

// Watch implements [Store]. Change notifications are delivered with a
// small buffer; a watcher that falls behind misses intermediate snapshots
// but always observes the latest state eventually.
func (s *MemStore) Watch(ctx context.Context, meetingID string) (<-chan Meeting, error) {
	s.mu.Lock()
	if _, ok := s.meetings[meetingID]; !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	ch := make(chan Meeting, 4)
	s.watchers[meetingID] = append(s.watchers[meetingID], ch)
	s.mu.Unlock()

	out := make(chan Meeting, 4)
	go func() {
		defer close(out)
		defer s.dropWatcher(meetingID, ch)
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-ch:
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

func (s *MemStore) dropWatcher(meetingID string, ch chan Meeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.watchers[meetingID]
	for i, w := range ws {
		if w == ch {
			s.watchers[meetingID] = slices.Delete(ws, i, i+1)
			break
		}
	}
	if len(s.watchers[meetingID]) == 0 {
		delete(s.watchers, meetingID)
	}
}

// notify fans a snapshot out to watchers. Slow watchers are skipped after
// draining their stalest pending snapshot, so the channel always holds the
// most recent state.
func (s *MemStore) notify(m Meeting) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.watchers[m.ID] {
		select {
		case ch <- m:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- m:
			default:
			}
		}
	}
}

// Ping implements [Store]. The in-memory store is always reachable.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (s *MemStore) Close() {}
