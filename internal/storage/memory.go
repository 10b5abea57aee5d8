package storage

import (
	"context"
	"sync"
	"time"

	"ordernotify/internal/delivery"
)

// transition is a pure record update; see delivery.Apply*.
type transition func(cur delivery.Status, found bool) delivery.Status

func sentT(id string, at time.Time) transition {
	return func(cur delivery.Status, found bool) delivery.Status { return delivery.ApplySent(cur, found, id, at) }
}

func failedT(id, msg string, at time.Time) transition {
	return func(cur delivery.Status, found bool) delivery.Status {
		return delivery.ApplyFailed(cur, found, id, msg, at)
	}
}

func followUpT(id string, at time.Time) transition {
	return func(cur delivery.Status, found bool) delivery.Status {
		return delivery.ApplyFollowUpSent(cur, found, id, at)
	}
}

func readySentT(id string, at time.Time) transition {
	return func(cur delivery.Status, found bool) delivery.Status {
		return delivery.ApplyReadySent(cur, found, id, at)
	}
}

func readyFailedT(id, msg string, at time.Time) transition {
	return func(cur delivery.Status, found bool) delivery.Status {
		return delivery.ApplyReadyFailed(cur, found, id, msg, at)
	}
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	recs   map[string]delivery.Status
	closed bool
}

func NewMemory() *MemoryStore {
	return &MemoryStore{recs: map[string]delivery.Status{}}
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (delivery.Status, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return delivery.Status{}, false, ErrClosed
	}
	st, ok := m.recs[orderID]
	return st, ok, nil
}

func (m *MemoryStore) GetMany(_ context.Context, ids []string) (map[string]delivery.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make(map[string]delivery.Status, len(ids))
	for _, id := range ids {
		if st, ok := m.recs[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (m *MemoryStore) MarkSent(_ context.Context, id string, at time.Time) error {
	return m.apply(id, sentT(id, at))
}

func (m *MemoryStore) MarkFailed(_ context.Context, id, msg string, at time.Time) error {
	return m.apply(id, failedT(id, msg, at))
}

func (m *MemoryStore) MarkFollowUpSent(_ context.Context, id string, at time.Time) error {
	return m.apply(id, followUpT(id, at))
}

func (m *MemoryStore) MarkReadySent(_ context.Context, id string, at time.Time) error {
	return m.apply(id, readySentT(id, at))
}

func (m *MemoryStore) MarkReadyFailed(_ context.Context, id, msg string, at time.Time) error {
	return m.apply(id, readyFailedT(id, msg, at))
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) apply(id string, fn transition) error {
	if id == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cur, ok := m.recs[id]
	m.recs[id] = fn(cur, ok)
	return nil
}
