package orderstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"ordernotify/internal/order"
)

// Memory is an in-process Source. Tests and local dry runs feed it directly.
type Memory struct {
	mu      sync.Mutex
	orders  map[string]order.Order
	loyalty map[string]order.Loyalty
	err     error
	calls   int
}

func NewMemory(orders ...order.Order) *Memory {
	m := &Memory{orders: map[string]order.Order{}, loyalty: map[string]order.Loyalty{}}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

// Put inserts or replaces an order.
func (m *Memory) Put(o order.Order) {
	m.mu.Lock()
	m.orders[o.ID] = o
	m.mu.Unlock()
}

// PutLoyalty stores a stamp card under l.CustomerPhone.
func (m *Memory) PutLoyalty(l order.Loyalty) {
	m.mu.Lock()
	m.loyalty[l.CustomerPhone] = l
	m.mu.Unlock()
}

// SetStatus changes the status of an existing order.
func (m *Memory) SetStatus(id string, st order.Status) {
	m.mu.Lock()
	if o, ok := m.orders[id]; ok {
		o.Status = st
		m.orders[id] = o
	}
	m.mu.Unlock()
}

// FailWith makes every following call return err until cleared with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

// Calls reports how many reads were served.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *Memory) Latest(_ context.Context, limit int) ([]order.Order, error) {
	all, err := m.sorted()
	if err != nil {
		return nil, err
	}
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) Since(_ context.Context, threshold time.Time) ([]order.Order, error) {
	all, err := m.sorted()
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		if !o.CreatedAt.Before(threshold) {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) WithStatus(ctx context.Context, st order.Status, threshold time.Time) ([]order.Order, error) {
	all, err := m.Since(ctx, threshold)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, o := range all {
		if o.Status == st {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *Memory) Loyalty(_ context.Context, phone string) (order.Loyalty, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return order.Loyalty{}, false, m.err
	}
	l, ok := m.loyalty[phone]
	return l, ok, nil
}

func (m *Memory) Get(_ context.Context, id string) (order.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return order.Order{}, false, m.err
	}
	o, ok := m.orders[id]
	return o, ok, nil
}

func (m *Memory) sorted() ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]order.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
