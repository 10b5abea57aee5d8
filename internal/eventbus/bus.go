// Package eventbus fans delivery events out to optional observers (the
// AMQP forwarder, the ops status page) without coupling them to the loop.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the dispatcher and the sweeper.
const (
	TypeDeliverySent      = "delivery.sent"
	TypeDeliveryFailed    = "delivery.failed"
	TypeDeliverySkipped   = "delivery.skipped"
	TypeFollowUpSent      = "delivery.follow_up_sent"
	TypeReadySent         = "delivery.ready_sent"
	TypeReadyFailed       = "delivery.ready_failed"
	TypeRecoveryCompleted = "recovery.completed"
)

// Event is a small, JSON-serializable signal.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Delivery is the payload of delivery.* events.
type Delivery struct {
	RunID       string `json:"run_id,omitempty"`
	OrderID     string `json:"order_id"`
	OrderNumber string `json:"order_number,omitempty"`
	Origin      string `json:"origin,omitempty"` // poll | recovery
	Error       string `json:"error,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Nop is a Bus that drops everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Unsubscribe takes the write lock before closing, so sends under the
	// read lock never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
}

// Dropped reports how many events were discarded for slow subscribers.
func Dropped(b Bus) uint64 {
	if mb, ok := b.(*memBus); ok {
		return mb.dropped.Load()
	}
	return 0
}
