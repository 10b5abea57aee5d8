// Package channel delivers texts and images to a single recipient over a
// one-to-one messaging service.
//
// A Session owns exactly one Driver handle. Callers acquire an exclusive
// Lease for every send, so at most one send is in flight at a time.
package channel

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrClosed = errors.New("channel session closed")
	ErrLeased = errors.New("channel lease already released")
)

// Sender is the two-operation delivery contract. A nil error means the
// message was accepted by the service; every error is retryable.
type Sender interface {
	Send(ctx context.Context, recipient, text string) error
	SendImage(ctx context.Context, recipient, path, caption string) error
}

// Driver is a Sender backed by a stateful connection.
type Driver interface {
	Sender
	Name() string
	// Open authenticates the handle. A failure is fatal at start-up.
	Open(ctx context.Context) error
	Close() error
}

// Session is the process-wide owner of one Driver handle.
type Session struct {
	drv  Driver
	slot chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open opens drv and wraps it in a Session.
func Open(ctx context.Context, drv Driver) (*Session, error) {
	if drv == nil {
		return nil, errors.New("channel: nil driver")
	}
	if err := drv.Open(ctx); err != nil {
		_ = drv.Close()
		return nil, err
	}
	s := &Session{drv: drv, slot: make(chan struct{}, 1)}
	s.slot <- struct{}{}
	return s, nil
}

func (s *Session) Name() string { return s.drv.Name() }

// Acquire blocks until the handle is free or ctx is done.
func (s *Session) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.slot:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.slot <- struct{}{}
		return nil, ErrClosed
	}
	return &Lease{s: s}, nil
}

// Close waits for the current lease (if any) and closes the handle.
// Further Acquire calls return ErrClosed.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case <-s.slot:
		defer func() { s.slot <- struct{}{} }()
	case <-ctx.Done():
		// A send is still running past the deadline; close anyway.
	}
	return s.drv.Close()
}

// Lease grants exclusive use of the session's handle until Release.
type Lease struct {
	s    *Session
	once sync.Once
	done bool
}

func (l *Lease) Send(ctx context.Context, recipient, text string) error {
	if l.done {
		return ErrLeased
	}
	return l.s.drv.Send(ctx, recipient, text)
}

func (l *Lease) SendImage(ctx context.Context, recipient, path, caption string) error {
	if l.done {
		return ErrLeased
	}
	return l.s.drv.SendImage(ctx, recipient, path, caption)
}

// Release returns the handle to the session. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.done = true
		l.s.slot <- struct{}{}
	})
}
