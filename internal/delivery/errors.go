package delivery

import (
	"errors"
	"fmt"
)

// Kind classifies a failure observed while handling a single order.
//
// None of the kinds is fatal to the loop; they only decide how a failure is
// logged and counted.
type Kind string

const (
	KindUnknown            Kind = "unknown"
	KindTransient          Kind = "transient"
	KindChannelUnavailable Kind = "channel_unavailable"
	KindMalformedOrder     Kind = "malformed_order"
	KindPersistence        Kind = "persistence"
)

var (
	ErrNoRecipient    = errors.New("order has no usable recipient phone")
	ErrMalformedOrder = errors.New("malformed order")
)

// Wrap tags err with kind. A nil err stays nil.
//
// Example:
//
//	return delivery.Wrap(delivery.KindTransient, fmt.Errorf("list orders: %w", err))
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return kindError{kind: kind, err: err}
}

// KindOf returns the outermost kind attached to err, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e kindError
	if errors.As(err, &e) {
		return e.kind
	}
	if errors.Is(err, ErrMalformedOrder) {
		return KindMalformedOrder
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

type kindError struct {
	kind Kind
	err  error
}

func (e kindError) Error() string { return fmt.Sprintf("%s: %v", e.kind, e.err) }
func (e kindError) Unwrap() error { return e.err }
