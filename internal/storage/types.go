package storage

import (
	"context"
	"errors"
	"time"

	"ordernotify/internal/delivery"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures the status store.
//
// If Driver is empty it defaults to "file".
type Config struct {
	Driver string
	// Path is the file or sqlite database path.
	Path string
	// DSN is the postgres connection string.
	DSN   string
	Table string

	BusyTimeout time.Duration // sqlite only; 0 means default

	// REST driver.
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func (c Config) table() string {
	if c.Table == "" {
		return "order_notifications"
	}
	return c.Table
}

// StatusStore is the delivery bookkeeping API used by the dispatcher and sweeper.
//
// MarkSent is idempotent on Sent; every Mark* call is an upsert keyed by order id.
type StatusStore interface {
	Get(ctx context.Context, orderID string) (delivery.Status, bool, error)
	GetMany(ctx context.Context, orderIDs []string) (map[string]delivery.Status, error)

	MarkSent(ctx context.Context, orderID string, at time.Time) error
	MarkFailed(ctx context.Context, orderID, errMsg string, at time.Time) error
	MarkFollowUpSent(ctx context.Context, orderID string, at time.Time) error
	MarkReadySent(ctx context.Context, orderID string, at time.Time) error
	MarkReadyFailed(ctx context.Context, orderID, errMsg string, at time.Time) error

	Close() error
}
