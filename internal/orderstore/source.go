// Package orderstore reads orders from the external order store.
//
// The store is owned by another system; this package never writes to it.
package orderstore

import (
	"context"
	"errors"
	"strings"
	"time"

	"ordernotify/internal/order"
	logx "ordernotify/pkg/logx"
)

// Source is the read side of the order store.
type Source interface {
	// Latest returns up to limit orders, newest first.
	Latest(ctx context.Context, limit int) ([]order.Order, error)
	// Since returns every order created at or after threshold, oldest first.
	Since(ctx context.Context, threshold time.Time) ([]order.Order, error)
	// WithStatus returns orders in status st created at or after threshold,
	// oldest first.
	WithStatus(ctx context.Context, st order.Status, threshold time.Time) ([]order.Order, error)
	// Get returns a single order by id.
	Get(ctx context.Context, id string) (order.Order, bool, error)
}

// LoyaltySource looks up a customer's stamp card by phone. The REST,
// Postgres and Memory sources implement it.
type LoyaltySource interface {
	Loyalty(ctx context.Context, phone string) (order.Loyalty, bool, error)
}

type Config struct {
	// Driver is "rest" (PostgREST/Supabase), "postgres" or "memory".
	Driver  string
	BaseURL string
	APIKey  string
	DSN     string
	Table   string
	// LoyaltyTable holds the stamp cards. Default loyalty_points.
	LoyaltyTable string
	Timeout      time.Duration
}

func (c Config) table() string {
	if strings.TrimSpace(c.Table) == "" {
		return "orders"
	}
	return strings.TrimSpace(c.Table)
}

func (c Config) loyaltyTable() string {
	if strings.TrimSpace(c.LoyaltyTable) == "" {
		return "loyalty_points"
	}
	return strings.TrimSpace(c.LoyaltyTable)
}

// Open builds the configured source. The returned close func is never nil.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Source, func(), error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "rest", "postgrest", "supabase":
		src, err := NewREST(cfg, nil)
		if err != nil {
			return nil, func() {}, err
		}
		return src, func() {}, nil
	case "postgres", "postgresql", "pgx":
		src, err := OpenPostgres(ctx, cfg, log)
		if err != nil {
			return nil, func() {}, err
		}
		return src, src.Close, nil
	case "memory":
		return NewMemory(), func() {}, nil
	default:
		return nil, func() {}, errors.New("unknown order store driver: " + cfg.Driver)
	}
}
