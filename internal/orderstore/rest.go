package orderstore

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"ordernotify/internal/order"
	"ordernotify/internal/postgrest"
)

// REST reads orders through PostgREST.
type REST struct {
	c       *postgrest.Client
	table   string
	loyalty string
}

func NewREST(cfg Config, hc *http.Client) (*REST, error) {
	c, err := postgrest.New(postgrest.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}, hc)
	if err != nil {
		return nil, err
	}
	return &REST{c: c, table: cfg.table(), loyalty: cfg.loyaltyTable()}, nil
}

func (r *REST) Latest(ctx context.Context, limit int) ([]order.Order, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "created_at.desc")
	q.Set("limit", strconv.Itoa(max(1, limit)))
	var out []order.Order
	if err := r.c.Select(ctx, r.table, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *REST) Since(ctx context.Context, threshold time.Time) ([]order.Order, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("created_at", "gte."+threshold.UTC().Format(time.RFC3339))
	q.Set("order", "created_at.asc")
	var out []order.Order
	if err := r.c.Select(ctx, r.table, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *REST) WithStatus(ctx context.Context, st order.Status, threshold time.Time) ([]order.Order, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("status", "eq."+string(st))
	q.Set("created_at", "gte."+threshold.UTC().Format(time.RFC3339))
	q.Set("order", "created_at.asc")
	var out []order.Order
	if err := r.c.Select(ctx, r.table, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *REST) Loyalty(ctx context.Context, phone string) (order.Loyalty, bool, error) {
	q := url.Values{}
	q.Set("select", "customer_phone,soufflet_count,pizza_count,total_purchases")
	q.Set("customer_phone", "eq."+phone)
	q.Set("limit", "1")
	var out []order.Loyalty
	if err := r.c.Select(ctx, r.loyalty, q, &out); err != nil {
		return order.Loyalty{}, false, err
	}
	if len(out) == 0 {
		return order.Loyalty{}, false, nil
	}
	return out[0], true, nil
}

func (r *REST) Get(ctx context.Context, id string) (order.Order, bool, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)
	q.Set("limit", "1")
	var out []order.Order
	if err := r.c.Select(ctx, r.table, q, &out); err != nil {
		return order.Order{}, false, err
	}
	if len(out) == 0 {
		return order.Order{}, false, nil
	}
	return out[0], true, nil
}
