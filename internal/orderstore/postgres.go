package orderstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"ordernotify/internal/order"
	logx "ordernotify/pkg/logx"
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Postgres reads the orders table directly.
type Postgres struct {
	pool    *pgxpool.Pool
	table   string
	loyalty string
	log     logx.Logger
}

func OpenPostgres(ctx context.Context, cfg Config, log logx.Logger) (*Postgres, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("orders.dsn is required for postgres driver")
	}
	table := cfg.table()
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid orders table %q", table)
	}
	loyalty := cfg.loyaltyTable()
	if !identRe.MatchString(loyalty) {
		return nil, fmt.Errorf("invalid loyalty table %q", loyalty)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("orders ping: %w", err)
	}
	return &Postgres{pool: pool, table: table, loyalty: loyalty, log: log}, nil
}

func (p *Postgres) Close() {
	if p != nil && p.pool != nil {
		p.pool.Close()
	}
}

const orderColumns = `id::text, order_number::text, customer_name, customer_phone, customer_address,
	customer_notes, items::text, total::text, order_type, status, created_at, loyalty_card_image_url`

func (p *Postgres) Latest(ctx context.Context, limit int) ([]order.Order, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM `+p.table+` ORDER BY created_at DESC LIMIT $1`, max(1, limit))
	if err != nil {
		return nil, err
	}
	return p.collect(rows)
}

func (p *Postgres) Since(ctx context.Context, threshold time.Time) ([]order.Order, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM `+p.table+` WHERE created_at >= $1 ORDER BY created_at ASC`, threshold)
	if err != nil {
		return nil, err
	}
	return p.collect(rows)
}

func (p *Postgres) WithStatus(ctx context.Context, st order.Status, threshold time.Time) ([]order.Order, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM `+p.table+` WHERE lower(status) = $1 AND created_at >= $2 ORDER BY created_at ASC`,
		string(st), threshold)
	if err != nil {
		return nil, err
	}
	return p.collect(rows)
}

func (p *Postgres) Loyalty(ctx context.Context, phone string) (order.Loyalty, bool, error) {
	l := order.Loyalty{CustomerPhone: phone}
	err := p.pool.QueryRow(ctx,
		`SELECT coalesce(soufflet_count, 0), coalesce(pizza_count, 0), coalesce(total_purchases, 0)
		FROM `+p.loyalty+` WHERE customer_phone = $1 LIMIT 1`, phone,
	).Scan(&l.SouffletCount, &l.PizzaCount, &l.TotalPurchases)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Loyalty{}, false, nil
	}
	if err != nil {
		return order.Loyalty{}, false, err
	}
	return l, true, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (order.Order, bool, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM `+p.table+` WHERE id::text = $1 LIMIT 1`, id)
	if err != nil {
		return order.Order{}, false, err
	}
	out, err := p.collect(rows)
	if err != nil || len(out) == 0 {
		return order.Order{}, false, err
	}
	return out[0], true, nil
}

func (p *Postgres) collect(rows pgx.Rows) ([]order.Order, error) {
	defer rows.Close()
	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		id                                         string
		number, name, phone, address, notes, items *string
		total, typ, status, loyalty                *string
		createdAt                                  time.Time
	)
	if err := row.Scan(&id, &number, &name, &phone, &address, &notes, &items, &total, &typ, &status, &createdAt, &loyalty); err != nil {
		return order.Order{}, err
	}
	o := order.Order{
		ID:                  id,
		Number:              str(number),
		CustomerName:        str(name),
		CustomerPhone:       str(phone),
		CustomerAddress:     str(address),
		CustomerNotes:       str(notes),
		Type:                order.ParseType(str(typ)),
		Status:              order.Status(strings.ToLower(str(status))),
		CreatedAt:           createdAt,
		LoyaltyCardImageURL: str(loyalty),
	}
	if t := str(total); t != "" {
		d, err := decimal.NewFromString(t)
		if err != nil {
			return order.Order{}, fmt.Errorf("order %s total %q: %w", id, t, err)
		}
		o.Total = d
	}
	if items != nil {
		its, err := order.DecodeItems([]byte(*items))
		if err != nil {
			return order.Order{}, fmt.Errorf("order %s items: %w", id, err)
		}
		o.Items = its
	}
	return o, nil
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
