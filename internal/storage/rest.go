package storage

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"ordernotify/internal/delivery"
	"ordernotify/internal/postgrest"
	logx "ordernotify/pkg/logx"
)

// restStore keeps records in a PostgREST collection.
//
// PostgREST has no atomic increment, so each Mark* reads the row, applies the
// transition and upserts with on_conflict=order_id. mu serializes that
// sequence inside this process; merge-duplicates keeps one row per order.
type restStore struct {
	c     *postgrest.Client
	table string
	log   logx.Logger

	mu sync.Mutex
}

type restRow struct {
	OrderID       string `json:"order_id"`
	Sent          bool   `json:"sent"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt int64  `json:"last_attempt_at"`
	LastError     string `json:"last_error"`
	FollowUpSent  bool   `json:"follow_up_sent"`
	ReadySent     bool   `json:"ready_sent"`
	ReadyAttempts int    `json:"ready_attempts"`
	CreatedAt     int64  `json:"created_at"`
}

func openREST(cfg Config, log logx.Logger) (StatusStore, error) {
	c, err := postgrest.New(postgrest.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout}, nil)
	if err != nil {
		return nil, err
	}
	return newRESTStore(c, cfg.table(), log), nil
}

func newRESTStore(c *postgrest.Client, table string, log logx.Logger) *restStore {
	return &restStore{c: c, table: table, log: log}
}

func (s *restStore) Close() error { return nil }

func (s *restStore) Get(ctx context.Context, orderID string) (delivery.Status, bool, error) {
	q := url.Values{}
	q.Set("order_id", "eq."+orderID)
	q.Set("limit", "1")
	var rows []restRow
	if err := s.c.Select(ctx, s.table, q, &rows); err != nil {
		return delivery.Status{}, false, err
	}
	if len(rows) == 0 {
		return delivery.Status{}, false, nil
	}
	return rows[0].status(), true, nil
}

func (s *restStore) GetMany(ctx context.Context, ids []string) (map[string]delivery.Status, error) {
	out := make(map[string]delivery.Status, len(ids))
	const chunk = 100
	for start := 0; start < len(ids); start += chunk {
		end := min(start+chunk, len(ids))
		q := url.Values{}
		q.Set("order_id", postgrest.In(ids[start:end]))
		var rows []restRow
		if err := s.c.Select(ctx, s.table, q, &rows); err != nil {
			return nil, err
		}
		for _, r := range rows {
			out[r.OrderID] = r.status()
		}
	}
	return out, nil
}

func (s *restStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.apply(ctx, id, sentT(id, at))
}

func (s *restStore) MarkFailed(ctx context.Context, id, msg string, at time.Time) error {
	return s.apply(ctx, id, failedT(id, msg, at))
}

func (s *restStore) MarkFollowUpSent(ctx context.Context, id string, at time.Time) error {
	return s.apply(ctx, id, followUpT(id, at))
}

func (s *restStore) MarkReadySent(ctx context.Context, id string, at time.Time) error {
	return s.apply(ctx, id, readySentT(id, at))
}

func (s *restStore) MarkReadyFailed(ctx context.Context, id, msg string, at time.Time) error {
	return s.apply(ctx, id, readyFailedT(id, msg, at))
}

func (s *restStore) apply(ctx context.Context, id string, fn transition) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	next := fn(cur, ok)
	return s.c.Upsert(ctx, s.table, "order_id", []restRow{toRow(next)})
}

func toRow(st delivery.Status) restRow {
	return restRow{
		OrderID:       st.OrderID,
		Sent:          st.Sent,
		Attempts:      st.Attempts,
		LastAttemptAt: millis(st.LastAttemptAt),
		LastError:     st.LastError,
		FollowUpSent:  st.FollowUpSent,
		ReadySent:     st.ReadySent,
		ReadyAttempts: st.ReadyAttempts,
		CreatedAt:     millis(st.CreatedAt),
	}
}

func (r restRow) status() delivery.Status {
	st := delivery.Status{
		OrderID:       r.OrderID,
		Sent:          r.Sent,
		Attempts:      r.Attempts,
		LastError:     r.LastError,
		FollowUpSent:  r.FollowUpSent,
		ReadySent:     r.ReadySent,
		ReadyAttempts: r.ReadyAttempts,
	}
	if r.LastAttemptAt > 0 {
		st.LastAttemptAt = time.UnixMilli(r.LastAttemptAt)
	}
	if r.CreatedAt > 0 {
		st.CreatedAt = time.UnixMilli(r.CreatedAt)
	}
	return st
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
