package poller

import (
	"context"
	"strings"
	"time"

	"ordernotify/internal/delivery"
	"ordernotify/internal/order"
	"ordernotify/internal/orderstore"
	logx "ordernotify/pkg/logx"
)

// StatusReader is the part of the delivery status store the scanner reads.
type StatusReader interface {
	GetMany(ctx context.Context, orderIDs []string) (map[string]delivery.Status, error)
}

type ReadyConfig struct {
	// Window bounds how old a ready order may be. Default 24h.
	Window  time.Duration
	Timeout time.Duration
	// Reachable filters out orders that cannot be messaged, so they are not
	// picked up again on every scan. Nil keeps orders with any phone.
	Reachable func(order.Order) bool
}

// ReadyScanner finds orders in the ready status whose ready notice was never
// attempted. The decision rests on the persisted delivery status, so it
// survives restarts and does not depend on how many newer orders arrived.
// Failed attempts are only retried by sweeps with ready redrive on.
type ReadyScanner struct {
	src   orderstore.Source
	store StatusReader
	cfg   ReadyConfig
	log   logx.Logger
	now   func() time.Time
}

func NewReadyScanner(src orderstore.Source, store StatusReader, cfg ReadyConfig, log logx.Logger) *ReadyScanner {
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ReadyScanner{
		src:   src,
		store: store,
		cfg:   cfg,
		log:   log.With(logx.String("comp", "ready")),
		now:   time.Now,
	}
}

// Scan returns the ready orders still owed a notice, oldest first. Read
// failures yield an empty result.
func (s *ReadyScanner) Scan(ctx context.Context) []order.Order {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	ready, err := s.src.WithStatus(cctx, order.StatusReady, s.now().Add(-s.cfg.Window))
	if err != nil {
		s.log.Warn("ready scan failed", logx.String("kind", string(delivery.KindTransient)), logx.Err(err))
		return nil
	}
	ids := make([]string, 0, len(ready))
	for _, o := range ready {
		ids = append(ids, o.ID)
	}
	if len(ids) == 0 {
		return nil
	}
	known, err := s.store.GetMany(cctx, ids)
	if err != nil {
		// Without the records every ready order would look unnotified.
		s.log.Warn("ready scan could not read delivery status", logx.String("kind", string(delivery.KindPersistence)), logx.Err(err))
		return nil
	}

	var out []order.Order
	for _, o := range ready {
		if o.ID == "" || !s.reachable(o) {
			continue
		}
		if st, found := known[o.ID]; found && (st.ReadySent || st.ReadyAttempts > 0) {
			continue
		}
		out = append(out, o)
	}
	return out
}

func (s *ReadyScanner) reachable(o order.Order) bool {
	if s.cfg.Reachable != nil {
		return s.cfg.Reachable(o)
	}
	return strings.TrimSpace(o.CustomerPhone) != ""
}
