// Package poller detects new orders and orders waiting for their ready
// notice by polling the order store.
package poller

import (
	"context"
	"sort"
	"sync"
	"time"

	"ordernotify/internal/delivery"
	"ordernotify/internal/order"
	"ordernotify/internal/orderstore"
	logx "ordernotify/pkg/logx"
)

type Config struct {
	// WindowSize is how many of the newest orders each poll fetches.
	WindowSize int
	Timeout    time.Duration
}

// Watermark identifies the most recently observed order.
type Watermark struct {
	OrderID   string    `json:"order_id"`
	Number    string    `json:"order_number"`
	CreatedAt time.Time `json:"created_at"`
}

// Poller owns the watermark. It is not safe for concurrent Poll calls;
// Snapshot may be called from any goroutine.
type Poller struct {
	src orderstore.Source
	cfg Config
	log logx.Logger

	mu        sync.Mutex
	primed    bool
	floor     time.Time // set when priming failed; see Prime
	mark      Watermark
	atMark    map[string]bool // ids sharing mark.CreatedAt
	lastPoll  time.Time
	lastErr   string
	polls     uint64
	overflows uint64
}

func New(src orderstore.Source, cfg Config, log logx.Logger) *Poller {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Poller{
		src:    src,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "poller")),
		atMark: map[string]bool{},
	}
}

// Prime sets the watermark to the newest order in the store. It reports
// false when the store could not be read; the first successful Poll then
// returns every fetched order created at or after floor instead of priming.
func (p *Poller) Prime(ctx context.Context, floor time.Time) bool {
	fetched, err := p.fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.primed {
		return true
	}
	p.lastPoll = time.Now()
	if err != nil {
		p.lastErr = err.Error()
		p.floor = floor
		p.log.Warn("watermark not primed, orders from the floor on will be sent",
			logx.Time("floor", floor), logx.String("kind", string(delivery.KindTransient)), logx.Err(err))
		return false
	}
	p.lastErr = ""
	p.primeLocked(fetched)
	return true
}

// Poll returns orders strictly newer than the watermark, oldest first, and
// advances the watermark. Without a prior Prime the first successful poll
// only primes. Store failures yield an empty result.
func (p *Poller) Poll(ctx context.Context) []order.Order {
	fetched, err := p.fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPoll = time.Now()
	p.polls++
	if err != nil {
		p.lastErr = err.Error()
		p.log.Warn("poll failed", logx.String("kind", string(delivery.KindTransient)), logx.Err(err))
		return nil
	}
	p.lastErr = ""

	if !p.primed && p.floor.IsZero() {
		p.primeLocked(fetched)
		return nil
	}

	var fresh []order.Order
	for _, o := range fetched {
		if p.isNew(o) {
			fresh = append(fresh, o)
		}
	}
	if len(fresh) > 0 && len(fresh) == len(fetched) && len(fetched) >= p.cfg.WindowSize {
		p.overflows++
		p.log.Warn("every fetched order is new, older ones are left to the recovery sweep", logx.Int("window", p.cfg.WindowSize))
	}
	if !p.primed {
		// Orders below the floor belong to the start-up sweep.
		p.primed = true
		p.advance(fetched)
		p.log.Info("watermark primed from floor", logx.Int("new", len(fresh)), logx.String("order_number", p.mark.Number))
		return fresh
	}
	p.advance(fresh)
	return fresh
}

// fetch returns the newest orders, oldest first.
func (p *Poller) fetch(ctx context.Context) ([]order.Order, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	fetched, err := p.src.Latest(cctx, p.cfg.WindowSize)
	cancel()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(fetched, func(i, j int) bool { return fetched[i].CreatedAt.Before(fetched[j].CreatedAt) })
	return fetched, nil
}

func (p *Poller) primeLocked(sorted []order.Order) {
	p.primed = true
	p.advance(sorted)
	p.log.Info("watermark primed", logx.String("order_id", p.mark.OrderID), logx.String("order_number", p.mark.Number))
}

func (p *Poller) isNew(o order.Order) bool {
	if !p.primed {
		return !o.CreatedAt.Before(p.floor)
	}
	switch {
	case o.CreatedAt.After(p.mark.CreatedAt):
		return true
	case o.CreatedAt.Equal(p.mark.CreatedAt):
		return !p.atMark[o.ID]
	default:
		return false
	}
}

// advance moves the watermark to the newest of sorted.
func (p *Poller) advance(sorted []order.Order) {
	if len(sorted) == 0 {
		return
	}
	newest := sorted[len(sorted)-1]
	if !newest.CreatedAt.Equal(p.mark.CreatedAt) {
		p.atMark = map[string]bool{}
	}
	for _, o := range sorted {
		if o.CreatedAt.Equal(newest.CreatedAt) {
			p.atMark[o.ID] = true
		}
	}
	p.mark = Watermark{OrderID: newest.ID, Number: newest.Number, CreatedAt: newest.CreatedAt}
}

// Stats is a point-in-time view for status reporting.
type Stats struct {
	Primed    bool      `json:"primed"`
	Watermark Watermark `json:"watermark"`
	LastPoll  time.Time `json:"last_poll"`
	LastError string    `json:"last_error,omitempty"`
	Polls     uint64    `json:"polls"`
	// Overflows counts polls where every fetched order was new, so older
	// new orders may have been missed.
	Overflows uint64 `json:"overflows"`
}

func (p *Poller) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Primed: p.primed, Watermark: p.mark, LastPoll: p.lastPoll, LastError: p.lastErr, Polls: p.polls, Overflows: p.overflows}
}
