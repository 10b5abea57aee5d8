// Package alerts tells operators about deliveries that need attention.
//
// The Notifier turns bus events into short texts and sends them through a
// Sender (Telegram) with a queue, a rate limit, retries and dedup.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ordernotify/internal/eventbus"
	"ordernotify/internal/recovery"
	logx "ordernotify/pkg/logx"
)

var (
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alert notifier stopped")
)

// Sender delivers one alert text.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical texts for this long.
	DedupWindow     time.Duration
	DedupMaxEntries int
	// OnFailure alerts on every failed confirmation. Sweep summaries with
	// failures are always sent.
	OnFailure bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

type Notifier struct {
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter
	queue   chan string

	mu        sync.Mutex
	accepting bool

	dmu   sync.Mutex
	dedup map[string]time.Time

	sleep func(ctx context.Context, d time.Duration) error
}

func NewNotifier(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Notifier {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		cfg:       cfg,
		sender:    sender,
		bus:       bus,
		log:       log.With(logx.String("comp", "alerts")),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:     make(chan string, cfg.QueueSize),
		accepting: true,
		dedup:     map[string]time.Time{},
		sleep:     sleepCtx,
	}
}

// Notify queues text. Duplicates inside the dedup window are dropped
// silently.
func (n *Notifier) Notify(text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.accepting {
		return ErrStopped
	}
	if n.cfg.DedupWindow > 0 && !n.dedupAllow(dedupKey(text)) {
		return nil
	}
	select {
	case n.queue <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run consumes bus events and sends queued alerts until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	events, unsubscribe := n.bus.Subscribe(n.cfg.QueueSize)
	defer unsubscribe()
	defer func() {
		n.mu.Lock()
		n.accepting = false
		n.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if text := n.format(ev); text != "" {
				if err := n.Notify(text); err != nil {
					n.log.Debug("alert dropped", logx.Err(err))
				}
			}
		case text := <-n.queue:
			n.sendWithRetry(ctx, text)
		}
	}
}

func (n *Notifier) format(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.TypeDeliveryFailed:
		if !n.cfg.OnFailure {
			return ""
		}
		d, ok := ev.Data.(eventbus.Delivery)
		if !ok {
			return ""
		}
		return fmt.Sprintf("Confirmation for order #%s not delivered (%s): %s", d.OrderNumber, d.Kind, d.Error)
	case eventbus.TypeRecoveryCompleted:
		r, ok := ev.Data.(recovery.Report)
		if !ok {
			return ""
		}
		if r.Error != "" {
			return "Recovery sweep could not run: " + r.Error
		}
		if r.Failed == 0 && r.ReadyFailed == 0 {
			return ""
		}
		return fmt.Sprintf("Recovery sweep: %d candidates, %d recovered, %d still failing, %d skipped",
			r.Candidates, r.Recovered+r.ReadyRecovered, r.Failed+r.ReadyFailed, r.Skipped)
	}
	return ""
}

func (n *Notifier) sendWithRetry(ctx context.Context, text string) {
	attempts := 1 + n.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := n.limiter.Wait(ctx); err != nil {
			return
		}
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := n.sender.Send(cctx, text)
		cancel()
		if err == nil {
			return
		}
		lastErr = err
		n.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt < attempts {
			if n.sleep(ctx, retryDelay(n.cfg, attempt)) != nil {
				return
			}
		}
	}
	// Info, not Warn: a Warn would feed the log alert sink and loop back here.
	n.log.Info("alert not delivered", logx.Err(lastErr))
}

func dedupKey(text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum64())
}

// dedupAllow reports whether key is outside its suppression window and
// opens a new window for it.
func (n *Notifier) dedupAllow(key string) bool {
	now := time.Now()
	n.dmu.Lock()
	defer n.dmu.Unlock()
	if until, ok := n.dedup[key]; ok && now.Before(until) {
		return false
	}
	n.dedup[key] = now.Add(n.cfg.DedupWindow)

	for k, until := range n.dedup {
		if !now.Before(until) {
			delete(n.dedup, k)
		}
	}
	for len(n.dedup) > n.cfg.DedupMaxEntries {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range n.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(n.dedup, minKey)
	}
	return true
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
