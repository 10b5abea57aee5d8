// Package recovery re-drives confirmations that were never delivered:
// orders from a trailing window that have no status record, or a record
// with Sent=false.
package recovery

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ordernotify/internal/dispatch"
	"ordernotify/internal/eventbus"
	"ordernotify/internal/order"
	"ordernotify/internal/orderstore"
	"ordernotify/internal/storage"
	logx "ordernotify/pkg/logx"
)

type Config struct {
	// Window is how far back a sweep looks. Default 24h.
	Window time.Duration
	// Pacing is the minimum gap between two recovery sends. Default 2s.
	Pacing time.Duration
	// ReadyRedrive also re-sends ready notifications that failed earlier.
	ReadyRedrive bool
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.Pacing <= 0 {
		c.Pacing = 2 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	return c
}

// Dispatcher is the part of dispatch.Dispatcher the sweeper drives.
type Dispatcher interface {
	Dispatch(ctx context.Context, o order.Order, opts dispatch.Options) dispatch.Outcome
	DispatchReady(ctx context.Context, o order.Order, opts dispatch.Options) dispatch.Outcome
}

// Report summarizes one sweep.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Candidates int `json:"candidates"`
	Recovered  int `json:"recovered"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`

	ReadyRecovered int `json:"ready_recovered,omitempty"`
	ReadyFailed    int `json:"ready_failed,omitempty"`

	Aborted bool   `json:"aborted,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Sweeper struct {
	cfg   Config
	src   orderstore.Source
	store storage.StatusStore
	disp  Dispatcher
	bus   eventbus.Bus
	log   logx.Logger

	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	last    Report
	hasLast bool
}

func New(cfg Config, src orderstore.Source, store storage.StatusStore, disp Dispatcher, bus eventbus.Bus, log logx.Logger) *Sweeper {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sweeper{
		cfg:   cfg.withDefaults(),
		src:   src,
		store: store,
		disp:  disp,
		bus:   bus,
		log:   log.With(logx.String("comp", "recovery")),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// Sweep runs one pass over the window, oldest order first. It returns when
// every candidate was attempted or ctx is done.
func (s *Sweeper) Sweep(ctx context.Context) (rep Report) {
	rep = Report{RunID: s.newID(), StartedAt: s.now()}
	log := s.log.With(logx.String("run_id", rep.RunID))
	defer func() {
		rep.FinishedAt = s.now()
		s.finish(rep, log)
	}()

	threshold := rep.StartedAt.Add(-s.cfg.Window)
	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	orders, err := s.src.Since(cctx, threshold)
	cancel()
	if err != nil {
		log.Warn("sweep could not list orders", logx.Err(err))
		rep.Error = err.Error()
		return rep
	}
	if len(orders) == 0 {
		return rep
	}

	sort.SliceStable(orders, func(i, j int) bool { return orders[i].CreatedAt.Before(orders[j].CreatedAt) })
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	cctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	known, err := s.store.GetMany(cctx, ids)
	cancel()
	if err != nil {
		// Without the records every order would look undelivered.
		log.Warn("sweep could not read delivery status", logx.Err(err))
		rep.Error = err.Error()
		return rep
	}

	// One send per tick; the first one goes out immediately.
	lim := rate.NewLimiter(rate.Every(s.cfg.Pacing), 1)
	opts := dispatch.Options{Origin: "recovery", RunID: rep.RunID}

	for _, o := range orders {
		if o.CreatedAt.Before(threshold) || strings.TrimSpace(o.CustomerPhone) == "" {
			continue
		}
		st, found := known[o.ID]

		if !found || st.NeedsRedrive() {
			rep.Candidates++
			if err := lim.Wait(ctx); err != nil {
				rep.Aborted = true
				return rep
			}
			run := opts
			run.SkipFollowUp = found && st.FollowUpSent
			switch s.disp.Dispatch(ctx, o, run).Result {
			case dispatch.ResultSent:
				rep.Recovered++
			case dispatch.ResultFailed:
				rep.Failed++
			case dispatch.ResultAborted:
				rep.Aborted = true
				return rep
			default:
				rep.Skipped++
			}
		}

		if s.cfg.ReadyRedrive && found && o.Status == order.StatusReady && st.NeedsReadyRedrive() {
			if err := lim.Wait(ctx); err != nil {
				rep.Aborted = true
				return rep
			}
			switch s.disp.DispatchReady(ctx, o, opts).Result {
			case dispatch.ResultSent:
				rep.ReadyRecovered++
			case dispatch.ResultFailed:
				rep.ReadyFailed++
			case dispatch.ResultAborted:
				rep.Aborted = true
				return rep
			}
		}
	}
	return rep
}

func (s *Sweeper) finish(rep Report, log logx.Logger) {
	s.mu.Lock()
	s.last = rep
	s.hasLast = true
	s.mu.Unlock()

	log.Info("recovery sweep finished",
		logx.Int("candidates", rep.Candidates),
		logx.Int("recovered", rep.Recovered),
		logx.Int("failed", rep.Failed),
		logx.Int("skipped", rep.Skipped),
		logx.Bool("aborted", rep.Aborted),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeRecoveryCompleted, Time: rep.FinishedAt, Data: rep})
}

// Last returns the most recent report.
func (s *Sweeper) Last() (Report, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.hasLast
}
