// Package pipeline runs the single notification loop: prime the watermark,
// one recovery sweep, then poll, dispatch, sleep until stopped.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"ordernotify/internal/dispatch"
	"ordernotify/internal/order"
	"ordernotify/internal/poller"
	"ordernotify/internal/recovery"
	logx "ordernotify/pkg/logx"
)

type Config struct {
	PollInterval time.Duration
	// HeartbeatEvery logs a "bot alive" line every N polls. 0 disables it.
	HeartbeatEvery int
	// SweepSchedule is a cron spec for periodic recovery sweeps. Empty
	// means only the start-up sweep and overflow sweeps run.
	SweepSchedule string
	Timezone      string
}

type Poller interface {
	Prime(ctx context.Context, floor time.Time) bool
	Poll(ctx context.Context) []order.Order
	Snapshot() poller.Stats
}

// ReadyScanner lists ready orders still owed their notice.
type ReadyScanner interface {
	Scan(ctx context.Context) []order.Order
}

type Dispatcher interface {
	Dispatch(ctx context.Context, o order.Order, opts dispatch.Options) dispatch.Outcome
	DispatchReady(ctx context.Context, o order.Order, opts dispatch.Options) dispatch.Outcome
}

type Sweeper interface {
	Sweep(ctx context.Context) recovery.Report
}

// Notifier receives service manager signals. pkg/systemd implements it.
type Notifier interface {
	Ready()
	Watchdog()
	Status(text string)
}

type nopNotifier struct{}

func (nopNotifier) Ready()        {}
func (nopNotifier) Watchdog()     {}
func (nopNotifier) Status(string) {}

var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks a sweep cron spec.
func ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	_, err := cronParser.Parse(spec)
	return err
}

// Stats are loop counters for the status page.
type Stats struct {
	RunID      string          `json:"run_id"`
	StartedAt  time.Time       `json:"started_at"`
	Running    bool            `json:"running"`
	Polls      uint64          `json:"polls"`
	Sent       uint64          `json:"sent"`
	Failed     uint64          `json:"failed"`
	Skipped    uint64          `json:"skipped"`
	ReadySent  uint64          `json:"ready_sent"`
	Interval   time.Duration   `json:"interval"`
	LastSweep  recovery.Report `json:"last_sweep"`
	SweepCount uint64          `json:"sweeps"`
}

type Loop struct {
	cfg    Config
	poller Poller
	ready  ReadyScanner
	disp   Dispatcher
	sweep  Sweeper
	notify Notifier
	log    logx.Logger

	interval atomic.Int64
	sweepDue atomic.Bool
	wake     chan struct{}

	runID     string
	running   atomic.Bool
	polls     atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	skipped   atomic.Uint64
	readySent atomic.Uint64
	sweeps    atomic.Uint64
	overflows uint64 // loop goroutine only

	mu        sync.Mutex
	startedAt time.Time
	lastSweep recovery.Report
}

// New builds the loop. r and s may be nil to disable ready notices or
// recovery sweeps.
func New(cfg Config, p Poller, r ReadyScanner, d Dispatcher, s Sweeper, n Notifier, log logx.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if n == nil {
		n = nopNotifier{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Loop{
		cfg:    cfg,
		poller: p,
		ready:  r,
		disp:   d,
		sweep:  s,
		notify: n,
		log:    log.With(logx.String("comp", "loop")),
		wake:   make(chan struct{}, 1),
		runID:  uuid.NewString(),
	}
	l.interval.Store(int64(cfg.PollInterval))
	return l
}

// SetInterval changes the poll interval from the next sleep on.
func (l *Loop) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	if old := time.Duration(l.interval.Swap(int64(d))); old != d {
		l.log.Info("poll interval changed", logx.Duration("from", old), logx.Duration("to", d))
	}
}

// RequestSweep asks for a recovery sweep at the next sleep boundary.
func (l *Loop) RequestSweep() {
	l.sweepDue.Store(true)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done. It returns nil on a requested stop.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("pipeline: loop already running")
	}
	defer l.running.Store(false)
	l.mu.Lock()
	l.startedAt = time.Now()
	l.mu.Unlock()
	log := l.log.With(logx.String("run_id", l.runID))

	// Prime first: orders created while the sweep runs are then newer than
	// the watermark and go out on the first poll.
	l.poller.Prime(ctx, time.Now())
	if l.sweep != nil {
		l.runSweep(ctx)
	}
	if ctx.Err() != nil {
		return nil
	}

	if l.sweep != nil && l.cfg.SweepSchedule != "" {
		c, err := l.startCron()
		if err != nil {
			return err
		}
		defer c.Stop()
	}

	l.notify.Ready()
	log.Info("notification loop started", logx.Duration("interval", time.Duration(l.interval.Load())))

	for {
		if ctx.Err() != nil {
			log.Info("notification loop stopped")
			return nil
		}
		l.tick(ctx)

		if l.sweepDue.CompareAndSwap(true, false) && l.sweep != nil {
			l.runSweep(ctx)
		}
		if !l.sleep(ctx) {
			log.Info("notification loop stopped")
			return nil
		}
	}
}

// tick runs one poll and dispatches what it found, in order.
func (l *Loop) tick(ctx context.Context) {
	batch := l.poller.Poll(ctx)
	n := l.polls.Add(1)
	if ov := l.poller.Snapshot().Overflows; ov != l.overflows {
		l.overflows = ov
		if l.sweep != nil {
			l.log.Warn("poll window overflowed, sweep requested")
			l.sweepDue.Store(true)
		}
	}

	opts := dispatch.Options{Origin: "poll", RunID: l.runID}
	for _, o := range batch {
		if ctx.Err() != nil {
			return
		}
		l.count(l.disp.Dispatch(ctx, o, opts))
	}
	if l.ready != nil {
		for _, o := range l.ready.Scan(ctx) {
			if ctx.Err() != nil {
				return
			}
			if out := l.disp.DispatchReady(ctx, o, opts); out.Result == dispatch.ResultSent {
				l.readySent.Add(1)
			}
		}
	}

	l.notify.Watchdog()
	if l.cfg.HeartbeatEvery > 0 && n%uint64(l.cfg.HeartbeatEvery) == 0 {
		st := l.poller.Snapshot()
		l.log.Info("bot alive",
			logx.Uint64("polls", n),
			logx.String("last_order", st.Watermark.Number),
			logx.Uint64("sent", l.sent.Load()),
			logx.Uint64("failed", l.failed.Load()),
		)
		l.notify.Status("last order " + st.Watermark.Number)
	}
}

func (l *Loop) count(out dispatch.Outcome) {
	switch out.Result {
	case dispatch.ResultSent:
		l.sent.Add(1)
	case dispatch.ResultFailed:
		l.failed.Add(1)
	case dispatch.ResultSkipped, dispatch.ResultMalformed:
		l.skipped.Add(1)
	}
}

func (l *Loop) runSweep(ctx context.Context) {
	rep := l.sweep.Sweep(ctx)
	l.sweeps.Add(1)
	l.mu.Lock()
	l.lastSweep = rep
	l.mu.Unlock()
}

func (l *Loop) startCron() (*cron.Cron, error) {
	loc := time.Local
	if l.cfg.Timezone != "" {
		tz, err := time.LoadLocation(l.cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = tz
	}
	c := cron.New(cron.WithParser(cronParser), cron.WithLocation(loc))
	// The job only flags the sweep; the loop goroutine runs it so that sends
	// stay serialized.
	if _, err := c.AddFunc(l.cfg.SweepSchedule, l.RequestSweep); err != nil {
		return nil, err
	}
	c.Start()
	l.log.Info("periodic sweep scheduled", logx.String("schedule", l.cfg.SweepSchedule))
	return c, nil
}

// sleep waits one interval. It reports false when ctx is done; a sweep
// request cuts the wait short.
func (l *Loop) sleep(ctx context.Context) bool {
	t := time.NewTimer(time.Duration(l.interval.Load()))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.wake:
		return true
	case <-t.C:
		return true
	}
}

func (l *Loop) Snapshot() Stats {
	l.mu.Lock()
	last, started := l.lastSweep, l.startedAt
	l.mu.Unlock()
	return Stats{
		RunID:      l.runID,
		StartedAt:  started,
		Running:    l.running.Load(),
		Polls:      l.polls.Load(),
		Sent:       l.sent.Load(),
		Failed:     l.failed.Load(),
		Skipped:    l.skipped.Load(),
		ReadySent:  l.readySent.Load(),
		Interval:   time.Duration(l.interval.Load()),
		LastSweep:  last,
		SweepCount: l.sweeps.Load(),
	}
}
