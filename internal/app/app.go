// Package app wires the notification service together: config, logging,
// stores, the WhatsApp session, the loop and the optional side services.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ordernotify/internal/alerts"
	"ordernotify/internal/channel"
	"ordernotify/internal/compose"
	"ordernotify/internal/config"
	"ordernotify/internal/dispatch"
	"ordernotify/internal/eventbus"
	amqpfwd "ordernotify/internal/events/amqp"
	"ordernotify/internal/observability/ops"
	"ordernotify/internal/order"
	"ordernotify/internal/orderstore"
	"ordernotify/internal/pipeline"
	"ordernotify/internal/poller"
	"ordernotify/internal/recovery"
	"ordernotify/internal/runtime/supervisor"
	"ordernotify/internal/storage"
	logx "ordernotify/pkg/logx"
	"ordernotify/pkg/systemd"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	sd   *systemd.Notifier

	tg *alerts.Telegram

	orders      orderstore.Source
	closeOrders func()
	store       storage.StatusStore
	driver      channel.Driver
	session     *channel.Session
	composer    *compose.Composer

	poller  *poller.Poller
	ready   *poller.ReadyScanner
	disp    *dispatch.Dispatcher
	sweeper *recovery.Sweeper
	loop    *pipeline.Loop
	notif   *alerts.Notifier
	fwd     *amqpfwd.Forwarder
	ops     *ops.Service

	sendTimeout time.Duration
	startedAt   time.Time
}

// NewApp loads and validates the config, sets up logging and opens both
// stores. The WhatsApp session is opened by Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	var (
		tg     *alerts.Telegram
		sender logx.AlertSender
	)
	if telegramEnabled(cfg) {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			return nil, err
		}
		tg, err = alerts.NewTelegram(tc, logx.NewConsole(cfg.Logging.Level))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = tg
	}
	logSvc, log := logx.New(mapLogConfig(cfg), sender)
	a := &App{
		cfgm: cfgm,
		log:  log.With(logx.String("comp", "app")),
		logs: logSvc,
		bus:  eventbus.New(),
		tg:   tg,
	}
	a.sd = systemd.New(log)

	if err := a.build(ctx, cfg, log); err != nil {
		a.closeStores()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	oc, err := mapOrdersConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	src, closeSrc, err := orderstore.Open(ctx, oc, log.With(logx.String("comp", "orders")))
	if err != nil {
		return fmt.Errorf("orders: %w", err)
	}
	a.orders, a.closeOrders = src, closeSrc

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	a.store = store

	cc, err := mapChannelConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	drv, err := channel.NewDriver(cc, log.With(logx.String("comp", "channel")))
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	a.driver = drv
	a.composer = compose.New(mapComposerConfig(cfg))

	pc, err := mapPollerConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	a.poller = poller.New(src, pc, log.With(logx.String("comp", "poller")))
	rc, err := mapReadyConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	rc.Reachable = func(o order.Order) bool {
		_, ok := a.composer.Recipient(o)
		return ok
	}
	a.ready = poller.NewReadyScanner(src, store, rc, log)

	nc, enabled, err := mapAlertsConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if enabled && a.tg != nil {
		a.notif = alerts.NewNotifier(nc, a.tg, a.bus, log)
	}
	ac, enabled, err := mapAMQPConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if enabled {
		a.fwd = amqpfwd.NewForwarder(ac, amqpfwd.Dial(ac), a.bus, log)
	}

	log.Info("stores ready",
		logx.String("orders", oc.Driver),
		logx.String("storage", sc.Driver),
		logx.String("channel", drv.Name()),
		logx.Bool("alerts", a.notif != nil),
		logx.Bool("amqp", a.fwd != nil),
	)
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start opens the WhatsApp session and launches the loop. A session that
// cannot be opened is fatal.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.startedAt = time.Now()

	dc, err := mapDispatchConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	rc, err := mapRecoveryConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	lc, err := mapPipelineConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	oc, err := mapOpsConfig(cfg)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	openCtx, cancel := context.WithTimeout(ctx, sessionOpenTimeout(cfg))
	session, err := channel.Open(openCtx, a.driver)
	cancel()
	if err != nil {
		return fmt.Errorf("channel session: %w", err)
	}
	a.session = session
	a.log.Info("channel session open", logx.String("driver", session.Name()))

	a.sendTimeout = dc.SendTimeout

	a.disp = dispatch.New(dc, session, a.composer, a.store, a.orders, a.bus, a.logs.Logger())
	a.sweeper = recovery.New(rc, a.orders, a.store, a.disp, a.bus, a.logs.Logger())
	a.loop = pipeline.New(lc, a.poller, a.ready, a.disp, a.sweeper, a.sd, a.logs.Logger())
	a.ops = ops.New(oc, ops.Probe{Health: a.health, Status: a.status}, a.logs.Logger())

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return validate(c) })

	if err := a.ops.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("ops: %w", err)
	}

	a.sup.Go("loop", a.loop.Run)
	if a.notif != nil {
		a.sup.Go("alerts", a.notif.Run)
	}
	if a.fwd != nil {
		// Best effort: the broker being down never stops notifications.
		a.sup.GoRestart("events.amqp", a.fwd.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the newest config matters.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live parts of a reloaded config and warns about
// the rest.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	lc := mapLogConfig(next)
	if a.tg == nil {
		lc.Alerts.Enabled = false
	}
	a.logs.Apply(lc)

	if pc, err := mapPipelineConfig(next); err == nil {
		a.loop.SetInterval(pc.PollInterval)
	}

	if len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) health() error {
	if a.loop == nil || !a.loop.Snapshot().Running {
		return errors.New("notification loop not running")
	}
	return nil
}

// Status is the /status payload.
type Status struct {
	StartedAt    time.Time          `json:"started_at"`
	Uptime       string             `json:"uptime"`
	Channel      string             `json:"channel"`
	Poller       poller.Stats       `json:"poller"`
	Loop         pipeline.Stats     `json:"loop"`
	LastSweep    *recovery.Report   `json:"last_sweep,omitempty"`
	Goroutines   []supervisor.Stats `json:"goroutines"`
	EventsLost   uint64             `json:"events_dropped"`
	AMQPForwards uint64             `json:"amqp_published,omitempty"`
}

func (a *App) status() any {
	st := Status{
		StartedAt:  a.startedAt,
		Uptime:     time.Since(a.startedAt).Truncate(time.Second).String(),
		Poller:     a.poller.Snapshot(),
		EventsLost: eventbus.Dropped(a.bus),
	}
	if a.session != nil {
		st.Channel = a.session.Name()
	}
	if a.loop != nil {
		st.Loop = a.loop.Snapshot()
	}
	if a.sweeper != nil {
		if rep, ok := a.sweeper.Last(); ok {
			st.LastSweep = &rep
		}
	}
	if a.sup != nil {
		st.Goroutines = a.sup.Snapshot()
	}
	if a.fwd != nil {
		st.AMQPForwards = a.fwd.Published()
	}
	return st
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeStores()
		return a.logs.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first: the loop observes it between orders and at sleep. An
	// in-flight send keeps its own timeout.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// The loop may be finishing a send; give it the send timeout plus slack.
	step("supervisor", a.sendTimeout+5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("session", 5*time.Second, func(c context.Context) error { return a.session.Close(c) })
	step("stores", 2*time.Second, func(context.Context) error { a.closeStores(); return nil })

	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) closeStores() {
	if a.closeOrders != nil {
		a.closeOrders()
		a.closeOrders = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

// sessionOpenTimeout covers the bridge's wait for a linked session.
func sessionOpenTimeout(cfg *config.Config) time.Duration {
	cc, err := mapChannelConfig(cfg)
	if err != nil {
		return time.Minute
	}
	return max(cc.Timeout, cc.Bridge.ReadyWait) + 10*time.Second
}
