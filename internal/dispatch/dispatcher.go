// Package dispatch turns one order into delivered messages and recorded
// delivery status. It is the only user of the channel session.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"ordernotify/internal/channel"
	"ordernotify/internal/compose"
	"ordernotify/internal/delivery"
	"ordernotify/internal/eventbus"
	"ordernotify/internal/order"
	"ordernotify/internal/orderstore"
	"ordernotify/internal/storage"
	logx "ordernotify/pkg/logx"
)

type Config struct {
	// FollowUp enables the loyalty card / tracking link message after the
	// confirmation.
	FollowUp bool
	// LoyaltyCard looks up the customer's stamp card and renders it in the
	// confirmation. Needs an order source that implements LoyaltySource.
	LoyaltyCard bool
	// SettleDelay is waited before the follow-up so that data attached to the
	// order shortly after creation (the loyalty card image) is available.
	SettleDelay  time.Duration
	SendTimeout  time.Duration
	StoreTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 10 * time.Second
	}
	return c
}

// Session is the exclusive channel handle.
type Session interface {
	Acquire(ctx context.Context) (*channel.Lease, error)
}

type Result string

const (
	ResultSent      Result = "sent"
	ResultFailed    Result = "failed"
	ResultSkipped   Result = "skipped"
	ResultMalformed Result = "malformed"
	ResultAborted   Result = "aborted"
)

// Outcome reports what happened to one order.
type Outcome struct {
	OrderID  string
	Number   string
	Result   Result
	FollowUp bool
	Err      error
}

// Options tune a single Dispatch call.
type Options struct {
	// Origin labels logs and events: "poll" or "recovery".
	Origin string
	RunID  string
	// SkipFollowUp suppresses the follow-up (already delivered earlier).
	SkipFollowUp bool
}

type Dispatcher struct {
	cfg      Config
	session  Session
	composer *compose.Composer
	store    storage.StatusStore
	orders   orderstore.Source
	bus      eventbus.Bus
	log      logx.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, session Session, composer *compose.Composer, store storage.StatusStore, orders orderstore.Source, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		session:  session,
		composer: composer,
		store:    store,
		orders:   orders,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch")),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Dispatch delivers the confirmation for o and records the result.
//
// Nothing escapes this boundary: errors and panics become the Outcome.
// ctx cancellation is honoured before a send starts; a send that started
// runs to completion under its own timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, o order.Order, opts Options) (out Outcome) {
	out = Outcome{OrderID: o.ID, Number: o.Number}
	log := d.log.With(logx.String("order_id", o.ID), logx.String("order_number", o.Number), logx.String("origin", opts.Origin))
	defer d.recoverInto(&out, log)

	if d.cfg.LoyaltyCard {
		o.Loyalty = d.lookupLoyalty(ctx, o, log)
	}
	msgs, err := d.composer.Compose(o)
	if err != nil {
		return d.malformed(out, o, opts, err, log)
	}
	to, ok := d.composer.Recipient(o)
	if !ok {
		log.Warn("order has no usable phone, skipped")
		d.publish(eventbus.TypeDeliverySkipped, o, opts, delivery.ErrNoRecipient)
		out.Result = ResultSkipped
		out.Err = delivery.ErrNoRecipient
		return out
	}

	lease, err := d.session.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			out.Result = ResultAborted
			out.Err = ctx.Err()
			return out
		}
		return d.failed(out, o, opts, delivery.Wrap(delivery.KindChannelUnavailable, err), log)
	}
	defer lease.Release()

	if err := d.send(ctx, lease, to, msgs[0].Text); err != nil {
		return d.failed(out, o, opts, err, log)
	}
	if err := d.mark(func(c context.Context) error { return d.store.MarkSent(c, o.ID, d.now()) }); err != nil {
		log.Error("confirmation sent but status not recorded", logx.String("kind", string(delivery.KindPersistence)), logx.Err(err))
		out.Err = delivery.Wrap(delivery.KindPersistence, err)
	}
	out.Result = ResultSent
	log.Info("confirmation sent", logx.String("to", mask(to)))
	d.publish(eventbus.TypeDeliverySent, o, opts, nil)

	if d.cfg.FollowUp && !opts.SkipFollowUp {
		var link string
		for _, m := range msgs[1:] {
			if m.Kind == compose.KindLink {
				link = m.Text
			}
		}
		out.FollowUp = d.followUp(ctx, lease, o, to, link, opts, log)
	}
	return out
}

// lookupLoyalty returns nil when the card is unknown or cannot be read; the
// confirmation then goes out without it. Cards are keyed by the phone as
// typed by the customer, with the normalized form as fallback.
func (d *Dispatcher) lookupLoyalty(ctx context.Context, o order.Order, log logx.Logger) *order.Loyalty {
	src, ok := d.orders.(orderstore.LoyaltySource)
	if !ok {
		return nil
	}
	keys := []string{strings.TrimSpace(o.CustomerPhone)}
	if norm, ok := d.composer.Recipient(o); ok && norm != keys[0] {
		keys = append(keys, norm)
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, d.cfg.StoreTimeout)
		card, found, err := src.Loyalty(cctx, k)
		cancel()
		if err != nil {
			log.Warn("loyalty lookup failed", logx.String("kind", string(delivery.KindTransient)), logx.Err(err))
			return nil
		}
		if found {
			return &card
		}
	}
	return nil
}

// DispatchReady delivers the ready notification for o.
func (d *Dispatcher) DispatchReady(ctx context.Context, o order.Order, opts Options) (out Outcome) {
	out = Outcome{OrderID: o.ID, Number: o.Number}
	log := d.log.With(logx.String("order_id", o.ID), logx.String("order_number", o.Number), logx.String("notification", "ready"))
	defer d.recoverInto(&out, log)

	msg, err := d.composer.ComposeReady(o)
	if err != nil {
		return d.malformed(out, o, opts, err, log)
	}
	to, ok := d.composer.Recipient(o)
	if !ok {
		log.Warn("ready order has no usable phone, skipped")
		out.Result = ResultSkipped
		out.Err = delivery.ErrNoRecipient
		return out
	}

	lease, err := d.session.Acquire(ctx)
	if err != nil {
		if ctx.Err() != nil {
			out.Result = ResultAborted
			out.Err = ctx.Err()
			return out
		}
		err = delivery.Wrap(delivery.KindChannelUnavailable, err)
	} else {
		defer lease.Release()
		err = d.send(ctx, lease, to, msg.Text)
	}

	if err != nil {
		log.Warn("ready notification failed", logx.String("kind", string(delivery.KindOf(err))), logx.Err(err))
		if merr := d.mark(func(c context.Context) error { return d.store.MarkReadyFailed(c, o.ID, err.Error(), d.now()) }); merr != nil {
			log.Error("ready failure not recorded", logx.String("kind", string(delivery.KindPersistence)), logx.Err(merr))
		}
		d.publish(eventbus.TypeReadyFailed, o, opts, err)
		out.Result = ResultFailed
		out.Err = err
		return out
	}
	if merr := d.mark(func(c context.Context) error { return d.store.MarkReadySent(c, o.ID, d.now()) }); merr != nil {
		log.Error("ready notification sent but not recorded", logx.String("kind", string(delivery.KindPersistence)), logx.Err(merr))
		out.Err = delivery.Wrap(delivery.KindPersistence, merr)
	}
	log.Info("ready notification sent", logx.String("to", mask(to)))
	d.publish(eventbus.TypeReadySent, o, opts, nil)
	out.Result = ResultSent
	return out
}

// followUp sends the loyalty card image, or else the composed tracking link.
// Failures are logged only.
func (d *Dispatcher) followUp(ctx context.Context, lease *channel.Lease, o order.Order, to, link string, opts Options, log logx.Logger) bool {
	if d.cfg.SettleDelay > 0 {
		if err := d.sleep(ctx, d.cfg.SettleDelay); err != nil {
			log.Debug("follow-up skipped on shutdown")
			return false
		}
	}

	if d.orders != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StoreTimeout)
		fresh, ok, err := d.orders.Get(cctx, o.ID)
		cancel()
		switch {
		case err != nil:
			log.Debug("order re-fetch failed, using the polled copy", logx.Err(err))
		case ok:
			o = fresh
		}
	}

	var err error
	switch {
	case strings.TrimSpace(o.LoyaltyCardImageURL) != "":
		err = d.sendImage(ctx, lease, to, o.LoyaltyCardImageURL, d.composer.LoyaltyCaption(o))
	case link != "":
		err = d.send(ctx, lease, to, link)
	default:
		return false
	}
	if err != nil {
		log.Warn("follow-up failed", logx.String("kind", string(delivery.KindOf(err))), logx.Err(err))
		return false
	}
	if merr := d.mark(func(c context.Context) error { return d.store.MarkFollowUpSent(c, o.ID, d.now()) }); merr != nil {
		log.Warn("follow-up sent but not recorded", logx.String("kind", string(delivery.KindPersistence)), logx.Err(merr))
	}
	d.publish(eventbus.TypeFollowUpSent, o, opts, nil)
	return true
}

// send detaches from ctx so that a stop signal never cuts a send short.
func (d *Dispatcher) send(ctx context.Context, lease *channel.Lease, to, text string) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	if err := lease.Send(sctx, to, text); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Dispatcher) sendImage(ctx context.Context, lease *channel.Lease, to, path, caption string) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()
	if err := lease.SendImage(sctx, to, path, caption); err != nil {
		return classify(err)
	}
	return nil
}

func (d *Dispatcher) mark(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
	defer cancel()
	return fn(ctx)
}

func (d *Dispatcher) failed(out Outcome, o order.Order, opts Options, err error, log logx.Logger) Outcome {
	log.Warn("confirmation failed", logx.String("kind", string(delivery.KindOf(err))), logx.Err(err))
	if merr := d.mark(func(c context.Context) error { return d.store.MarkFailed(c, o.ID, err.Error(), d.now()) }); merr != nil {
		log.Error("failure not recorded", logx.String("kind", string(delivery.KindPersistence)), logx.Err(merr))
	}
	d.publish(eventbus.TypeDeliveryFailed, o, opts, err)
	out.Result = ResultFailed
	out.Err = err
	return out
}

func (d *Dispatcher) malformed(out Outcome, o order.Order, opts Options, err error, log logx.Logger) Outcome {
	err = delivery.Wrap(delivery.KindMalformedOrder, err)
	log.Warn("order cannot be rendered, skipped", logx.Err(err))
	d.publish(eventbus.TypeDeliverySkipped, o, opts, err)
	out.Result = ResultMalformed
	out.Err = err
	return out
}

func (d *Dispatcher) recoverInto(out *Outcome, log logx.Logger) {
	if r := recover(); r != nil {
		log.Error("order handling panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		out.Result = ResultFailed
		out.Err = fmt.Errorf("panic: %v", r)
	}
}

func (d *Dispatcher) publish(typ string, o order.Order, opts Options, err error) {
	ev := eventbus.Delivery{
		RunID:       opts.RunID,
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Origin:      opts.Origin,
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Kind = string(delivery.KindOf(err))
	}
	d.bus.Publish(eventbus.Event{Type: typ, Time: d.now(), Data: ev})
}

// classify tags untagged channel errors as transient.
func classify(err error) error {
	if delivery.KindOf(err) != delivery.KindUnknown {
		return err
	}
	if errors.Is(err, channel.ErrClosed) {
		return delivery.Wrap(delivery.KindChannelUnavailable, err)
	}
	return delivery.Wrap(delivery.KindTransient, err)
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

// mask keeps the last four digits of a phone number for logs.
func mask(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}
