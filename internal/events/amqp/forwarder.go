// Package amqp forwards delivery events from the in-process bus to a
// RabbitMQ topic exchange. Forwarding is best effort: events published
// while the broker is unreachable are dropped.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"ordernotify/internal/eventbus"
	logx "ordernotify/pkg/logx"
)

type Config struct {
	URL      string
	Exchange string
	// Buffer is the bus subscription size.
	Buffer  int
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "order_notifications"
	}
	if c.Buffer <= 0 {
		c.Buffer = 256
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Publisher publishes one message and waits for the broker's confirm.
type Publisher interface {
	Publish(ctx context.Context, key string, body []byte) error
	Close() error
}

type DialFunc func(ctx context.Context) (Publisher, error)

// Client is a confirm-mode channel bound to one topic exchange.
type Client struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	acks     <-chan amqp.Confirmation
	exchange string
	mu       sync.Mutex
}

// Dial returns a DialFunc that connects to cfg.URL and declares the exchange.
func Dial(cfg Config) DialFunc {
	cfg = cfg.withDefaults()
	return func(ctx context.Context) (Publisher, error) {
		if cfg.URL == "" {
			return nil, errors.New("amqp: url is empty")
		}
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{Dial: amqp.DefaultDial(cfg.Timeout)})
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, err
		}
		acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
		return &Client{conn: conn, ch: ch, acks: acks, exchange: cfg.Exchange}, nil
	}
}

func (c *Client) Publish(ctx context.Context, key string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.PublishWithContext(ctx, c.exchange, key, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}); err != nil {
		return err
	}
	select {
	case conf, ok := <-c.acks:
		if !ok {
			return amqp.ErrClosed
		}
		if !conf.Ack {
			return errors.New("amqp: publish nacked by broker")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Forwarder copies bus events to the broker, routing key = event type.
type Forwarder struct {
	cfg  Config
	dial DialFunc
	bus  eventbus.Bus
	log  logx.Logger

	published atomic.Uint64
}

func NewForwarder(cfg Config, dial DialFunc, bus eventbus.Bus, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{cfg: cfg.withDefaults(), dial: dial, bus: bus, log: log.With(logx.String("comp", "amqp"))}
}

// Published counts confirmed messages.
func (f *Forwarder) Published() uint64 { return f.published.Load() }

// Run forwards until ctx is done. A broker error ends the run; the caller
// restarts it (see supervisor.GoRestart).
func (f *Forwarder) Run(ctx context.Context) error {
	pub, err := f.dial(ctx)
	if err != nil {
		f.log.Warn("amqp dial failed", logx.Err(err))
		return err
	}
	defer pub.Close()

	events, unsubscribe := f.bus.Subscribe(f.cfg.Buffer)
	defer unsubscribe()
	f.log.Info("forwarding events", logx.String("exchange", f.cfg.Exchange))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			body, err := json.Marshal(ev)
			if err != nil {
				f.log.Warn("event not encodable", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
			err = pub.Publish(pctx, ev.Type, body)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				f.log.Warn("event publish failed", logx.String("type", ev.Type), logx.Err(err))
				return err
			}
			f.published.Add(1)
		}
	}
}
