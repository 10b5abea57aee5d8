package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	logx "ordernotify/pkg/logx"
)

// Chain is an ordered fallback over several drivers. Each send is tried on
// the drivers in turn until one accepts it.
type Chain struct {
	all    []Driver
	active []Driver
	log    logx.Logger
}

func NewChain(log logx.Logger, drivers ...Driver) *Chain {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Chain{all: drivers, log: log}
}

func (c *Chain) Name() string {
	names := make([]string, 0, len(c.all))
	for _, d := range c.all {
		names = append(names, d.Name())
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Open opens every driver. Drivers that fail are left out; Open fails only
// when none is usable.
func (c *Chain) Open(ctx context.Context) error {
	var errs []error
	c.active = c.active[:0]
	for _, d := range c.all {
		if err := d.Open(ctx); err != nil {
			c.log.Warn("channel driver unavailable", logx.String("driver", d.Name()), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
			continue
		}
		c.active = append(c.active, d)
	}
	if len(c.active) == 0 {
		if len(errs) == 0 {
			return errors.New("channel chain: no drivers configured")
		}
		return errors.Join(errs...)
	}
	return nil
}

func (c *Chain) Close() error {
	var errs []error
	for _, d := range c.active {
		if err := d.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Chain) Send(ctx context.Context, recipient, text string) error {
	return c.try(func(d Driver) error { return d.Send(ctx, recipient, text) })
}

func (c *Chain) SendImage(ctx context.Context, recipient, path, caption string) error {
	return c.try(func(d Driver) error { return d.SendImage(ctx, recipient, path, caption) })
}

func (c *Chain) try(fn func(Driver) error) error {
	var errs []error
	for i, d := range c.active {
		err := fn(d)
		if err == nil {
			if i > 0 {
				c.log.Info("send delivered by fallback driver", logx.String("driver", d.Name()))
			}
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", d.Name(), err))
	}
	if len(errs) == 0 {
		return ErrClosed
	}
	return errors.Join(errs...)
}
