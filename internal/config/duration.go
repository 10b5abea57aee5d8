package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses raw as a Go duration. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// durationFields lists every duration string in cfg by its dotted path.
func durationFields(cfg *Config) [][2]string {
	out := [][2]string{
		{"telegram.timeout", cfg.Telegram.Timeout},
		{"orders.timeout", cfg.Orders.Timeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"storage.timeout", cfg.Storage.Timeout},
		{"channel.timeout", cfg.Channel.Timeout},
		{"channel.bridge.ready_wait", cfg.Channel.Bridge.ReadyWait},
		{"composer.estimated_delay", cfg.Composer.EstimatedDelay},
		{"poller.interval", cfg.Poller.Interval},
		{"poller.timeout", cfg.Poller.Timeout},
		{"dispatch.settle_delay", cfg.Dispatch.SettleDelay},
		{"dispatch.send_timeout", cfg.Dispatch.SendTimeout},
		{"dispatch.store_timeout", cfg.Dispatch.StoreTimeout},
		{"recovery.window", cfg.Recovery.Window},
		{"recovery.pacing", cfg.Recovery.Pacing},
		{"recovery.timeout", cfg.Recovery.Timeout},
		{"events.amqp.timeout", cfg.Events.AMQP.Timeout},
		{"ops.read_timeout", cfg.Ops.ReadTimeout},
		{"ops.write_timeout", cfg.Ops.WriteTimeout},
		{"ops.idle_timeout", cfg.Ops.IdleTimeout},
	}
	if a := cfg.Alerts; a != nil {
		out = append(out,
			[2]string{"alerts.retry_base", a.RetryBase},
			[2]string{"alerts.retry_max_delay", a.RetryMaxDelay},
			[2]string{"alerts.dedup_window", a.DedupWindow},
		)
	}
	return out
}

// ValidateDurations reports every malformed duration in cfg at once.
func ValidateDurations(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var errs []error
	for _, f := range durationFields(cfg) {
		if _, err := ParseDurationField(f[0], f[1]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
