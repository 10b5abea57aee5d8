package app

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"ordernotify/internal/alerts"
	"ordernotify/internal/channel"
	"ordernotify/internal/compose"
	"ordernotify/internal/config"
	"ordernotify/internal/dispatch"
	amqpfwd "ordernotify/internal/events/amqp"
	"ordernotify/internal/observability/ops"
	"ordernotify/internal/orderstore"
	"ordernotify/internal/pipeline"
	"ordernotify/internal/poller"
	"ordernotify/internal/recovery"
	"ordernotify/internal/storage"
	logx "ordernotify/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alerts: logx.AlertConfig{
			Enabled:    cfg.Logging.Alerts.Enabled && telegramEnabled(cfg),
			MinLevel:   cfg.Logging.Alerts.MinLevel,
			RatePerSec: cfg.Logging.Alerts.RatePerSec,
		},
	}
}

func telegramEnabled(cfg *config.Config) bool {
	return strings.TrimSpace(cfg.Telegram.Token) != "" && cfg.Telegram.ChatID != 0
}

func mapTelegramConfig(cfg *config.Config) (alerts.TelegramConfig, error) {
	timeout, err := config.ParseDurationOrDefault("telegram.timeout", cfg.Telegram.Timeout, 10*time.Second)
	if err != nil {
		return alerts.TelegramConfig{}, err
	}
	return alerts.TelegramConfig{
		Token:    cfg.Telegram.Token,
		ChatID:   cfg.Telegram.ChatID,
		ThreadID: cfg.Telegram.ThreadID,
		Timeout:  timeout,
	}, nil
}

func mapOrdersConfig(cfg *config.Config) (orderstore.Config, error) {
	oc := cfg.Orders
	timeout, err := config.ParseDurationOrDefault("orders.timeout", oc.Timeout, 15*time.Second)
	if err != nil {
		return orderstore.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(oc.Driver))
	switch driver {
	case "", "rest", "postgrest", "supabase":
		if strings.TrimSpace(oc.BaseURL) == "" {
			return orderstore.Config{}, errors.New("orders.base_url is required for the rest driver")
		}
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(oc.DSN) == "" {
			return orderstore.Config{}, errors.New("orders.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return orderstore.Config{}, fmt.Errorf("unknown orders.driver: %s", oc.Driver)
	}
	return orderstore.Config{
		Driver:       driver,
		BaseURL:      strings.TrimSpace(oc.BaseURL),
		APIKey:       oc.APIKey,
		DSN:          oc.DSN,
		Table:        oc.Table,
		LoyaltyTable: oc.LoyaltyTable,
		Timeout:      timeout,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "none" {
		return storage.Config{}, errors.New("storage.driver=none: delivery status is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("storage.timeout", sc.Timeout, 15*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:      driver,
		Path:        strings.TrimSpace(sc.Path),
		DSN:         sc.DSN,
		Table:       sc.Table,
		BusyTimeout: busy,
		BaseURL:     strings.TrimSpace(sc.BaseURL),
		APIKey:      sc.APIKey,
		Timeout:     timeout,
	}
	switch driver {
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres", "postgresql", "pgx":
		if out.DSN == "" {
			out.DSN = cfg.Orders.DSN
		}
		if out.DSN == "" {
			return storage.Config{}, errors.New("storage.dsn is required when storage.driver=postgres")
		}
	case "rest", "postgrest", "supabase":
		if out.BaseURL == "" {
			out.BaseURL = strings.TrimSpace(cfg.Orders.BaseURL)
		}
		if out.APIKey == "" {
			out.APIKey = cfg.Orders.APIKey
		}
		if out.BaseURL == "" {
			return storage.Config{}, errors.New("storage.base_url (or orders.base_url) is required when storage.driver=rest")
		}
	case "", "file", "memory", "mem":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapChannelConfig(cfg *config.Config) (channel.Config, error) {
	cc := cfg.Channel
	if strings.TrimSpace(cc.Driver) == "" {
		return channel.Config{}, errors.New("channel.driver is required")
	}
	timeout, err := config.ParseDurationOrDefault("channel.timeout", cc.Timeout, 30*time.Second)
	if err != nil {
		return channel.Config{}, err
	}
	readyWait, err := config.ParseDurationOrDefault("channel.bridge.ready_wait", cc.Bridge.ReadyWait, 2*time.Minute)
	if err != nil {
		return channel.Config{}, err
	}
	return channel.Config{
		Driver:   cc.Driver,
		Fallback: cc.Fallback,
		Timeout:  timeout,
		CloudAPI: channel.CloudAPIConfig{
			BaseURL:       cc.CloudAPI.BaseURL,
			Version:       cc.CloudAPI.Version,
			PhoneNumberID: cc.CloudAPI.PhoneNumberID,
			Token:         cc.CloudAPI.Token,
			Timeout:       timeout,
		},
		Bridge: channel.BridgeConfig{
			URL:       cc.Bridge.URL,
			Token:     cc.Bridge.Token,
			Timeout:   timeout,
			ReadyWait: readyWait,
		},
	}, nil
}

func mapComposerConfig(cfg *config.Config) compose.Config {
	c := cfg.Composer
	return compose.Config{
		Restaurant:     c.Restaurant,
		CountryCode:    c.CountryCode,
		Currency:       c.Currency,
		EstimatedDelay: c.EstimatedDelay,
		PortalURL:      c.PortalURL,
	}
}

func mapPollerConfig(cfg *config.Config) (poller.Config, error) {
	timeout, err := config.ParseDurationOrDefault("poller.timeout", cfg.Poller.Timeout, 15*time.Second)
	if err != nil {
		return poller.Config{}, err
	}
	if cfg.Poller.WindowSize < 0 {
		return poller.Config{}, errors.New("poller.window_size must be >= 0")
	}
	return poller.Config{WindowSize: cfg.Poller.WindowSize, Timeout: timeout}, nil
}

// mapReadyConfig scans for ready orders over the recovery window.
func mapReadyConfig(cfg *config.Config) (poller.ReadyConfig, error) {
	window, err := config.ParseDurationOrDefault("recovery.window", cfg.Recovery.Window, 24*time.Hour)
	if err != nil {
		return poller.ReadyConfig{}, err
	}
	timeout, err := config.ParseDurationOrDefault("poller.timeout", cfg.Poller.Timeout, 15*time.Second)
	if err != nil {
		return poller.ReadyConfig{}, err
	}
	return poller.ReadyConfig{Window: window, Timeout: timeout}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch
	settle, err := config.ParseDurationField("dispatch.settle_delay", dc.SettleDelay)
	if err != nil {
		return dispatch.Config{}, err
	}
	send, err := config.ParseDurationOrDefault("dispatch.send_timeout", dc.SendTimeout, 30*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	store, err := config.ParseDurationOrDefault("dispatch.store_timeout", dc.StoreTimeout, 10*time.Second)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		FollowUp:     dc.FollowUp,
		LoyaltyCard:  cfg.Composer.LoyaltyCard,
		SettleDelay:  settle,
		SendTimeout:  send,
		StoreTimeout: store,
	}, nil
}

func mapRecoveryConfig(cfg *config.Config) (recovery.Config, error) {
	rc := cfg.Recovery
	window, err := config.ParseDurationOrDefault("recovery.window", rc.Window, 24*time.Hour)
	if err != nil {
		return recovery.Config{}, err
	}
	pacing, err := config.ParseDurationOrDefault("recovery.pacing", rc.Pacing, 2*time.Second)
	if err != nil {
		return recovery.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("recovery.timeout", rc.Timeout, 30*time.Second)
	if err != nil {
		return recovery.Config{}, err
	}
	return recovery.Config{Window: window, Pacing: pacing, ReadyRedrive: rc.ReadyRedrive, Timeout: timeout}, nil
}

// defaultSweepSchedule re-drives anything the poll path missed without
// waiting for a restart. recovery.schedule "off" disables it.
const defaultSweepSchedule = "@every 5m"

func mapPipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	interval, err := config.ParseDurationOrDefault("poller.interval", cfg.Poller.Interval, 5*time.Second)
	if err != nil {
		return pipeline.Config{}, err
	}
	if cfg.Poller.HeartbeatEvery < 0 {
		return pipeline.Config{}, errors.New("poller.heartbeat_every must be >= 0")
	}
	schedule := strings.TrimSpace(cfg.Recovery.Schedule)
	switch strings.ToLower(schedule) {
	case "":
		schedule = defaultSweepSchedule
	case "off", "none":
		schedule = ""
	}
	if err := pipeline.ValidateSchedule(schedule); err != nil {
		return pipeline.Config{}, fmt.Errorf("recovery.schedule: invalid %q: %w", schedule, err)
	}
	tz := strings.TrimSpace(cfg.Recovery.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return pipeline.Config{}, fmt.Errorf("recovery.timezone: invalid %q: %w", tz, err)
		}
	}
	return pipeline.Config{
		PollInterval:   interval,
		HeartbeatEvery: cfg.Poller.HeartbeatEvery,
		SweepSchedule:  schedule,
		Timezone:       tz,
	}, nil
}

// mapAlertsConfig reports enabled=false when there is no operator chat or
// alerts are switched off.
func mapAlertsConfig(cfg *config.Config) (alerts.Config, bool, error) {
	if !telegramEnabled(cfg) {
		return alerts.Config{}, false, nil
	}
	ac := cfg.Alerts
	if ac == nil {
		return alerts.Config{OnFailure: true}, true, nil
	}
	if ac.QueueSize < 0 || ac.RatePerSec < 0 || ac.RetryMax < 0 {
		return alerts.Config{}, false, errors.New("alerts: queue_size, rate_per_sec and retry_max must be >= 0")
	}
	base, err := config.ParseDurationField("alerts.retry_base", ac.RetryBase)
	if err != nil {
		return alerts.Config{}, false, err
	}
	maxDelay, err := config.ParseDurationField("alerts.retry_max_delay", ac.RetryMaxDelay)
	if err != nil {
		return alerts.Config{}, false, err
	}
	dedup, err := config.ParseDurationField("alerts.dedup_window", ac.DedupWindow)
	if err != nil {
		return alerts.Config{}, false, err
	}
	return alerts.Config{
		QueueSize:     ac.QueueSize,
		RatePerSec:    ac.RatePerSec,
		RetryMax:      ac.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		DedupWindow:   dedup,
		OnFailure:     ac.OnFailure,
	}, ac.Enabled, nil
}

func mapAMQPConfig(cfg *config.Config) (amqpfwd.Config, bool, error) {
	ac := cfg.Events.AMQP
	if !ac.Enabled {
		return amqpfwd.Config{}, false, nil
	}
	if strings.TrimSpace(ac.URL) == "" {
		return amqpfwd.Config{}, false, errors.New("events.amqp.url is required when events.amqp.enabled=true")
	}
	timeout, err := config.ParseDurationOrDefault("events.amqp.timeout", ac.Timeout, 5*time.Second)
	if err != nil {
		return amqpfwd.Config{}, false, err
	}
	return amqpfwd.Config{URL: ac.URL, Exchange: ac.Exchange, Timeout: timeout}, true, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	read, err := config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	addr := strings.TrimSpace(oc.Addr)
	if addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return ops.Config{}, fmt.Errorf("ops.addr: invalid %q: %w", addr, err)
		}
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

// validate checks everything a reload could break. It opens nothing.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := config.ValidateDurations(cfg); err != nil {
		return err
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapTelegramConfig(cfg)
	add(err)
	_, err = mapOrdersConfig(cfg)
	add(err)
	_, err = mapStorageConfig(cfg)
	add(err)
	_, err = mapChannelConfig(cfg)
	add(err)
	_, err = mapPollerConfig(cfg)
	add(err)
	_, err = mapDispatchConfig(cfg)
	add(err)
	_, err = mapRecoveryConfig(cfg)
	add(err)
	_, err = mapPipelineConfig(cfg)
	add(err)
	_, _, err = mapAlertsConfig(cfg)
	add(err)
	_, _, err = mapAMQPConfig(cfg)
	add(err)
	_, err = mapOpsConfig(cfg)
	add(err)
	return errors.Join(errs...)
}
