package app

import (
	"strings"
	"testing"
	"time"

	"ordernotify/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Orders:  config.OrdersConfig{Driver: "rest", BaseURL: "https://x.supabase.co", APIKey: "k"},
		Storage: config.StorageConfig{Driver: "rest"},
		Channel: config.ChannelConfig{Driver: "dryrun"},
	}
}

func TestValidateBase(t *testing.T) {
	if err := validate(baseConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*config.Config)
		want string
	}{
		{"no channel", func(c *config.Config) { c.Channel.Driver = "" }, "channel.driver"},
		{"bad interval", func(c *config.Config) { c.Poller.Interval = "often" }, "poller.interval"},
		{"bad cron", func(c *config.Config) { c.Recovery.Schedule = "every tuesday" }, "recovery.schedule"},
		{"bad timezone", func(c *config.Config) { c.Recovery.Timezone = "Mars/Olympus" }, "recovery.timezone"},
		{"sqlite without path", func(c *config.Config) { c.Storage = config.StorageConfig{Driver: "sqlite"} }, "storage.path"},
		{"storage none", func(c *config.Config) { c.Storage.Driver = "none" }, "storage.driver=none"},
		{"unknown orders driver", func(c *config.Config) { c.Orders.Driver = "mongo" }, "orders.driver"},
		{"postgres without dsn", func(c *config.Config) { c.Orders = config.OrdersConfig{Driver: "postgres"} }, "orders.dsn"},
		{"amqp without url", func(c *config.Config) { c.Events.AMQP.Enabled = true }, "events.amqp.url"},
		{"bad ops addr", func(c *config.Config) { c.Ops.Addr = "localhost" }, "ops.addr"},
		{"negative window", func(c *config.Config) { c.Poller.WindowSize = -1 }, "poller.window_size"},
	}
	for _, tc := range cases {
		cfg := baseConfig()
		tc.mut(cfg)
		err := validate(cfg)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tc.name, err, tc.want)
		}
	}
}

func TestMapStorageInheritsOrders(t *testing.T) {
	cfg := baseConfig()
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.BaseURL != "https://x.supabase.co" || sc.APIKey != "k" {
		t.Fatalf("rest storage did not inherit orders credentials: %+v", sc)
	}

	cfg.Orders = config.OrdersConfig{Driver: "postgres", DSN: "postgres://u@h/db"}
	cfg.Storage = config.StorageConfig{Driver: "postgres"}
	sc, err = mapStorageConfig(cfg)
	if err != nil || sc.DSN != "postgres://u@h/db" {
		t.Fatalf("postgres storage = %+v, %v", sc, err)
	}
}

func TestMapDefaults(t *testing.T) {
	cfg := baseConfig()

	lc, err := mapPipelineConfig(cfg)
	if err != nil || lc.PollInterval != 5*time.Second || lc.SweepSchedule != "@every 5m" {
		t.Fatalf("pipeline = %+v, %v", lc, err)
	}
	cfg.Recovery.Schedule = "off"
	if lc, err := mapPipelineConfig(cfg); err != nil || lc.SweepSchedule != "" {
		t.Fatalf("disabled schedule = %+v, %v", lc, err)
	}
	yc, err := mapReadyConfig(cfg)
	if err != nil || yc.Window != 24*time.Hour || yc.Timeout != 15*time.Second {
		t.Fatalf("ready = %+v, %v", yc, err)
	}
	rc, err := mapRecoveryConfig(cfg)
	if err != nil || rc.Window != 24*time.Hour || rc.Pacing != 2*time.Second {
		t.Fatalf("recovery = %+v, %v", rc, err)
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil || dc.SendTimeout != 30*time.Second || dc.SettleDelay != 0 {
		t.Fatalf("dispatch = %+v, %v", dc, err)
	}
	cc, err := mapChannelConfig(cfg)
	if err != nil || cc.Bridge.ReadyWait != 2*time.Minute || cc.CloudAPI.Timeout != 30*time.Second {
		t.Fatalf("channel = %+v, %v", cc, err)
	}
}

func TestMapLoyaltySettings(t *testing.T) {
	cfg := baseConfig()
	cfg.Orders.LoyaltyTable = "cards"
	cfg.Composer.LoyaltyCard = true
	oc, err := mapOrdersConfig(cfg)
	if err != nil || oc.LoyaltyTable != "cards" {
		t.Fatalf("orders = %+v, %v", oc, err)
	}
	dc, err := mapDispatchConfig(cfg)
	if err != nil || !dc.LoyaltyCard {
		t.Fatalf("dispatch = %+v, %v", dc, err)
	}
}

func TestMapAlertsNeedsTelegram(t *testing.T) {
	cfg := baseConfig()
	if _, enabled, err := mapAlertsConfig(cfg); err != nil || enabled {
		t.Fatalf("alerts without telegram: enabled=%v err=%v", enabled, err)
	}
	if mapLogConfig(&config.Config{Logging: config.LoggingConfig{Alerts: config.LoggingAlerts{Enabled: true}}}).Alerts.Enabled {
		t.Fatal("log alerts enabled without a telegram chat")
	}

	cfg.Telegram = config.TelegramConfig{Token: "t", ChatID: -100}
	ac, enabled, err := mapAlertsConfig(cfg)
	if err != nil || !enabled || !ac.OnFailure {
		t.Fatalf("default alerts = %+v enabled=%v err=%v", ac, enabled, err)
	}

	cfg.Alerts = &config.AlertsConfig{Enabled: false}
	if _, enabled, _ := mapAlertsConfig(cfg); enabled {
		t.Fatal("explicitly disabled alerts still enabled")
	}
	cfg.Alerts = &config.AlertsConfig{Enabled: true, DedupWindow: "2m"}
	ac, _, err = mapAlertsConfig(cfg)
	if err != nil || ac.DedupWindow != 2*time.Minute {
		t.Fatalf("alerts = %+v, %v", ac, err)
	}
}

func TestSessionOpenTimeout(t *testing.T) {
	cfg := baseConfig()
	cfg.Channel.Bridge.ReadyWait = "5m"
	if got := sessionOpenTimeout(cfg); got != 5*time.Minute+10*time.Second {
		t.Fatalf("sessionOpenTimeout = %v", got)
	}
}
