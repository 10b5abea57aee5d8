package config

import (
	"reflect"
	"sort"
	"strings"

	logx "ordernotify/pkg/logx"
)

// liveSections are applied without a restart. Everything else is read once
// at start-up. Of poller only the interval is live.
var liveSections = map[string]bool{
	"logging": true,
	"poller":  true,
}

// SummarizeConfigChange returns (1) the sorted list of changed sections,
// (2) safe structured attrs for logging (never secrets), and (3) the changed
// sections that only take effect after a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	mark := func(section string, fields ...logx.Field) {
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		mark("logging",
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alerts_enabled", newCfg.Logging.Alerts.Enabled),
		)
	}
	if oldCfg.Telegram.ChatID != newCfg.Telegram.ChatID ||
		oldCfg.Telegram.ThreadID != newCfg.Telegram.ThreadID ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) ||
		secretSet(oldCfg.Telegram.Token) != secretSet(newCfg.Telegram.Token) {
		mark("telegram", logx.Bool("telegram.token_set", secretSet(newCfg.Telegram.Token)))
	}
	if oldCfg.Orders != newCfg.Orders {
		mark("orders", logx.String("orders.driver", newCfg.Orders.Driver), logx.String("orders.table", newCfg.Orders.Table))
	}
	if oldCfg.Storage != newCfg.Storage {
		mark("storage", logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Channel, newCfg.Channel) {
		mark("channel",
			logx.String("channel.driver", newCfg.Channel.Driver),
			logx.Int("channel.fallbacks", len(newCfg.Channel.Fallback)),
		)
	}
	if oldCfg.Composer != newCfg.Composer {
		mark("composer", logx.String("composer.restaurant", newCfg.Composer.Restaurant))
	}
	pollerRestart := false
	if oldCfg.Poller != newCfg.Poller {
		mark("poller",
			logx.String("poller.interval", newCfg.Poller.Interval),
			logx.Int("poller.window_size", newCfg.Poller.WindowSize),
		)
		o, n := oldCfg.Poller, newCfg.Poller
		o.Interval, n.Interval = "", ""
		pollerRestart = o != n
	}
	if oldCfg.Dispatch != newCfg.Dispatch {
		mark("dispatch", logx.Bool("dispatch.follow_up", newCfg.Dispatch.FollowUp))
	}
	if oldCfg.Recovery != newCfg.Recovery {
		mark("recovery",
			logx.String("recovery.window", newCfg.Recovery.Window),
			logx.String("recovery.schedule", newCfg.Recovery.Schedule),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		mark("alerts", logx.Bool("alerts.present", newCfg.Alerts != nil))
	}
	if oldCfg.Events != newCfg.Events {
		mark("events", logx.Bool("events.amqp_enabled", newCfg.Events.AMQP.Enabled))
	}
	if oldCfg.Ops != newCfg.Ops {
		mark("ops",
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", secretSet(newCfg.Ops.Token)),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if !liveSections[s] || (s == "poller" && pollerRestart) {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func secretSet(s string) bool { return strings.TrimSpace(s) != "" }
