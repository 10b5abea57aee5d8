package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "24h").
// String values may reference environment variables as ${NAME}.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Telegram TelegramConfig `json:"telegram"`

	Orders   OrdersConfig   `json:"orders"`
	Storage  StorageConfig  `json:"storage"`
	Channel  ChannelConfig  `json:"channel"`
	Composer ComposerConfig `json:"composer"`
	Poller   PollerConfig   `json:"poller"`
	Dispatch DispatchConfig `json:"dispatch"`
	Recovery RecoveryConfig `json:"recovery"`

	Alerts *AlertsConfig `json:"alerts,omitempty"`
	Events EventsConfig  `json:"events,omitempty"`
	Ops    OpsConfig     `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards log lines at or above MinLevel to the Telegram
// operator chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// TelegramConfig is the operator chat. Leave token empty to disable.
type TelegramConfig struct {
	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// OrdersConfig locates the order table.
//
// Example:
//
//	"orders": { "driver": "rest", "base_url": "https://xyz.supabase.co", "api_key": "${SUPABASE_KEY}" }
type OrdersConfig struct {
	Driver  string `json:"driver"`
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key,omitempty"`
	DSN     string `json:"dsn,omitempty"`
	Table   string `json:"table,omitempty"`
	// LoyaltyTable holds customer stamp cards. Default loyalty_points.
	LoyaltyTable string `json:"loyalty_table,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// StorageConfig controls where delivery status is kept.
//
// Drivers: file, sqlite, postgres, rest, memory. The rest driver reuses
// orders.base_url and orders.api_key when its own are empty.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Table       string `json:"table,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	BaseURL     string `json:"base_url,omitempty"`
	APIKey      string `json:"api_key,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type ChannelConfig struct {
	// Driver is cloudapi, bridge or dryrun.
	Driver   string         `json:"driver"`
	Fallback []string       `json:"fallback,omitempty"`
	Timeout  string         `json:"timeout,omitempty"`
	CloudAPI CloudAPIConfig `json:"cloud_api,omitempty"`
	Bridge   BridgeConfig   `json:"bridge,omitempty"`
}

type CloudAPIConfig struct {
	BaseURL       string `json:"base_url,omitempty"`
	Version       string `json:"version,omitempty"`
	PhoneNumberID string `json:"phone_number_id,omitempty"`
	Token         string `json:"token,omitempty"`
}

type BridgeConfig struct {
	URL       string `json:"url,omitempty"`
	Token     string `json:"token,omitempty"`
	ReadyWait string `json:"ready_wait,omitempty"`
}

type ComposerConfig struct {
	Restaurant     string `json:"restaurant,omitempty"`
	CountryCode    string `json:"country_code,omitempty"`
	Currency       string `json:"currency,omitempty"`
	EstimatedDelay string `json:"estimated_delay,omitempty"`
	PortalURL      string `json:"portal_url,omitempty"`
	// LoyaltyCard adds the customer's stamp card to the confirmation.
	LoyaltyCard bool `json:"loyalty_card,omitempty"`
}

// PollerConfig. Interval is applied live on reload.
type PollerConfig struct {
	Interval       string `json:"interval,omitempty"`
	WindowSize     int    `json:"window_size,omitempty"`
	Timeout        string `json:"timeout,omitempty"`
	HeartbeatEvery int    `json:"heartbeat_every,omitempty"`
}

type DispatchConfig struct {
	FollowUp     bool   `json:"follow_up"`
	SettleDelay  string `json:"settle_delay,omitempty"`
	SendTimeout  string `json:"send_timeout,omitempty"`
	StoreTimeout string `json:"store_timeout,omitempty"`
}

type RecoveryConfig struct {
	Window string `json:"window,omitempty"`
	Pacing string `json:"pacing,omitempty"`
	// Schedule is a cron spec for periodic sweeps. Empty means every 5m,
	// "off" disables them.
	Schedule     string `json:"schedule,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
	ReadyRedrive bool   `json:"ready_redrive,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// AlertsConfig controls operator alerts about deliveries. Nil means
// enabled with defaults whenever telegram.token is set.
type AlertsConfig struct {
	Enabled       bool   `json:"enabled"`
	OnFailure     bool   `json:"on_failure"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp,omitempty"`
}

type AMQPConfig struct {
	Enabled  bool   `json:"enabled"`
	URL      string `json:"url,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

// OpsConfig controls the operator HTTP server.
//
// Prefer a loopback addr; a public addr needs token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	WriteTimeout  string `json:"write_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}
