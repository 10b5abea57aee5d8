package channel

import (
	"fmt"
	"strings"
	"time"

	logx "ordernotify/pkg/logx"
)

// Config selects and configures the delivery driver(s).
//
// Driver is one of "cloudapi", "bridge", "dryrun". Fallback lists further
// drivers tried in order when the primary rejects a send.
type Config struct {
	Driver   string
	Fallback []string
	Timeout  time.Duration

	CloudAPI CloudAPIConfig
	Bridge   BridgeConfig
}

// NewDriver builds the configured driver, wrapping it in a Chain when
// fallbacks are configured.
func NewDriver(cfg Config, log logx.Logger) (Driver, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	names := append([]string{cfg.Driver}, cfg.Fallback...)
	drivers := make([]Driver, 0, len(names))
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		d, err := newDriver(n, cfg, log)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, d)
	}
	switch len(drivers) {
	case 0:
		return nil, fmt.Errorf("channel.driver is required")
	case 1:
		return drivers[0], nil
	default:
		return NewChain(log, drivers...), nil
	}
}

func newDriver(name string, cfg Config, log logx.Logger) (Driver, error) {
	log = log.With(logx.String("driver", name))
	switch name {
	case "cloudapi", "cloud", "whatsapp":
		c := cfg.CloudAPI
		if c.Timeout <= 0 {
			c.Timeout = cfg.Timeout
		}
		return NewCloudAPI(c, nil, log), nil
	case "bridge", "web":
		b := cfg.Bridge
		if b.Timeout <= 0 {
			b.Timeout = cfg.Timeout
		}
		return NewBridge(b, nil, log), nil
	case "dryrun", "dry-run", "log":
		return NewDryRun(log), nil
	default:
		return nil, fmt.Errorf("unknown channel driver %q", name)
	}
}
