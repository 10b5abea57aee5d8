// Package systemd reports service state to the systemd manager over the
// notify socket. Outside systemd every call is a no-op.
package systemd

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "ordernotify/pkg/logx"
)

type Notifier struct {
	log      logx.Logger
	watchdog time.Duration

	mu       sync.Mutex
	lastPing time.Time
}

// New reads the watchdog interval from the environment (WATCHDOG_USEC).
func New(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{log: log.With(logx.String("comp", "systemd"))}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		n.log.Warn("watchdog settings unreadable", logx.Err(err))
	} else {
		n.watchdog = d
	}
	return n
}

func (n *Notifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Status(text string) { n.notify("STATUS=" + text) }

// Watchdog pings at most twice per watchdog interval.
func (n *Notifier) Watchdog() {
	if n.watchdog <= 0 {
		return
	}
	n.mu.Lock()
	due := time.Since(n.lastPing) >= n.watchdog/2
	if due {
		n.lastPing = time.Now()
	}
	n.mu.Unlock()
	if due {
		n.notify(daemon.SdNotifyWatchdog)
	}
}

func (n *Notifier) notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	switch {
	case err != nil:
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}
