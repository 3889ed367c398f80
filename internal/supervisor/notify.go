package supervisor

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports lifecycle transitions to a service manager.
type Notifier interface {
	Ready(status string)
	Reloading()
	Stopping()
	Watchdog()
	// WatchdogInterval is zero when no watchdog is expected.
	WatchdogInterval() time.Duration
}

// SystemdNotifier speaks the sd_notify protocol. Every call is a no-op when
// NOTIFY_SOCKET is unset.
type SystemdNotifier struct{}

func (SystemdNotifier) Ready(status string) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady+"\nSTATUS="+status)
}

func (SystemdNotifier) Reloading() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
}

func (SystemdNotifier) Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

func (SystemdNotifier) Watchdog() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
}

func (SystemdNotifier) WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

type nopNotifier struct{}

func (nopNotifier) Ready(string)                    {}
func (nopNotifier) Reloading()                      {}
func (nopNotifier) Stopping()                       {}
func (nopNotifier) Watchdog()                       {}
func (nopNotifier) WatchdogInterval() time.Duration { return 0 }
