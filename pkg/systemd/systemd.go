// Package systemd sends sd_notify state changes to the service manager.
// Outside systemd (no NOTIFY_SOCKET) every call is a no-op.
package systemd

import (
	"github.com/coreos/go-systemd/v22/daemon"
)

type Notifier struct {
	enabled bool
	send    func(state string) (bool, error)
}

func NewNotifier(enabled bool) *Notifier {
	return &Notifier{
		enabled: enabled,
		send: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
	}
}

// Ready reports READY=1. The bool is false when no socket was available.
func (n *Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Status(msg string) (bool, error) { return n.notify("STATUS=" + msg) }

func (n *Notifier) notify(state string) (bool, error) {
	if n == nil || !n.enabled || n.send == nil {
		return false, nil
	}
	return n.send(state)
}
