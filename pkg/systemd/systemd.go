// Package systemd wraps the sd_notify handshake. Every call is a no-op
// outside a systemd unit (NOTIFY_SOCKET unset).
package systemd

import "github.com/coreos/go-systemd/v22/daemon"

// NotifyReady tells systemd the service finished starting (Type=notify).
func NotifyReady() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
}

// NotifyStopping tells systemd a shutdown is underway.
func NotifyStopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// NotifyStatus publishes a free-form status line (shown in systemctl status).
func NotifyStatus(status string) {
	_, _ = daemon.SdNotify(false, "STATUS="+status)
}
