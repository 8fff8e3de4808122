package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "tickd/pkg/logx"
)

// notifyReady tells the service manager startup is complete. Outside systemd
// (no NOTIFY_SOCKET) it is a no-op.
func notifyReady(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify ready failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify ready sent")
	}
}

func notifyStopping(log logx.Logger) {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		log.Warn("sd_notify stopping failed", logx.Err(err))
	}
}

// watchdog pings the systemd watchdog at half its interval while the
// scheduler loop is healthy. A stalled loop stops the pings and lets
// systemd restart the unit.
func (a *App) watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if err := a.health(); err != nil {
				a.log.Warn("watchdog ping withheld", logx.Err(err), logx.Time("checked_at", now))
				continue
			}
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				a.log.Warn("sd_notify watchdog failed", logx.Err(err))
			}
		}
	}
}
