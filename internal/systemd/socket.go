package systemd

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
)

// Listeners holds the systemd-activated sockets, matched by the
// FileDescriptorName= entries in yakap.socket.
type Listeners struct {
	API       net.Listener
	Metrics   net.Listener
	Activated bool
}

// GetListeners retrieves socket-activated listeners. When the process was
// not socket activated the returned Listeners is empty.
func GetListeners() (*Listeners, error) {
	listeners := &Listeners{}

	if len(activation.Files(false)) == 0 {
		return listeners, nil
	}
	listeners.Activated = true

	named, err := activation.ListenersWithNames()
	if err != nil {
		return nil, fmt.Errorf("failed to get systemd listeners: %w", err)
	}

	if lns, ok := named["api"]; ok && len(lns) > 0 {
		listeners.API = lns[0]
	}
	if lns, ok := named["metrics"]; ok && len(lns) > 0 {
		listeners.Metrics = lns[0]
	}

	return listeners, nil
}

// NotifyReady tells systemd that startup has finished. Outside systemd this
// is a no-op.
func NotifyReady() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		return fmt.Errorf("failed to send sd_notify: %w", err)
	}
	return nil
}

// NotifyStopping tells systemd that shutdown has begun.
func NotifyStopping() error {
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		return fmt.Errorf("failed to send sd_notify stopping: %w", err)
	}
	return nil
}

// RunWatchdog pings the systemd watchdog at half the configured interval
// until ctx is done. It returns immediately when WatchdogSec is unset.
func RunWatchdog(ctx context.Context, logger zerolog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("failed to read watchdog settings: %w", err)
	}
	if interval == 0 {
		return nil
	}

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	logger.Debug().Dur("interval", interval).Msg("systemd watchdog enabled")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn().Err(err).Msg("Failed to ping systemd watchdog")
			}
		}
	}
}
