package notifications

import (
	"log/slog"

	"github.com/gen2brain/beeep"
)

type desktopFunc func(title, message string) error

// DesktopSender shows alerts through the host notification daemon. Urgent
// alerts also play the system alert sound.
type DesktopSender struct {
	logger *slog.Logger
	notify desktopFunc
	alert  desktopFunc
}

func NewDesktopSender(logger *slog.Logger) *DesktopSender {
	if logger == nil {
		logger = slog.Default().With("component", "notifications")
	}

	return &DesktopSender{
		logger: logger,
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
		alert: func(title, message string) error {
			return beeep.Alert(title, message, "")
		},
	}
}

func (s *DesktopSender) Send(payload Payload) {
	show := s.notify
	if payload.Urgent {
		show = s.alert
	}
	if err := show(payload.Title, payload.Content); err != nil {
		// Headless hosts have no notification daemon; the alert is already logged.
		s.logger.Debug("desktop notification failed", "title", payload.Title, "urgent", payload.Urgent, "error", err)
	}
}
