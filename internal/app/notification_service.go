package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/notifications"
)

const (
	notificationTitleLinkLost      = "Radio link lost"
	notificationTitleLinkRestored  = "Radio link restored"
	notificationTitleLinkFailed    = "Radio link failed"
	notificationTitleAuthFailed    = "Matrix login failed"
	notificationTitleSyncFailing   = "Matrix sync failing"
	notificationTitleSyncRecovered = "Matrix sync recovered"
	notificationTitleUpdate        = "mmrelay update available"
)

// NotificationService turns radio and session transitions into operator
// alerts. Every alert is logged; sender is optional.
type NotificationService struct {
	bus    bus.MessageBus
	sender notifications.Sender
	logger *slog.Logger

	mu               sync.Mutex
	lastConnState    connectors.ConnectionState
	lastSessionState connectors.SessionState
	linkDegraded     bool
	syncDegraded     bool
	announcedRelease string
}

func NewNotificationService(messageBus bus.MessageBus, sender notifications.Sender, logger *slog.Logger) *NotificationService {
	if logger == nil {
		logger = slog.Default().With("component", "app.notifications")
	}

	return &NotificationService{
		bus:    messageBus,
		sender: sender,
		logger: logger,
	}
}

func (s *NotificationService) Start(ctx context.Context) {
	if s == nil || s.bus == nil {
		return
	}

	connSub := s.bus.Subscribe(connectors.TopicConnStatus)
	sessionSub := s.bus.Subscribe(connectors.TopicSessionStatus)
	updateSub := s.bus.Subscribe(connectors.TopicUpdateSnapshot)

	go func() {
		defer s.bus.Unsubscribe(connSub, connectors.TopicConnStatus)
		defer s.bus.Unsubscribe(sessionSub, connectors.TopicSessionStatus)
		defer s.bus.Unsubscribe(updateSub, connectors.TopicUpdateSnapshot)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-connSub:
				if !ok {
					return
				}
				status, ok := raw.(connectors.ConnectionStatus)
				if !ok {
					continue
				}
				s.handleConnectionStatus(status)
			case raw, ok := <-sessionSub:
				if !ok {
					return
				}
				status, ok := raw.(connectors.SessionStatus)
				if !ok {
					continue
				}
				s.handleSessionStatus(status)
			case raw, ok := <-updateSub:
				if !ok {
					return
				}
				snapshot, ok := raw.(UpdateSnapshot)
				if !ok {
					continue
				}
				s.handleUpdateSnapshot(snapshot)
			}
		}
	}()
}

func (s *NotificationService) handleConnectionStatus(status connectors.ConnectionStatus) {
	if status.State == "" {
		return
	}

	s.mu.Lock()
	if s.lastConnState == status.State {
		s.mu.Unlock()
		return
	}
	s.lastConnState = status.State

	var payload *notifications.Payload
	switch status.State {
	case connectors.ConnectionStateReconnecting:
		if !s.linkDegraded {
			s.linkDegraded = true
			payload = &notifications.Payload{Title: notificationTitleLinkLost, Content: linkDetails(status)}
		}
	case connectors.ConnectionStateConnected:
		if s.linkDegraded {
			s.linkDegraded = false
			payload = &notifications.Payload{Title: notificationTitleLinkRestored, Content: linkDetails(status)}
		}
	case connectors.ConnectionStateFailed:
		s.linkDegraded = true
		payload = &notifications.Payload{Title: notificationTitleLinkFailed, Content: linkDetails(status), Urgent: true}
	}
	s.mu.Unlock()

	if payload != nil {
		s.send(*payload)
	}
}

func (s *NotificationService) handleSessionStatus(status connectors.SessionStatus) {
	if status.State == "" {
		return
	}

	s.mu.Lock()
	if s.lastSessionState == status.State {
		s.mu.Unlock()
		return
	}
	s.lastSessionState = status.State

	var payload *notifications.Payload
	switch status.State {
	case connectors.SessionStateAuthFailed:
		payload = &notifications.Payload{Title: notificationTitleAuthFailed, Content: sessionDetails(status), Urgent: true}
	case connectors.SessionStateSyncError:
		if !s.syncDegraded {
			s.syncDegraded = true
			payload = &notifications.Payload{Title: notificationTitleSyncFailing, Content: sessionDetails(status)}
		}
	case connectors.SessionStateReady:
		if s.syncDegraded {
			s.syncDegraded = false
			payload = &notifications.Payload{Title: notificationTitleSyncRecovered, Content: sessionDetails(status)}
		}
	}
	s.mu.Unlock()

	if payload != nil {
		s.send(*payload)
	}
}

// handleUpdateSnapshot announces each newer release once per process.
func (s *NotificationService) handleUpdateSnapshot(snapshot UpdateSnapshot) {
	if !snapshot.UpdateAvailable {
		return
	}

	s.mu.Lock()
	if s.announcedRelease == snapshot.Latest.Version {
		s.mu.Unlock()
		return
	}
	s.announcedRelease = snapshot.Latest.Version
	s.mu.Unlock()

	content := fmt.Sprintf("%s is available (running %s)", snapshot.Latest.Version, snapshot.CurrentVersion)
	if snapshot.Latest.HTMLURL != "" {
		content += ": " + snapshot.Latest.HTMLURL
	}
	s.send(notifications.Payload{Title: notificationTitleUpdate, Content: content})
}

func (s *NotificationService) send(payload notifications.Payload) {
	if payload.Urgent {
		s.logger.Error("operator alert", "title", payload.Title, "details", payload.Content)
	} else {
		s.logger.Warn("operator alert", "title", payload.Title, "details", payload.Content)
	}
	if s.sender == nil {
		return
	}
	s.sender.Send(payload)
}

func linkDetails(status connectors.ConnectionStatus) string {
	transport := strings.TrimSpace(status.TransportName)
	if transport == "" {
		transport = "radio"
	}
	details := transport
	if target := strings.TrimSpace(status.Target); target != "" {
		details = fmt.Sprintf("%s %s", transport, target)
	}
	if status.RetryCount > 0 {
		details = fmt.Sprintf("%s, attempt %d", details, status.RetryCount)
	}
	if status.Err != "" {
		details = fmt.Sprintf("%s: %s", details, status.Err)
	}

	return details
}

func sessionDetails(status connectors.SessionStatus) string {
	who := strings.TrimSpace(status.UserID)
	if who == "" {
		who = "relay user"
	}
	if status.Err != "" {
		return fmt.Sprintf("%s: %s", who, status.Err)
	}

	return who
}
