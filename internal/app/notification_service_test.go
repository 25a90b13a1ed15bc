package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/notifications"
)

func startNotificationService(t *testing.T) (*bus.PubSubBus, *collectingNotificationSender) {
	t.Helper()

	messageBus := newTestMessageBus(t)
	sender := newCollectingNotificationSender()
	service := NewNotificationService(messageBus, sender, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	service.Start(ctx)

	return messageBus, sender
}

func TestNotificationServiceLinkLostAndRestored(t *testing.T) {
	messageBus, sender := startNotificationService(t)

	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State: connectors.ConnectionStateConnecting, TransportName: "tcp", Target: "10.0.0.2:4403",
	})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State: connectors.ConnectionStateConnected, TransportName: "tcp", Target: "10.0.0.2:4403",
	})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State: connectors.ConnectionStateReconnecting, TransportName: "tcp", Target: "10.0.0.2:4403",
		RetryCount: 1, Err: "connection reset by peer",
	})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State: connectors.ConnectionStateConnected, TransportName: "tcp", Target: "10.0.0.2:4403",
	})

	got := sender.waitForCount(t, 2)
	if got[0].Title != notificationTitleLinkLost {
		t.Fatalf("expected link lost first, got %q", got[0].Title)
	}
	if want := "tcp 10.0.0.2:4403, attempt 1: connection reset by peer"; got[0].Content != want {
		t.Fatalf("expected content %q, got %q", want, got[0].Content)
	}
	if got[1].Title != notificationTitleLinkRestored {
		t.Fatalf("expected link restored second, got %q", got[1].Title)
	}
	sender.assertCount(t, 2)
}

func TestNotificationServiceLinkFailed(t *testing.T) {
	messageBus, sender := startNotificationService(t)

	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State: connectors.ConnectionStateFailed, TransportName: "serial", Target: "/dev/ttyACM0", Err: "radio link failed",
	})
	messageBus.Publish(connectors.TopicConnStatus, connectors.ConnectionStatus{
		State: connectors.ConnectionStateFailed, TransportName: "serial", Target: "/dev/ttyACM0", Err: "radio link failed",
	})

	got := sender.waitForCount(t, 1)
	if got[0].Title != notificationTitleLinkFailed || got[0].Content != "serial /dev/ttyACM0: radio link failed" || !got[0].Urgent {
		t.Fatalf("unexpected alert %+v", got[0])
	}
	sender.assertCount(t, 1)
}

func TestNotificationServiceSessionAlerts(t *testing.T) {
	messageBus, sender := startNotificationService(t)

	messageBus.Publish(connectors.TopicSessionStatus, connectors.SessionStatus{State: connectors.SessionStateReady, UserID: "@relay:example.org"})
	messageBus.Publish(connectors.TopicSessionStatus, connectors.SessionStatus{State: connectors.SessionStateSyncError, UserID: "@relay:example.org", Err: "502 bad gateway"})
	messageBus.Publish(connectors.TopicSessionStatus, connectors.SessionStatus{State: connectors.SessionStateReady, UserID: "@relay:example.org"})
	messageBus.Publish(connectors.TopicSessionStatus, connectors.SessionStatus{State: connectors.SessionStateAuthFailed, Err: "M_UNKNOWN_TOKEN"})

	got := sender.waitForCount(t, 3)
	if got[0].Title != notificationTitleSyncFailing || got[0].Content != "@relay:example.org: 502 bad gateway" {
		t.Fatalf("unexpected first alert %+v", got[0])
	}
	if got[1].Title != notificationTitleSyncRecovered {
		t.Fatalf("unexpected second alert %+v", got[1])
	}
	if got[2].Title != notificationTitleAuthFailed || got[2].Content != "relay user: M_UNKNOWN_TOKEN" || !got[2].Urgent {
		t.Fatalf("unexpected third alert %+v", got[2])
	}
	sender.assertCount(t, 3)
}

func TestNotificationServiceAnnouncesReleaseOnce(t *testing.T) {
	messageBus, sender := startNotificationService(t)

	snapshot := UpdateSnapshot{
		CurrentVersion:  "1.1.3",
		Latest:          ReleaseInfo{Version: "1.1.4", HTMLURL: "https://example.com/r/1.1.4"},
		UpdateAvailable: true,
	}
	messageBus.Publish(connectors.TopicUpdateSnapshot, UpdateSnapshot{CurrentVersion: "1.1.3", Latest: ReleaseInfo{Version: "1.1.3"}})
	messageBus.Publish(connectors.TopicUpdateSnapshot, snapshot)
	messageBus.Publish(connectors.TopicUpdateSnapshot, snapshot)

	got := sender.waitForCount(t, 1)
	if got[0].Title != notificationTitleUpdate || got[0].Content != "1.1.4 is available (running 1.1.3): https://example.com/r/1.1.4" {
		t.Fatalf("unexpected alert %+v", got[0])
	}
	sender.assertCount(t, 1)
}

func TestNotificationServiceWithoutSenderOnlyLogs(t *testing.T) {
	messageBus := newTestMessageBus(t)
	service := NewNotificationService(messageBus, nil, discardLogger())

	// No sender must not panic.
	service.handleConnectionStatus(connectors.ConnectionStatus{State: connectors.ConnectionStateFailed})
	service.handleSessionStatus(connectors.SessionStatus{State: connectors.SessionStateAuthFailed})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMessageBus(t *testing.T) *bus.PubSubBus {
	t.Helper()

	messageBus := bus.New(discardLogger())
	t.Cleanup(func() {
		messageBus.Close()
	})

	return messageBus
}

type collectingNotificationSender struct {
	mu            sync.Mutex
	notifications []notifications.Payload
	changes       chan struct{}
}

func newCollectingNotificationSender() *collectingNotificationSender {
	return &collectingNotificationSender{
		changes: make(chan struct{}, 1),
	}
}

func (s *collectingNotificationSender) Send(notification notifications.Payload) {
	s.mu.Lock()
	s.notifications = append(s.notifications, notification)
	s.mu.Unlock()

	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *collectingNotificationSender) snapshot() []notifications.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]notifications.Payload, len(s.notifications))
	copy(out, s.notifications)

	return out
}

func (s *collectingNotificationSender) waitForCount(t *testing.T, expected int) []notifications.Payload {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		current := s.snapshot()
		if len(current) >= expected {
			return current
		}
		select {
		case <-s.changes:
		case <-time.After(10 * time.Millisecond):
		}
	}

	t.Fatalf("timed out waiting for %d notifications", expected)

	return nil
}

func (s *collectingNotificationSender) assertCount(t *testing.T, expected int) {
	t.Helper()

	time.Sleep(100 * time.Millisecond)
	current := s.snapshot()
	if len(current) != expected {
		t.Fatalf("expected %d notifications, got %d", expected, len(current))
	}
}
