package notifications

import (
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestDesktopSenderRoutesByUrgency(t *testing.T) {
	var calls []string
	s := NewDesktopSender(slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.notify = func(title, message string) error {
		calls = append(calls, "notify:"+title+"|"+message)
		return nil
	}
	s.alert = func(title, message string) error {
		calls = append(calls, "alert:"+title+"|"+message)
		return errors.New("no notification daemon")
	}

	s.Send(Payload{Title: "Radio link restored", Content: "tcp 10.0.0.2:4403"})
	s.Send(Payload{Title: "Radio link failed", Content: "tcp 10.0.0.2:4403", Urgent: true})

	want := []string{
		"notify:Radio link restored|tcp 10.0.0.2:4403",
		"alert:Radio link failed|tcp 10.0.0.2:4403",
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("call %d: got %q want %q", i, calls[i], want[i])
		}
	}
}
