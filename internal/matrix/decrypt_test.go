package matrix

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

type keyRequest struct {
	roomID    id.RoomID
	sessionID id.SessionID
	users     map[id.UserID][]id.DeviceID
}

type fakeDecrypter struct {
	mu        sync.Mutex
	available map[id.SessionID]bool
	decrypts  int
	requests  []keyRequest

	// failRequests makes that many key requests fail before any succeeds.
	failRequests int
}

func (f *fakeDecrypter) DecryptMegolmEvent(_ context.Context, evt *event.Event) (*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.decrypts++
	content := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !f.available[content.SessionID] {
		return nil, errors.New("no session with given ID found")
	}

	return &event.Event{
		ID:        evt.ID,
		RoomID:    evt.RoomID,
		Sender:    evt.Sender,
		Timestamp: evt.Timestamp,
		Type:      event.EventMessage,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    "decrypted " + evt.ID.String(),
		}},
	}, nil
}

func (f *fakeDecrypter) SendRoomKeyRequest(_ context.Context, roomID id.RoomID, _ id.SenderKey, sessionID id.SessionID, _ string, users map[id.UserID][]id.DeviceID) (chan bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, keyRequest{roomID: roomID, sessionID: sessionID, users: users})
	if f.failRequests > 0 {
		f.failRequests--
		return nil, errors.New("to-device send failed")
	}

	return make(chan bool, 1), nil
}

func (f *fakeDecrypter) release(sessionID id.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[sessionID] = true
}

func encryptedEvent(eventID string, sessionID string) *event.Event {
	return &event.Event{
		ID:        id.EventID(eventID),
		Sender:    "@alice:example.org",
		Timestamp: 1_700_000_000_000,
		Type:      event.EventEncrypted,
		Content: event.Content{Parsed: &event.EncryptedEventContent{
			Algorithm: id.AlgorithmMegolmV1,
			SenderKey: "curvekey",
			SessionID: id.SessionID(sessionID),
		}},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecryptFailureIsDeliveredExactlyOnce(t *testing.T) {
	ctx := context.Background()
	crypto := &fakeDecrypter{available: map[id.SessionID]bool{}}
	q := newDecryptQueue(discardLogger(), crypto, 16)
	room := id.RoomID("!enc:example.org")

	first := encryptedEvent("$one", "sess1")
	second := encryptedEvent("$two", "sess1")
	if _, ok := q.Decrypt(ctx, room, first); ok {
		t.Fatalf("expected first event to be parked")
	}
	if _, ok := q.Decrypt(ctx, room, second); ok {
		t.Fatalf("expected second event to be parked")
	}
	// The same event showing up again while parked is not retried inline.
	if _, ok := q.Decrypt(ctx, room, first); ok {
		t.Fatalf("expected parked duplicate to stay parked")
	}

	if q.Parked() != 2 {
		t.Fatalf("expected two parked events, got %d", q.Parked())
	}
	if len(crypto.requests) != 1 {
		t.Fatalf("expected one key request per session, got %d", len(crypto.requests))
	}
	req := crypto.requests[0]
	if req.roomID != room || req.sessionID != "sess1" || len(req.users["@alice:example.org"]) != 1 {
		t.Fatalf("unexpected key request %+v", req)
	}

	if got := q.Retry(ctx); len(got) != 0 {
		t.Fatalf("expected nothing before keys arrive, got %d", len(got))
	}

	crypto.release("sess1")
	got := q.Retry(ctx)
	if len(got) != 2 {
		t.Fatalf("expected both events after key import, got %d", len(got))
	}
	if got[0].evt.ID != "$one" || got[1].evt.ID != "$two" || got[0].roomID != room {
		t.Fatalf("unexpected retry order %+v", got)
	}
	if q.Parked() != 0 {
		t.Fatalf("expected queue drained, got %d", q.Parked())
	}

	if again := q.Retry(ctx); len(again) != 0 {
		t.Fatalf("expected no redelivery, got %d", len(again))
	}
	if _, ok := q.Decrypt(ctx, room, first); ok {
		t.Fatalf("expected delivered event not to be delivered again")
	}
}

func TestFailedKeyRequestIsRetried(t *testing.T) {
	ctx := context.Background()
	crypto := &fakeDecrypter{available: map[id.SessionID]bool{}, failRequests: 1}
	q := newDecryptQueue(discardLogger(), crypto, 16)
	room := id.RoomID("!enc:example.org")

	if _, ok := q.Decrypt(ctx, room, encryptedEvent("$one", "sess1")); ok {
		t.Fatalf("expected event to be parked")
	}
	if len(crypto.requests) != 1 {
		t.Fatalf("expected an initial key request, got %d", len(crypto.requests))
	}

	// The next sync retries the parked event and asks for the key again.
	_ = q.Retry(ctx)
	if len(crypto.requests) != 2 {
		t.Fatalf("expected the failed request to be sent again, got %d", len(crypto.requests))
	}

	// Once a request went out, later retries do not repeat it.
	_ = q.Retry(ctx)
	if _, ok := q.Decrypt(ctx, room, encryptedEvent("$two", "sess1")); ok {
		t.Fatalf("expected second event to be parked")
	}
	if len(crypto.requests) != 2 {
		t.Fatalf("expected no further requests after success, got %d", len(crypto.requests))
	}

	crypto.release("sess1")
	if got := q.Retry(ctx); len(got) != 2 {
		t.Fatalf("expected both events after key import, got %d", len(got))
	}
}

func TestDecryptDoesNotMutateReceivedEvent(t *testing.T) {
	crypto := &fakeDecrypter{available: map[id.SessionID]bool{"sess": true}}
	q := newDecryptQueue(discardLogger(), crypto, 16)
	evt := encryptedEvent("$x", "sess")

	decrypted, ok := q.Decrypt(context.Background(), "!room:example.org", evt)
	if !ok {
		t.Fatalf("expected decrypt")
	}
	if evt.RoomID != "" {
		t.Fatalf("received event was modified: room %q", evt.RoomID)
	}
	if decrypted.RoomID != "!room:example.org" {
		t.Fatalf("expected room id on decrypted copy, got %q", decrypted.RoomID)
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := newSeenSet(2)
	s.add("$a")
	s.add("$b")
	s.add("$c")

	if !s.add("$a") {
		t.Fatalf("expected $a to have been evicted")
	}
	if s.add("$c") {
		t.Fatalf("expected $c to still be present")
	}
}
