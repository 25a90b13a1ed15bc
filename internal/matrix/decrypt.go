package matrix

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

const defaultSeenCapacity = 4096

// megolmDecrypter is the part of the olm machine used for inbound events.
type megolmDecrypter interface {
	DecryptMegolmEvent(ctx context.Context, evt *event.Event) (*event.Event, error)
	SendRoomKeyRequest(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, sessionID id.SessionID, requestID string, users map[id.UserID][]id.DeviceID) (chan bool, error)
}

type parkedEvent struct {
	roomID id.RoomID
	evt    *event.Event
}

// seenSet is a bounded FIFO set of event ids.
type seenSet struct {
	capacity int
	order    []id.EventID
	ids      map[id.EventID]struct{}
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = defaultSeenCapacity
	}

	return &seenSet{capacity: capacity, ids: make(map[id.EventID]struct{}, capacity)}
}

// add reports false if the id was already present.
func (s *seenSet) add(eventID id.EventID) bool {
	if _, ok := s.ids[eventID]; ok {
		return false
	}
	if len(s.order) >= s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.ids, oldest)
	}
	s.order = append(s.order, eventID)
	s.ids[eventID] = struct{}{}

	return true
}

// decryptQueue decrypts megolm events and parks the ones whose session keys
// have not arrived yet. Parked events are retried after every sync and are
// delivered at most once.
type decryptQueue struct {
	logger *slog.Logger
	crypto megolmDecrypter

	mu        sync.Mutex
	parked    map[id.EventID]parkedEvent
	order     []id.EventID
	requested map[id.SessionID]struct{}
	seen      *seenSet
}

func newDecryptQueue(logger *slog.Logger, crypto megolmDecrypter, seenCapacity int) *decryptQueue {
	return &decryptQueue{
		logger:    logger,
		crypto:    crypto,
		parked:    make(map[id.EventID]parkedEvent),
		requested: make(map[id.SessionID]struct{}),
		seen:      newSeenSet(seenCapacity),
	}
}

// Decrypt returns the decrypted event, or ok=false when the event was parked
// or already delivered. evt is never modified.
func (q *decryptQueue) Decrypt(ctx context.Context, roomID id.RoomID, evt *event.Event) (*event.Event, bool) {
	q.mu.Lock()
	if _, done := q.seen.ids[evt.ID]; done {
		q.mu.Unlock()
		return nil, false
	}
	if _, waiting := q.parked[evt.ID]; waiting {
		q.mu.Unlock()
		return nil, false
	}
	q.mu.Unlock()

	decrypted, err := q.crypto.DecryptMegolmEvent(ctx, withRoom(evt, roomID))
	if err != nil {
		q.onDecryptFailure(ctx, roomID, evt, err)
		return nil, false
	}

	return q.markDelivered(evt.ID, decrypted)
}

func (q *decryptQueue) markDelivered(eventID id.EventID, decrypted *event.Event) (*event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.seen.add(eventID) {
		return nil, false
	}

	return decrypted, true
}

func (q *decryptQueue) onDecryptFailure(ctx context.Context, roomID id.RoomID, evt *event.Event, cause error) {
	q.mu.Lock()
	if _, ok := q.parked[evt.ID]; !ok {
		q.parked[evt.ID] = parkedEvent{roomID: roomID, evt: evt}
		q.order = append(q.order, evt.ID)
	}
	q.mu.Unlock()

	q.logger.Info("could not decrypt event, requesting room key",
		"room", roomID,
		"event_id", evt.ID,
		"sender", evt.Sender,
		"error", cause,
	)
	q.requestKey(ctx, roomID, evt)
}

// requestKey asks the sender's devices for the event's megolm session once.
// A failed request is forgotten so the next failure or retry asks again.
func (q *decryptQueue) requestKey(ctx context.Context, roomID id.RoomID, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.EncryptedEventContent)
	if !ok || content.SessionID == "" {
		return
	}
	sessionID := content.SessionID

	q.mu.Lock()
	if _, done := q.requested[sessionID]; done {
		q.mu.Unlock()
		return
	}
	q.requested[sessionID] = struct{}{}
	q.mu.Unlock()

	users := map[id.UserID][]id.DeviceID{evt.Sender: {"*"}}
	if _, err := q.crypto.SendRoomKeyRequest(ctx, roomID, content.SenderKey, sessionID, uuid.NewString(), users); err != nil {
		q.logger.Warn("room key request failed", "room", roomID, "session_id", sessionID, "error", err)
		q.mu.Lock()
		delete(q.requested, sessionID)
		q.mu.Unlock()
	}
}

// Retry attempts every parked event again, returning newly decrypted events
// in arrival order.
func (q *decryptQueue) Retry(ctx context.Context) []parkedEvent {
	q.mu.Lock()
	pending := make([]parkedEvent, 0, len(q.order))
	for _, eventID := range q.order {
		pending = append(pending, q.parked[eventID])
	}
	q.mu.Unlock()

	var out []parkedEvent
	for _, p := range pending {
		decrypted, err := q.crypto.DecryptMegolmEvent(ctx, withRoom(p.evt, p.roomID))
		if err != nil {
			q.requestKey(ctx, p.roomID, p.evt)
			continue
		}
		q.unpark(p.evt.ID)
		if ev, ok := q.markDelivered(p.evt.ID, decrypted); ok {
			q.logger.Info("decrypted parked event", "room", p.roomID, "event_id", p.evt.ID)
			out = append(out, parkedEvent{roomID: p.roomID, evt: ev})
		}
	}

	return out
}

func (q *decryptQueue) unpark(eventID id.EventID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.parked, eventID)
	for i, parked := range q.order {
		if parked == eventID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *decryptQueue) Parked() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.parked)
}

// withRoom returns a shallow copy of evt carrying roomID.
func withRoom(evt *event.Event, roomID id.RoomID) *event.Event {
	copied := *evt
	copied.RoomID = roomID

	return &copied
}
