package matrix

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// ErrRoomStateUnknown is returned while the encryption state of a room has not
// been learned from a full-state sync.
var ErrRoomStateUnknown = errors.New("room state unknown")

type roomInfo struct {
	encryption *event.EncryptionEventContent
	members    map[id.UserID]string
}

// RoomStateCache tracks encryption and membership per joined room. It also
// serves as the crypto state store, so megolm sessions are shared with the
// members this cache knows about.
type RoomStateCache struct {
	mu     sync.RWMutex
	synced bool
	rooms  map[id.RoomID]*roomInfo
}

func NewRoomStateCache() *RoomStateCache {
	return &RoomStateCache{rooms: make(map[id.RoomID]*roomInfo)}
}

func (c *RoomStateCache) room(roomID id.RoomID) *roomInfo {
	info, ok := c.rooms[roomID]
	if !ok {
		info = &roomInfo{members: make(map[id.UserID]string)}
		c.rooms[roomID] = info
	}

	return info
}

// Apply records a parsed state event. Non-state and unrelated events are ignored.
func (c *RoomStateCache) Apply(roomID id.RoomID, evt *event.Event) {
	if evt == nil || evt.StateKey == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch evt.Type.Type {
	case event.StateEncryption.Type:
		content := evt.Content.AsEncryption()
		if content.Algorithm == "" {
			return
		}
		copied := *content
		c.room(roomID).encryption = &copied
	case event.StateMember.Type:
		member := evt.Content.AsMember()
		userID := id.UserID(*evt.StateKey)
		info := c.room(roomID)
		switch member.Membership {
		case event.MembershipJoin, event.MembershipInvite:
			info.members[userID] = member.Displayname
		default:
			delete(info.members, userID)
		}
	}
}

// MarkJoined makes a room known even when no state has arrived for it yet.
func (c *RoomStateCache) MarkJoined(roomID id.RoomID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.room(roomID)
}

// MarkSynced flips the cache into authoritative mode after the full-state sync.
func (c *RoomStateCache) MarkSynced() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.synced = true
}

func (c *RoomStateCache) Synced() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.synced
}

// Encrypted reports whether roomID has m.room.encryption state.
func (c *RoomStateCache) Encrypted(roomID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.synced {
		return false, ErrRoomStateUnknown
	}
	info, ok := c.rooms[id.RoomID(roomID)]
	if !ok {
		return false, fmt.Errorf("%w: not joined to %s", ErrRoomStateUnknown, roomID)
	}

	return info.encryption != nil, nil
}

// Flags returns a copy of the per-room encryption flags.
func (c *RoomStateCache) Flags() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]bool, len(c.rooms))
	for roomID, info := range c.rooms {
		out[roomID.String()] = info.encryption != nil
	}

	return out
}

func (c *RoomStateCache) Members(roomID id.RoomID) []id.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]id.UserID, 0, len(info.members))
	for userID := range info.members {
		out = append(out, userID)
	}

	return out
}

// DisplayName returns the member display name, or "" when unknown.
func (c *RoomStateCache) DisplayName(roomID id.RoomID, userID id.UserID) string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if info, ok := c.rooms[roomID]; ok {
		return info.members[userID]
	}

	return ""
}

// IsEncrypted implements crypto.StateStore.
func (c *RoomStateCache) IsEncrypted(_ context.Context, roomID id.RoomID) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.rooms[roomID]

	return ok && info.encryption != nil, nil
}

// GetEncryptionEvent implements crypto.StateStore.
func (c *RoomStateCache) GetEncryptionEvent(_ context.Context, roomID id.RoomID) (*event.EncryptionEventContent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.rooms[roomID]
	if !ok || info.encryption == nil {
		return nil, nil
	}
	copied := *info.encryption

	return &copied, nil
}

// FindSharedRooms implements crypto.StateStore.
func (c *RoomStateCache) FindSharedRooms(_ context.Context, userID id.UserID) ([]id.RoomID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []id.RoomID
	for roomID, info := range c.rooms {
		if info.encryption == nil {
			continue
		}
		if _, ok := info.members[userID]; ok {
			out = append(out, roomID)
		}
	}

	return out, nil
}
