package domain

import (
	"context"
	"time"
)

// WriteQueue serializes persistence writes issued from async event handlers.
type WriteQueue interface {
	Enqueue(name string, fn func(context.Context) error)
}

type NodeRepository interface {
	Upsert(ctx context.Context, n Node) error
	ListSortedByLastHeard(ctx context.Context) ([]Node, error)
}

// IdentityRepository stores mesh packet ↔ Matrix event correlations.
type IdentityRepository interface {
	Put(ctx context.Context, rec IdentityRecord) error
	GetByMeshPacketID(ctx context.Context, packetID uint32, roomID string) (IdentityRecord, bool, error)
	GetByChatEventID(ctx context.Context, eventID string) (IdentityRecord, bool, error)
	Prune(ctx context.Context, olderThan time.Time, maxCount int) (int64, error)
	Count(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
}

type PluginDataRepository interface {
	Put(ctx context.Context, d PluginData) error
	Get(ctx context.Context, plugin, nodeID string) (PluginData, bool, error)
	ListByPlugin(ctx context.Context, plugin string) ([]PluginData, error)
	Delete(ctx context.Context, plugin, nodeID string) error
}
