package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

// ErrNoDataStore is returned when the relay runs without a database.
var ErrNoDataStore = errors.New("plugin data store is not configured")

type dataKey struct {
	plugin string
	nodeID string
}

// pendingBlob is a write handed to the writer queue but not yet applied.
type pendingBlob struct {
	seq     uint64
	raw     []byte
	deleted bool
}

// DataStore persists JSON blobs on behalf of plugins. The relay never looks
// inside them.
//
// Writes go through the relay's writer queue. Until a write lands, reads see
// it from an in-memory overlay, so read-modify-write hooks stay consistent.
type DataStore struct {
	repo   domain.PluginDataRepository
	writer domain.WriteQueue

	mu      sync.Mutex
	seq     uint64
	pending map[dataKey]pendingBlob
}

// NewDataStore builds a store over repo. Without a writer queue, writes run
// inline.
func NewDataStore(repo domain.PluginDataRepository, writer domain.WriteQueue) *DataStore {
	return &DataStore{
		repo:    repo,
		writer:  writer,
		pending: make(map[dataKey]pendingBlob),
	}
}

// Put queues v for storage. Only encoding errors are returned; storage
// failures are logged by the writer queue.
func (s *DataStore) Put(ctx context.Context, plugin, nodeID string, v any) error {
	if s == nil || s.repo == nil {
		return ErrNoDataStore
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s data: %w", plugin, err)
	}

	repo := s.repo
	rec := domain.PluginData{Plugin: plugin, NodeID: nodeID, Data: raw}
	return s.write(ctx, "put_plugin_data", dataKey{plugin, nodeID}, pendingBlob{raw: raw}, func(ctx context.Context) error {
		if err := repo.Put(ctx, rec); err != nil {
			return fmt.Errorf("plugin data %s/%s: %w", plugin, nodeID, err)
		}

		return nil
	})
}

// Get decodes the stored blob into dst and reports whether one existed.
func (s *DataStore) Get(ctx context.Context, plugin, nodeID string, dst any) (bool, error) {
	if s == nil || s.repo == nil {
		return false, ErrNoDataStore
	}

	var raw []byte
	if blob, ok := s.pendingFor(dataKey{plugin, nodeID}); ok {
		if blob.deleted {
			return false, nil
		}
		raw = blob.raw
	} else {
		d, ok, err := s.repo.Get(ctx, plugin, nodeID)
		if err != nil || !ok {
			return ok, err
		}
		raw = d.Data
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decode %s data for %s: %w", plugin, nodeID, err)
	}

	return true, nil
}

// Raw returns all blobs a plugin stored, undecoded.
func (s *DataStore) Raw(ctx context.Context, plugin string) ([]domain.PluginData, error) {
	if s == nil || s.repo == nil {
		return nil, ErrNoDataStore
	}

	stored, err := s.repo.ListByPlugin(ctx, plugin)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := stored[:0]
	seen := make(map[string]struct{}, len(stored))
	for _, d := range stored {
		seen[d.NodeID] = struct{}{}
		blob, ok := s.pending[dataKey{plugin, d.NodeID}]
		switch {
		case !ok:
			out = append(out, d)
		case !blob.deleted:
			d.Data = blob.raw
			out = append(out, d)
		}
	}
	for key, blob := range s.pending {
		if _, ok := seen[key.nodeID]; ok || key.plugin != plugin || blob.deleted {
			continue
		}
		out = append(out, domain.PluginData{Plugin: plugin, NodeID: key.nodeID, Data: blob.raw})
	}

	return out, nil
}

func (s *DataStore) Delete(ctx context.Context, plugin, nodeID string) error {
	if s == nil || s.repo == nil {
		return ErrNoDataStore
	}

	repo := s.repo
	return s.write(ctx, "delete_plugin_data", dataKey{plugin, nodeID}, pendingBlob{deleted: true}, func(ctx context.Context) error {
		if err := repo.Delete(ctx, plugin, nodeID); err != nil {
			return fmt.Errorf("plugin data %s/%s: %w", plugin, nodeID, err)
		}

		return nil
	})
}

func (s *DataStore) write(ctx context.Context, name string, key dataKey, blob pendingBlob, fn func(context.Context) error) error {
	if s.writer == nil {
		return fn(ctx)
	}

	s.mu.Lock()
	s.seq++
	blob.seq = s.seq
	s.pending[key] = blob
	s.mu.Unlock()

	s.writer.Enqueue(name, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			s.settle(key, blob.seq)
		}

		return err
	})

	return nil
}

// settle drops the overlay entry once the newest write for key has landed.
func (s *DataStore) settle(key dataKey, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.pending[key]; ok && cur.seq == seq {
		delete(s.pending, key)
	}
}

func (s *DataStore) pendingFor(key dataKey) (pendingBlob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, ok := s.pending[key]
	return blob, ok
}
