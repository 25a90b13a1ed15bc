package domain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
)

// NodeStore is the in-memory directory of mesh nodes the relay has heard
// about. Mesh to chat prefixes resolve sender names from it.
type NodeStore struct {
	mu    sync.RWMutex
	nodes map[string]Node
}

func NewNodeStore() *NodeStore {
	return &NodeStore{nodes: make(map[string]Node)}
}

// Restore seeds the store from the node table.
func (s *NodeStore) Restore(ctx context.Context, repo NodeRepository) error {
	items, err := repo.ListSortedByLastHeard(ctx)
	if err != nil {
		return fmt.Errorf("load nodes from db: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range items {
		s.nodes[node.NodeID] = node
	}

	return nil
}

// Follow merges node updates from the bus until ctx ends. persist receives
// each merged node and must not block; nil skips persistence.
func (s *NodeStore) Follow(ctx context.Context, b bus.MessageBus, persist func(Node)) {
	sub := b.Subscribe(connectors.TopicNodeInfo)
	go func() {
		defer b.Unsubscribe(sub, connectors.TopicNodeInfo)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				update, ok := msg.(NodeUpdate)
				if !ok || update.Node.NodeID == "" {
					continue
				}
				merged := s.Merge(update.Node)
				if persist != nil {
					persist(merged)
				}
			}
		}
	}()
}

// Merge folds a possibly sparse update into the stored node and returns the
// stored result.
func (s *NodeStore) Merge(update Node) Node {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := update
	if existing, ok := s.nodes[update.NodeID]; ok {
		merged = mergeNode(existing, update)
	}
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = time.Now()
	}
	s.nodes[merged.NodeID] = merged

	return merged
}

func mergeNode(existing, update Node) Node {
	out := update
	out.LongName = firstNonEmpty(update.LongName, existing.LongName)
	out.ShortName = firstNonEmpty(update.ShortName, existing.ShortName)
	if out.Num == 0 {
		out.Num = existing.Num
	}
	if out.RSSI == nil {
		out.RSSI = existing.RSSI
	}
	if out.SNR == nil {
		out.SNR = existing.SNR
	}
	// Replayed node db entries from the radio must not move last-heard back.
	if existing.LastHeardAt.After(out.LastHeardAt) {
		out.LastHeardAt = existing.LastHeardAt
	}
	if existing.UpdatedAt.After(out.UpdatedAt) {
		out.UpdatedAt = existing.UpdatedAt
	}

	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

func (s *NodeStore) Lookup(nodeID string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	node, ok := s.nodes[nodeID]

	return node, ok
}

// Nodes returns a copy of the directory, most recently heard first.
func (s *NodeStore) Nodes() []Node {
	s.mu.RLock()
	out := make([]Node, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastHeardAt.Equal(out[j].LastHeardAt) {
			return out[i].LastHeardAt.After(out[j].LastHeardAt)
		}
		return out[i].NodeID < out[j].NodeID
	})

	return out
}

func (s *NodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.nodes)
}
