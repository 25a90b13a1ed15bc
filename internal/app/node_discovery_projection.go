package app

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/bus"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/connectors"
	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

type nodeNames struct {
	long  string
	short string
}

// NodeDiscoveryProjection reports mesh nodes whose names the relay learns from
// live NodeInfo packets. The radio's node-DB dump at connect is not reported.
type NodeDiscoveryProjection struct {
	logger *slog.Logger

	mu    sync.Mutex
	known map[string]nodeNames

	discovered atomic.Uint64
	renamed    atomic.Uint64
}

func NewNodeDiscoveryProjection(nodeStore *domain.NodeStore, logger *slog.Logger) *NodeDiscoveryProjection {
	if logger == nil {
		logger = slog.Default().With("component", "app.node_discovery")
	}

	return &NodeDiscoveryProjection{
		logger: logger,
		known:  snapshotNodeNames(nodeStore),
	}
}

func (p *NodeDiscoveryProjection) Start(ctx context.Context, messageBus bus.MessageBus) {
	if p == nil || messageBus == nil {
		return
	}
	nodeSub := messageBus.Subscribe(connectors.TopicNodeInfo)

	go func() {
		defer messageBus.Unsubscribe(nodeSub, connectors.TopicNodeInfo)
		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-nodeSub:
				if !ok {
					return
				}
				update, ok := raw.(domain.NodeUpdate)
				if !ok {
					continue
				}
				p.observe(update)
			}
		}
	}()
}

// Discovered is the number of previously unknown nodes heard since start.
func (p *NodeDiscoveryProjection) Discovered() uint64 {
	return p.discovered.Load()
}

func (p *NodeDiscoveryProjection) observe(update domain.NodeUpdate) {
	nodeID := strings.TrimSpace(update.Node.NodeID)
	names := nodeNames{long: update.Node.LongName, short: update.Node.ShortName}
	if nodeID == "" || (names.long == "" && names.short == "") {
		return
	}

	p.mu.Lock()
	prev, seen := p.known[nodeID]
	p.known[nodeID] = names
	p.mu.Unlock()

	if !update.FromPacket {
		return
	}
	switch {
	case !seen:
		p.discovered.Add(1)
		p.logger.Info("new mesh node", "node_id", nodeID, "long_name", names.long, "short_name", names.short)
	case prev != names:
		p.renamed.Add(1)
		p.logger.Info("mesh node renamed", "node_id", nodeID,
			"long_name", names.long, "short_name", names.short,
			"previous_long_name", prev.long, "previous_short_name", prev.short)
	}
}

func snapshotNodeNames(nodeStore *domain.NodeStore) map[string]nodeNames {
	known := make(map[string]nodeNames)
	if nodeStore == nil {
		return known
	}
	for _, node := range nodeStore.Nodes() {
		id := strings.TrimSpace(node.NodeID)
		if id == "" {
			continue
		}
		known[id] = nodeNames{long: node.LongName, short: node.ShortName}
	}

	return known
}
