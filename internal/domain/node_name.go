package domain

import "strings"

func NodeDisplayName(node Node) string {
	if value := strings.TrimSpace(node.LongName); value != "" {
		return value
	}
	if value := strings.TrimSpace(node.ShortName); value != "" {
		return value
	}

	return strings.TrimSpace(node.NodeID)
}

// NodeNames resolves long and short names for a sender, falling back to the node id.
func NodeNames(store *NodeStore, nodeID string) (long, short string) {
	nodeID = strings.TrimSpace(nodeID)
	long, short = nodeID, nodeID
	if store == nil || nodeID == "" {
		return long, short
	}
	if len(nodeID) > 4 {
		// Meshtastic derives default short names from the last four hex digits.
		short = nodeID[len(nodeID)-4:]
	}
	node, ok := store.Lookup(nodeID)
	if !ok {
		return long, short
	}
	if display := NodeDisplayName(node); display != "" {
		long = display
	}
	if value := strings.TrimSpace(node.ShortName); value != "" {
		short = value
	}

	return long, short
}
