package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeNodeID trims and rejects placeholder/unknown node ids.
func NormalizeNodeID(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" || strings.EqualFold(v, "unknown") || v == "!ffffffff" {
		return ""
	}

	return strings.ToLower(v)
}

// FormatNodeID renders a node number in the canonical "!1234abcd" form.
func FormatNodeID(num uint32) string {
	return fmt.Sprintf("!%08x", num)
}

// ParseNodeID converts canonical "!1234abcd" node ids back to node numbers.
func ParseNodeID(nodeID string) (uint32, bool) {
	nodeID = NormalizeNodeID(nodeID)
	if len(nodeID) != 9 || nodeID[0] != '!' {
		return 0, false
	}
	v, err := strconv.ParseUint(nodeID[1:], 16, 32)
	if err != nil {
		return 0, false
	}

	return uint32(v), true
}
