package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

func TestNodeRepoUpsertAndList_KeepsNamesOnSparseUpdates(t *testing.T) {
	ctx := context.Background()
	repo := NewNodeRepo(openTestDB(t))
	now := time.Now().UTC()
	rssi := -90

	if err := repo.Upsert(ctx, domain.Node{
		NodeID:      "!abcd1234",
		Num:         0xabcd1234,
		LongName:    "Alpha",
		ShortName:   "ALPH",
		RSSI:        &rssi,
		LastHeardAt: now,
		UpdatedAt:   now,
	}); err != nil {
		t.Fatalf("upsert full node: %v", err)
	}
	if err := repo.Upsert(ctx, domain.Node{
		NodeID:      "!abcd1234",
		LongName:    "Alpha Base",
		LastHeardAt: now.Add(-time.Hour),
		UpdatedAt:   now.Add(time.Second),
	}); err != nil {
		t.Fatalf("upsert sparse update: %v", err)
	}

	nodes, err := repo.ListSortedByLastHeard(ctx)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected one node, got %d", len(nodes))
	}
	n := nodes[0]
	if n.LongName != "Alpha Base" || n.ShortName != "ALPH" {
		t.Fatalf("unexpected names %q/%q", n.LongName, n.ShortName)
	}
	if n.Num != 0xabcd1234 {
		t.Fatalf("expected node number kept, got %x", n.Num)
	}
	if n.RSSI == nil || *n.RSSI != rssi {
		t.Fatalf("expected rssi kept, got %v", n.RSSI)
	}
	if n.LastHeardAt.UnixMilli() != now.UnixMilli() {
		t.Fatalf("expected last heard not to move backwards, got %v", n.LastHeardAt)
	}
}
