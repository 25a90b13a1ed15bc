package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "meshtastic.sqlite"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	return db
}

func TestIdentityRepo_RoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepo(openTestDB(t))

	rec := domain.IdentityRecord{
		MeshPacketID: 0xdeadbeef,
		ChatEventID:  "$abc:example.org",
		RoomID:       "!room:example.org",
		Meshnet:      "TestNet",
		CreatedAt:    time.UnixMilli(time.Now().UnixMilli()),
	}
	if err := repo.Put(ctx, rec); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := repo.GetByMeshPacketID(ctx, rec.MeshPacketID, rec.RoomID)
	if err != nil || !ok {
		t.Fatalf("get by packet id: ok=%v err=%v", ok, err)
	}
	if got.MeshPacketID != rec.MeshPacketID || got.ChatEventID != rec.ChatEventID ||
		got.RoomID != rec.RoomID || got.Meshnet != rec.Meshnet || !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, rec)
	}

	byEvent, ok, err := repo.GetByChatEventID(ctx, rec.ChatEventID)
	if err != nil || !ok {
		t.Fatalf("get by event id: ok=%v err=%v", ok, err)
	}
	if byEvent.MeshPacketID != rec.MeshPacketID {
		t.Fatalf("unexpected packet id by event lookup: %x", byEvent.MeshPacketID)
	}

	if _, ok, err := repo.GetByMeshPacketID(ctx, rec.MeshPacketID, "!other:example.org"); err != nil || ok {
		t.Fatalf("expected miss for other room, ok=%v err=%v", ok, err)
	}
}

func TestIdentityRepo_PutNeverUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepo(openTestDB(t))

	first := domain.IdentityRecord{MeshPacketID: 7, ChatEventID: "$first", RoomID: "!r:x"}
	second := domain.IdentityRecord{MeshPacketID: 7, ChatEventID: "$second", RoomID: "!r:x"}
	if err := repo.Put(ctx, first); err != nil {
		t.Fatalf("put first: %v", err)
	}
	if err := repo.Put(ctx, second); err != nil {
		t.Fatalf("put duplicate: %v", err)
	}

	got, ok, err := repo.GetByMeshPacketID(ctx, 7, "!r:x")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ChatEventID != "$first" {
		t.Fatalf("expected original record kept, got %q", got.ChatEventID)
	}
	if n, _ := repo.Count(ctx); n != 1 {
		t.Fatalf("expected one record, got %d", n)
	}
}

func TestIdentityRepo_SamePacketDifferentRooms(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepo(openTestDB(t))

	for _, room := range []string{"!a:x", "!b:x"} {
		if err := repo.Put(ctx, domain.IdentityRecord{MeshPacketID: 9, ChatEventID: "$" + room, RoomID: room}); err != nil {
			t.Fatalf("put %s: %v", room, err)
		}
	}
	if n, _ := repo.Count(ctx); n != 2 {
		t.Fatalf("expected two records, got %d", n)
	}
}

func TestIdentityRepo_PruneByAgeAndCount(t *testing.T) {
	ctx := context.Background()
	repo := NewIdentityRepo(openTestDB(t))
	now := time.Now()

	for i := 0; i < 10; i++ {
		rec := domain.IdentityRecord{
			MeshPacketID: uint32(i + 1),
			ChatEventID:  "$e" + string(rune('a'+i)),
			RoomID:       "!r:x",
			CreatedAt:    now.Add(-time.Duration(10-i) * time.Hour),
		}
		if err := repo.Put(ctx, rec); err != nil {
			t.Fatalf("put %d: %v", i, err)
		}
	}

	deleted, err := repo.Prune(ctx, now.Add(-5*time.Hour-time.Minute), 0)
	if err != nil {
		t.Fatalf("prune by age: %v", err)
	}
	if deleted != 5 {
		t.Fatalf("expected 5 aged-out records, got %d", deleted)
	}

	deleted, err = repo.Prune(ctx, time.Time{}, 2)
	if err != nil {
		t.Fatalf("prune by count: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("expected 3 records trimmed, got %d", deleted)
	}
	if _, ok, _ := repo.GetByMeshPacketID(ctx, 10, "!r:x"); !ok {
		t.Fatalf("expected newest record to survive")
	}
	if _, ok, _ := repo.GetByMeshPacketID(ctx, 8, "!r:x"); ok {
		t.Fatalf("expected older record to be trimmed")
	}

	if err := repo.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n, _ := repo.Count(ctx); n != 0 {
		t.Fatalf("expected empty table, got %d", n)
	}
}

func TestIdentityRepo_PutRequiresKeys(t *testing.T) {
	repo := NewIdentityRepo(openTestDB(t))
	if err := repo.Put(context.Background(), domain.IdentityRecord{MeshPacketID: 1}); err == nil {
		t.Fatalf("expected error for missing event id and room")
	}
}
