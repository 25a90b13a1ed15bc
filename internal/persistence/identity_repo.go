package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

// IdentityRepo persists mesh packet ↔ Matrix event correlations in identity_map.
type IdentityRepo struct {
	db *sql.DB
}

func NewIdentityRepo(db *sql.DB) *IdentityRepo {
	return &IdentityRepo{db: db}
}

// Put inserts a record. An existing (mesh_packet_id, room_id) pair is left untouched.
func (r *IdentityRepo) Put(ctx context.Context, rec domain.IdentityRecord) error {
	if rec.ChatEventID == "" || rec.RoomID == "" {
		return fmt.Errorf("put identity record: event id and room id are required")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO identity_map(mesh_packet_id, room_id, chat_event_id, meshnet, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, int64(rec.MeshPacketID), rec.RoomID, rec.ChatEventID, rec.Meshnet, toUnixMillis(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("put identity record: %w", err)
	}

	return nil
}

func (r *IdentityRepo) GetByMeshPacketID(ctx context.Context, packetID uint32, roomID string) (domain.IdentityRecord, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT mesh_packet_id, room_id, chat_event_id, meshnet, created_at
		FROM identity_map
		WHERE mesh_packet_id = ? AND room_id = ?
	`, int64(packetID), roomID)

	return scanIdentity(row)
}

func (r *IdentityRepo) GetByChatEventID(ctx context.Context, eventID string) (domain.IdentityRecord, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT mesh_packet_id, room_id, chat_event_id, meshnet, created_at
		FROM identity_map
		WHERE chat_event_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, eventID)

	return scanIdentity(row)
}

// Prune removes records older than olderThan (when non-zero) and then trims the
// table to the newest maxCount rows (when positive).
func (r *IdentityRepo) Prune(ctx context.Context, olderThan time.Time, maxCount int) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var total int64
	if !olderThan.IsZero() {
		res, err := tx.ExecContext(ctx, `DELETE FROM identity_map WHERE created_at < ?`, toUnixMillis(olderThan))
		if err != nil {
			return 0, fmt.Errorf("prune identity map by age: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if maxCount > 0 {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM identity_map
			WHERE rowid NOT IN (
				SELECT rowid FROM identity_map
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			)
		`, maxCount)
		if err != nil {
			return 0, fmt.Errorf("prune identity map by count: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune tx: %w", err)
	}

	return total, nil
}

func (r *IdentityRepo) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM identity_map`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count identity map: %w", err)
	}

	return n, nil
}

//goland:noinspection SqlWithoutWhere
func (r *IdentityRepo) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM identity_map`); err != nil {
		return fmt.Errorf("clear identity map: %w", err)
	}

	return nil
}

func scanIdentity(row *sql.Row) (domain.IdentityRecord, bool, error) {
	var (
		rec       domain.IdentityRecord
		packetID  int64
		createdMs int64
	)
	if err := row.Scan(&packetID, &rec.RoomID, &rec.ChatEventID, &rec.Meshnet, &createdMs); err != nil {
		if isNoRows(err) {
			return domain.IdentityRecord{}, false, nil
		}

		return domain.IdentityRecord{}, false, fmt.Errorf("scan identity record: %w", err)
	}
	rec.MeshPacketID = uint32(packetID)
	rec.CreatedAt = fromUnixMillis(createdMs)

	return rec, true, nil
}
