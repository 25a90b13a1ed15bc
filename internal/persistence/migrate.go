package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; the index+1 is stored in PRAGMA user_version.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS identity_map (
		mesh_packet_id INTEGER NOT NULL,
		room_id        TEXT    NOT NULL,
		chat_event_id  TEXT    NOT NULL,
		meshnet        TEXT    NOT NULL DEFAULT '',
		created_at     INTEGER NOT NULL,
		PRIMARY KEY (mesh_packet_id, room_id)
	);
	CREATE INDEX IF NOT EXISTS idx_identity_map_event ON identity_map(chat_event_id);
	CREATE INDEX IF NOT EXISTS idx_identity_map_created ON identity_map(created_at);

	CREATE TABLE IF NOT EXISTS nodes (
		node_id       TEXT PRIMARY KEY,
		node_num      INTEGER NOT NULL DEFAULT 0,
		long_name     TEXT    NOT NULL DEFAULT '',
		short_name    TEXT    NOT NULL DEFAULT '',
		last_heard_at INTEGER NOT NULL DEFAULT 0,
		rssi          INTEGER,
		snr           REAL,
		updated_at    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS plugin_data (
		plugin_name TEXT    NOT NULL,
		node_id     TEXT    NOT NULL,
		data        BLOB    NOT NULL,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (plugin_name, node_id)
	);
	`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, i+1)); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("set schema version %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
	}

	return nil
}
