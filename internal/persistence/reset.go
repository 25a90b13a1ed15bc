package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// relayTables lists the tables owned by the relay schema. Crypto tables live
// in their own database and are never touched here.
var relayTables = []string{"identity_map", "nodes", "plugin_data"}

// ResetDatabase empties every relay table in one transaction and reports how
// many rows each one held.
func ResetDatabase(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	if db == nil {
		return nil, errors.New("database is not initialized")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reset: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	removed := make(map[string]int64, len(relayTables))
	for _, table := range relayTables {
		res, err := tx.ExecContext(ctx, "DELETE FROM "+table)
		if err != nil {
			return nil, fmt.Errorf("reset %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		removed[table] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reset: %w", err)
	}

	return removed, nil
}
