package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

// PluginDataRepo stores opaque plugin blobs keyed by plugin name and node id.
type PluginDataRepo struct {
	db *sql.DB
}

func NewPluginDataRepo(db *sql.DB) *PluginDataRepo {
	return &PluginDataRepo{db: db}
}

func (r *PluginDataRepo) Put(ctx context.Context, d domain.PluginData) error {
	if d.Plugin == "" {
		return fmt.Errorf("put plugin data: plugin name is required")
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now()
	}
	if d.Data == nil {
		d.Data = []byte{}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO plugin_data(plugin_name, node_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(plugin_name, node_id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at
	`, d.Plugin, d.NodeID, d.Data, toUnixMillis(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put plugin data: %w", err)
	}

	return nil
}

func (r *PluginDataRepo) Get(ctx context.Context, plugin, nodeID string) (domain.PluginData, bool, error) {
	var (
		d     domain.PluginData
		updMs int64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT plugin_name, node_id, data, updated_at
		FROM plugin_data
		WHERE plugin_name = ? AND node_id = ?
	`, plugin, nodeID).Scan(&d.Plugin, &d.NodeID, &d.Data, &updMs)
	if err != nil {
		if isNoRows(err) {
			return domain.PluginData{}, false, nil
		}

		return domain.PluginData{}, false, fmt.Errorf("get plugin data: %w", err)
	}
	d.UpdatedAt = fromUnixMillis(updMs)

	return d, true, nil
}

func (r *PluginDataRepo) ListByPlugin(ctx context.Context, plugin string) ([]domain.PluginData, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT plugin_name, node_id, data, updated_at
		FROM plugin_data
		WHERE plugin_name = ?
		ORDER BY node_id
	`, plugin)
	if err != nil {
		return nil, fmt.Errorf("list plugin data: %w", err)
	}
	defer rows.Close()

	var out []domain.PluginData
	for rows.Next() {
		var (
			d     domain.PluginData
			updMs int64
		)
		if err := rows.Scan(&d.Plugin, &d.NodeID, &d.Data, &updMs); err != nil {
			return nil, fmt.Errorf("scan plugin data: %w", err)
		}
		d.UpdatedAt = fromUnixMillis(updMs)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plugin data: %w", err)
	}

	return out, nil
}

func (r *PluginDataRepo) Delete(ctx context.Context, plugin, nodeID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM plugin_data WHERE plugin_name = ? AND node_id = ?`, plugin, nodeID); err != nil {
		return fmt.Errorf("delete plugin data: %w", err)
	}

	return nil
}
