package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jeremiah-k/meshtastic-matrix-relay-sub000/internal/domain"
)

type NodeRepo struct {
	db *sql.DB
}

func NewNodeRepo(db *sql.DB) *NodeRepo {
	return &NodeRepo{db: db}
}

// Upsert keeps previously known names when the update carries empty ones.
func (r *NodeRepo) Upsert(ctx context.Context, n domain.Node) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO nodes(node_id, node_num, long_name, short_name, last_heard_at, rssi, snr, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			node_num = CASE WHEN excluded.node_num = 0 THEN nodes.node_num ELSE excluded.node_num END,
			long_name = CASE WHEN excluded.long_name = '' THEN nodes.long_name ELSE excluded.long_name END,
			short_name = CASE WHEN excluded.short_name = '' THEN nodes.short_name ELSE excluded.short_name END,
			last_heard_at = MAX(nodes.last_heard_at, excluded.last_heard_at),
			rssi = COALESCE(excluded.rssi, nodes.rssi),
			snr = COALESCE(excluded.snr, nodes.snr),
			updated_at = excluded.updated_at
	`, n.NodeID, int64(n.Num), n.LongName, n.ShortName, toUnixMillis(n.LastHeardAt), n.RSSI, n.SNR, toUnixMillis(n.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}

	return nil
}

func (r *NodeRepo) ListSortedByLastHeard(ctx context.Context) ([]domain.Node, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT node_id, node_num, long_name, short_name, last_heard_at, rssi, snr, updated_at
		FROM nodes
		ORDER BY last_heard_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.Node
	for rows.Next() {
		var (
			n       domain.Node
			num     int64
			heardMs int64
			updMs   int64
			rssi    sql.NullInt64
			snr     sql.NullFloat64
		)
		if err := rows.Scan(&n.NodeID, &num, &n.LongName, &n.ShortName, &heardMs, &rssi, &snr, &updMs); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Num = uint32(num)
		n.LastHeardAt = fromUnixMillis(heardMs)
		n.UpdatedAt = fromUnixMillis(updMs)
		if rssi.Valid {
			v := int(rssi.Int64)
			n.RSSI = &v
		}
		if snr.Valid {
			v := snr.Float64
			n.SNR = &v
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}

	return out, nil
}
