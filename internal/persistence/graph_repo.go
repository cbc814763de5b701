package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
)

type GraphRepo struct {
	db *sql.DB
}

func NewGraphRepo(db *sql.DB) *GraphRepo {
	return &GraphRepo{db: db}
}

// UpsertEdge inserts or refreshes a directed topology edge. Public key
// attribution and distance are only overwritten when the new observation
// carries them.
func (r *GraphRepo) UpsertEdge(ctx context.Context, e domain.MeshEdge) error {
	var dist any
	if e.Distance != nil {
		dist = *e.Distance
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO mesh_edges(
			from_prefix, to_prefix, hop_position, geographic_distance,
			from_public_key, to_public_key, last_seen, observation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(from_prefix, to_prefix) DO UPDATE SET
			hop_position = excluded.hop_position,
			geographic_distance = COALESCE(excluded.geographic_distance, geographic_distance),
			from_public_key = CASE WHEN excluded.from_public_key != '' THEN excluded.from_public_key ELSE from_public_key END,
			to_public_key = CASE WHEN excluded.to_public_key != '' THEN excluded.to_public_key ELSE to_public_key END,
			last_seen = MAX(last_seen, excluded.last_seen),
			observation_count = observation_count + 1
	`, e.FromPrefix, e.ToPrefix, e.HopPosition, dist,
		e.FromPublicKey, e.ToPublicKey, toUnixMillis(e.LastSeen))
	if err != nil {
		return fmt.Errorf("upsert mesh edge: %w", err)
	}
	return nil
}

// EdgesSince returns edges last seen after the cutoff, most observed first.
func (r *GraphRepo) EdgesSince(ctx context.Context, cutoff time.Time) ([]domain.MeshEdge, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT from_prefix, to_prefix, hop_position, geographic_distance,
		       from_public_key, to_public_key, last_seen, observation_count
		FROM mesh_edges WHERE last_seen >= ?
		ORDER BY observation_count DESC
	`, toUnixMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list mesh edges: %w", err)
	}
	defer rows.Close()

	var out []domain.MeshEdge
	for rows.Next() {
		var (
			e      domain.MeshEdge
			dist   sql.NullFloat64
			fromPK sql.NullString
			toPK   sql.NullString
			lastMs int64
		)
		err := rows.Scan(&e.FromPrefix, &e.ToPrefix, &e.HopPosition, &dist,
			&fromPK, &toPK, &lastMs, &e.ObservationCount)
		if err != nil {
			return nil, fmt.Errorf("scan mesh edge: %w", err)
		}
		if dist.Valid {
			e.Distance = &dist.Float64
		}
		e.FromPublicKey, e.ToPublicKey = fromPK.String, toPK.String
		e.LastSeen = fromUnixMillis(lastMs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneOlderThan drops edges not observed since the cutoff and returns the
// number removed.
func (r *GraphRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM mesh_edges WHERE last_seen < ?`, toUnixMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune mesh edges: %w", err)
	}
	return res.RowsAffected()
}

// EdgeCountSince counts edges inside the recency window.
func (r *GraphRepo) EdgeCountSince(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mesh_edges WHERE last_seen >= ?`, toUnixMillis(cutoff)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count mesh edges: %w", err)
	}
	return count, nil
}
