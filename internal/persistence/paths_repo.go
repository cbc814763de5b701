package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
)

type PathsRepo struct {
	db *sql.DB
}

func NewPathsRepo(db *sql.DB) *PathsRepo {
	return &PathsRepo{db: db}
}

// RecordAdvertPath dedups by (public_key, path_hex, packet_type): a repeat
// observation bumps last_seen and observation_count instead of adding a row.
func (r *PathsRepo) RecordAdvertPath(ctx context.Context, p domain.ObservedPath) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE observed_paths
		SET last_seen = ?, observation_count = observation_count + 1, packet_hash = ?
		WHERE public_key = ? AND path_hex = ? AND packet_type = ?
	`, toUnixMillis(p.LastSeen), p.PacketHash, p.PublicKey, p.PathHex, p.PacketType)
	if err != nil {
		return fmt.Errorf("update advert path: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	return r.insert(ctx, p)
}

// RecordMessagePath dedups by (from_prefix, to_prefix, path_hex, packet_type)
// with no public key attached.
func (r *PathsRepo) RecordMessagePath(ctx context.Context, p domain.ObservedPath) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE observed_paths
		SET last_seen = ?, observation_count = observation_count + 1, packet_hash = ?
		WHERE public_key = '' AND from_prefix = ? AND to_prefix = ? AND path_hex = ? AND packet_type = ?
	`, toUnixMillis(p.LastSeen), p.PacketHash, p.FromPrefix, p.ToPrefix, p.PathHex, p.PacketType)
	if err != nil {
		return fmt.Errorf("update message path: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	p.PublicKey = ""
	return r.insert(ctx, p)
}

func (r *PathsRepo) insert(ctx context.Context, p domain.ObservedPath) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO observed_paths(
			public_key, packet_hash, from_prefix, to_prefix, path_hex, path_length,
			packet_type, first_seen, last_seen, observation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, p.PublicKey, p.PacketHash, p.FromPrefix, p.ToPrefix, p.PathHex, p.PathLength,
		p.PacketType, toUnixMillis(p.FirstSeen), toUnixMillis(p.LastSeen))
	if err != nil {
		return fmt.Errorf("insert observed path: %w", err)
	}
	return nil
}

// ForNode lists observed paths for a node, newest first.
func (r *PathsRepo) ForNode(ctx context.Context, publicKey string, limit int) ([]domain.ObservedPath, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, public_key, packet_hash, from_prefix, to_prefix, path_hex, path_length,
		       packet_type, first_seen, last_seen, observation_count
		FROM observed_paths WHERE public_key = ?
		ORDER BY last_seen DESC LIMIT ?
	`, publicKey, limit)
	if err != nil {
		return nil, fmt.Errorf("list paths for node: %w", err)
	}
	defer rows.Close()
	return collectPaths(rows)
}

// RecentSince lists every path observed after the cutoff.
func (r *PathsRepo) RecentSince(ctx context.Context, cutoff time.Time) ([]domain.ObservedPath, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, public_key, packet_hash, from_prefix, to_prefix, path_hex, path_length,
		       packet_type, first_seen, last_seen, observation_count
		FROM observed_paths WHERE last_seen >= ?
		ORDER BY last_seen DESC
	`, toUnixMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list recent paths: %w", err)
	}
	defer rows.Close()
	return collectPaths(rows)
}

func collectPaths(rows *sql.Rows) ([]domain.ObservedPath, error) {
	var out []domain.ObservedPath
	for rows.Next() {
		var (
			p       domain.ObservedPath
			firstMs int64
			lastMs  int64
			pubKey  sql.NullString
			pktHash sql.NullString
		)
		err := rows.Scan(&p.ID, &pubKey, &pktHash, &p.FromPrefix, &p.ToPrefix, &p.PathHex,
			&p.PathLength, &p.PacketType, &firstMs, &lastMs, &p.ObservationCount)
		if err != nil {
			return nil, fmt.Errorf("scan observed path: %w", err)
		}
		p.PublicKey = pubKey.String
		p.PacketHash = pktHash.String
		p.FirstSeen = fromUnixMillis(firstMs)
		p.LastSeen = fromUnixMillis(lastMs)
		out = append(out, p)
	}
	return out, rows.Err()
}
