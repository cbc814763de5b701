package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
)

type CatalogRepo struct {
	db *sql.DB
}

func NewCatalogRepo(db *sql.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

// Upsert inserts or refreshes a heard node. first_heard is immutable,
// last_heard and last_advert_timestamp only advance, and role never
// downgrades from repeater-class to companion.
func (r *CatalogRepo) Upsert(ctx context.Context, n domain.CatalogNode) error {
	var lat, lon, snr any
	if n.Latitude != nil {
		lat = *n.Latitude
	}
	if n.Longitude != nil {
		lon = *n.Longitude
	}
	if n.SNR != nil {
		snr = *n.SNR
	}
	var rssi, hops any
	if n.RSSI != nil {
		rssi = int64(*n.RSSI)
	}
	if n.Hops != nil {
		hops = int64(*n.Hops)
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO complete_contact_tracking(
			public_key, name, role, first_heard, last_heard, last_advert_timestamp,
			latitude, longitude, city, state, country, snr, rssi, hops, is_starred)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(public_key) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE name END,
			role = CASE
				WHEN role IN ('repeater', 'roomserver') AND excluded.role = 'companion' THEN role
				ELSE excluded.role
			END,
			last_heard = MAX(last_heard, excluded.last_heard),
			last_advert_timestamp = MAX(last_advert_timestamp, excluded.last_advert_timestamp),
			latitude = COALESCE(excluded.latitude, latitude),
			longitude = COALESCE(excluded.longitude, longitude),
			city = CASE WHEN excluded.city != '' THEN excluded.city ELSE city END,
			state = CASE WHEN excluded.state != '' THEN excluded.state ELSE state END,
			country = CASE WHEN excluded.country != '' THEN excluded.country ELSE country END,
			snr = COALESCE(excluded.snr, snr),
			rssi = COALESCE(excluded.rssi, rssi),
			hops = COALESCE(excluded.hops, hops)
	`, n.PublicKey, n.Name, n.Role, toUnixMillis(n.FirstHeard), toUnixMillis(n.LastHeard),
		int64(n.LastAdvertTimestamp), lat, lon, n.City, n.State, n.Country, snr, rssi, hops,
		boolToInt(n.IsStarred))
	if err != nil {
		return fmt.Errorf("upsert catalog node: %w", err)
	}
	return nil
}

func (r *CatalogRepo) Get(ctx context.Context, publicKey string) (domain.CatalogNode, bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT public_key, name, role, first_heard, last_heard, last_advert_timestamp,
		       latitude, longitude, city, state, country, snr, rssi, hops, is_starred
		FROM complete_contact_tracking WHERE public_key = ?
	`, publicKey)
	n, err := scanCatalogNode(row)
	if err == sql.ErrNoRows {
		return domain.CatalogNode{}, false, nil
	}
	if err != nil {
		return domain.CatalogNode{}, false, fmt.Errorf("get catalog node: %w", err)
	}
	return n, true, nil
}

// ByPrefix lists nodes whose public key starts with the 2-hex-char prefix,
// optionally restricted to repeater-class roles heard since the cutoff.
func (r *CatalogRepo) ByPrefix(ctx context.Context, prefix string, repeaterClassOnly bool, heardSince time.Time) ([]domain.CatalogNode, error) {
	query := `
		SELECT public_key, name, role, first_heard, last_heard, last_advert_timestamp,
		       latitude, longitude, city, state, country, snr, rssi, hops, is_starred
		FROM complete_contact_tracking
		WHERE public_key LIKE ? || '%' AND last_heard >= ?`
	if repeaterClassOnly {
		query += ` AND role IN ('repeater', 'roomserver')`
	}
	rows, err := r.db.QueryContext(ctx, query, prefix, toUnixMillis(heardSince))
	if err != nil {
		return nil, fmt.Errorf("list nodes by prefix: %w", err)
	}
	defer rows.Close()
	return collectCatalogNodes(rows)
}

func (r *CatalogRepo) All(ctx context.Context) ([]domain.CatalogNode, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT public_key, name, role, first_heard, last_heard, last_advert_timestamp,
		       latitude, longitude, city, state, country, snr, rssi, hops, is_starred
		FROM complete_contact_tracking ORDER BY last_heard DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list catalog nodes: %w", err)
	}
	defer rows.Close()
	return collectCatalogNodes(rows)
}

// CountsSince aggregates role counts for nodes heard after the cutoff.
func (r *CatalogRepo) CountsSince(ctx context.Context, cutoff time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role, COUNT(*) FROM complete_contact_tracking
		WHERE last_heard >= ? GROUP BY role
	`, toUnixMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("count catalog roles: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var role string
		var count int
		if err := rows.Scan(&role, &count); err != nil {
			return nil, fmt.Errorf("scan role count: %w", err)
		}
		out[role] = count
	}
	return out, rows.Err()
}

// NewSince counts nodes first heard after the cutoff.
func (r *CatalogRepo) NewSince(ctx context.Context, cutoff time.Time, role string) (int, error) {
	query := `SELECT COUNT(*) FROM complete_contact_tracking WHERE first_heard >= ?`
	args := []any{toUnixMillis(cutoff)}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, role)
	}
	var count int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count new nodes: %w", err)
	}
	return count, nil
}

// PurgeOlderThan deletes non-starred nodes of the given role not heard since
// the cutoff and returns their public keys.
func (r *CatalogRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time, role string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT public_key FROM complete_contact_tracking
		WHERE last_heard < ? AND role = ? AND is_starred = 0
	`, toUnixMillis(cutoff), role)
	if err != nil {
		return nil, fmt.Errorf("select purge candidates: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan purge candidate: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, key := range keys {
		if _, err := r.db.ExecContext(ctx,
			`DELETE FROM complete_contact_tracking WHERE public_key = ?`, key); err != nil {
			return keys, fmt.Errorf("purge node %s: %w", key, err)
		}
	}
	return keys, nil
}

// UpdateLocation writes reverse-geocoded place fields onto a node.
func (r *CatalogRepo) UpdateLocation(ctx context.Context, publicKey, city, state, country string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE complete_contact_tracking SET city = ?, state = ?, country = ?
		WHERE public_key = ?
	`, city, state, country, publicKey)
	if err != nil {
		return fmt.Errorf("update node location: %w", err)
	}
	return nil
}

// LogPurgeAction appends one purging_log audit row.
func (r *CatalogRepo) LogPurgeAction(ctx context.Context, action, details string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO purging_log(timestamp, action, details) VALUES (?, ?, ?)
	`, time.Now().UnixMilli(), action, details)
	if err != nil {
		return fmt.Errorf("log purge action: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCatalogNode(row rowScanner) (domain.CatalogNode, error) {
	var (
		n          domain.CatalogNode
		firstMs    int64
		lastMs     int64
		lastAdvert int64
		lat, lon   sql.NullFloat64
		city       sql.NullString
		state      sql.NullString
		country    sql.NullString
		snr        sql.NullFloat64
		rssi       sql.NullInt64
		hops       sql.NullInt64
		starred    int64
	)
	err := row.Scan(&n.PublicKey, &n.Name, &n.Role, &firstMs, &lastMs, &lastAdvert,
		&lat, &lon, &city, &state, &country, &snr, &rssi, &hops, &starred)
	if err != nil {
		return domain.CatalogNode{}, err
	}
	n.FirstHeard = fromUnixMillis(firstMs)
	n.LastHeard = fromUnixMillis(lastMs)
	n.LastAdvertTimestamp = uint32(lastAdvert)
	if lat.Valid {
		n.Latitude = &lat.Float64
	}
	if lon.Valid {
		n.Longitude = &lon.Float64
	}
	n.City, n.State, n.Country = city.String, state.String, country.String
	if snr.Valid {
		n.SNR = &snr.Float64
	}
	if rssi.Valid {
		v := int(rssi.Int64)
		n.RSSI = &v
	}
	if hops.Valid {
		v := int(hops.Int64)
		n.Hops = &v
	}
	n.IsStarred = starred != 0
	return n, nil
}

func collectCatalogNodes(rows *sql.Rows) ([]domain.CatalogNode, error) {
	var out []domain.CatalogNode
	for rows.Next() {
		n, err := scanCatalogNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan catalog node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
