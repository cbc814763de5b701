package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Stream row types.
const (
	StreamTypePacket  = "packet"
	StreamTypeCommand = "command"
	StreamTypeRouting = "routing"
)

type StreamRepo struct {
	db *sql.DB
}

func NewStreamRepo(db *sql.DB) *StreamRepo {
	return &StreamRepo{db: db}
}

// Append stores one capture row. data must already be JSON-safe; callers
// stringify anything that is not.
func (r *StreamRepo) Append(ctx context.Context, rowType string, data map[string]any) (int64, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("marshal stream row: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO packet_stream(timestamp, data_json, type) VALUES (?, ?, ?)
	`, time.Now().UnixMilli(), string(blob), rowType)
	if err != nil {
		return 0, fmt.Errorf("append stream row: %w", err)
	}
	return res.LastInsertId()
}

// UpdateRepeatCount writes the repeat counters back into the most recent
// packet row whose JSON command_id matches, refreshing the row timestamp so
// the write-back is visible as recent activity. Returns false when no row
// has that command id.
func (r *StreamRepo) UpdateRepeatCount(ctx context.Context, commandID string, repeatCount int, repeaters []string) (bool, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, data_json FROM packet_stream
		WHERE type = ? AND json_extract(data_json, '$.command_id') = ?
		ORDER BY timestamp DESC LIMIT 1
	`, StreamTypePacket, commandID)

	var id int64
	var blob string
	if err := row.Scan(&id, &blob); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("find stream row by command id: %w", err)
	}

	var data map[string]any
	if err := json.Unmarshal([]byte(blob), &data); err != nil {
		return false, fmt.Errorf("decode stream row %d: %w", id, err)
	}
	data["repeat_count"] = repeatCount
	data["repeaters"] = repeaters

	updated, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("re-encode stream row %d: %w", id, err)
	}
	if _, err := r.db.ExecContext(ctx,
		`UPDATE packet_stream SET data_json = ?, timestamp = ? WHERE id = ?`,
		string(updated), time.Now().UnixMilli(), id); err != nil {
		return false, fmt.Errorf("update stream row %d: %w", id, err)
	}
	return true, nil
}

// Recent returns the newest rows of a type, decoded.
func (r *StreamRepo) Recent(ctx context.Context, rowType string, limit int) ([]map[string]any, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT data_json FROM packet_stream WHERE type = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, rowType, limit)
	if err != nil {
		return nil, fmt.Errorf("list stream rows: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var blob string
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan stream row: %w", err)
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(blob), &data); err != nil {
			return nil, fmt.Errorf("decode stream row: %w", err)
		}
		out = append(out, data)
	}
	return out, rows.Err()
}

// PruneOlderThan drops capture rows older than the cutoff.
func (r *StreamRepo) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM packet_stream WHERE timestamp < ?`, toUnixMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune stream rows: %w", err)
	}
	return res.RowsAffected()
}
