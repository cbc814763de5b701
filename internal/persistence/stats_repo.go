package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type StatsRepo struct {
	db *sql.DB
}

func NewStatsRepo(db *sql.DB) *StatsRepo {
	return &StatsRepo{db: db}
}

func (r *StatsRepo) RecordCommand(ctx context.Context, commandName, senderID string, isDM, success bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO command_stats(command_name, sender_id, timestamp, is_dm, success)
		VALUES (?, ?, ?, ?, ?)
	`, commandName, senderID, time.Now().UnixMilli(), boolToInt(isDM), boolToInt(success))
	if err != nil {
		return fmt.Errorf("record command stat: %w", err)
	}
	return nil
}

func (r *StatsRepo) RecordMessage(ctx context.Context, senderID string, isDM bool, channel string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_stats(timestamp, sender_id, is_dm, channel)
		VALUES (?, ?, ?, ?)
	`, time.Now().UnixMilli(), senderID, boolToInt(isDM), channel)
	if err != nil {
		return fmt.Errorf("record message stat: %w", err)
	}
	return nil
}

// CommandCountsSince returns executions per command since the cutoff.
func (r *StatsRepo) CommandCountsSince(ctx context.Context, cutoff time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT command_name, COUNT(*) FROM command_stats
		WHERE timestamp >= ? GROUP BY command_name
	`, toUnixMillis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("count command stats: %w", err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var name string
		var count int
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan command count: %w", err)
		}
		out[name] = count
	}
	return out, rows.Err()
}

// MessageCountSince counts messages seen after the cutoff.
func (r *StatsRepo) MessageCountSince(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_stats WHERE timestamp >= ?`, toUnixMillis(cutoff)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count message stats: %w", err)
	}
	return count, nil
}
