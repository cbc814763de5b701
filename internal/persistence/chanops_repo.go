package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jtstockton/meshcore-bot/internal/domain"
)

// Channel operation statuses.
const (
	ChanOpPending   = "pending"
	ChanOpCompleted = "completed"
	ChanOpFailed    = "failed"
)

type ChanOpsRepo struct {
	db *sql.DB
}

func NewChanOpsRepo(db *sql.DB) *ChanOpsRepo {
	return &ChanOpsRepo{db: db}
}

// Enqueue queues a channel add or remove for the device worker.
func (r *ChanOpsRepo) Enqueue(ctx context.Context, op domain.ChannelOperation) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO channel_operations(type, channel_idx, channel_name, channel_key_hex, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, op.Type, op.ChannelIdx, op.ChannelName, op.ChannelKeyHex, ChanOpPending, now, now)
	if err != nil {
		return 0, fmt.Errorf("enqueue channel operation: %w", err)
	}
	return res.LastInsertId()
}

// Pending returns queued operations oldest first.
func (r *ChanOpsRepo) Pending(ctx context.Context) ([]domain.ChannelOperation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, channel_idx, channel_name, channel_key_hex, status, result, created_at, updated_at
		FROM channel_operations WHERE status = ? ORDER BY created_at ASC
	`, ChanOpPending)
	if err != nil {
		return nil, fmt.Errorf("list pending channel operations: %w", err)
	}
	defer rows.Close()

	var out []domain.ChannelOperation
	for rows.Next() {
		var (
			op        domain.ChannelOperation
			idx       sql.NullInt64
			name      sql.NullString
			keyHex    sql.NullString
			result    sql.NullString
			createdMs int64
			updatedMs int64
		)
		err := rows.Scan(&op.ID, &op.Type, &idx, &name, &keyHex, &op.Status, &result, &createdMs, &updatedMs)
		if err != nil {
			return nil, fmt.Errorf("scan channel operation: %w", err)
		}
		op.ChannelIdx = int(idx.Int64)
		op.ChannelName = name.String
		op.ChannelKeyHex = keyHex.String
		op.Result = result.String
		op.CreatedAt = fromUnixMillis(createdMs)
		op.UpdatedAt = fromUnixMillis(updatedMs)
		out = append(out, op)
	}
	return out, rows.Err()
}

// Resolve marks an operation completed or failed with a result message.
func (r *ChanOpsRepo) Resolve(ctx context.Context, id int64, status, result string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE channel_operations SET status = ?, result = ?, updated_at = ? WHERE id = ?
	`, status, result, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("resolve channel operation %d: %w", id, err)
	}
	return nil
}
