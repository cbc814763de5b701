package persistence

import (
	"context"
	"database/sql"
	"fmt"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS complete_contact_tracking (
		public_key TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'companion',
		first_heard INTEGER NOT NULL,
		last_heard INTEGER NOT NULL,
		last_advert_timestamp INTEGER NOT NULL DEFAULT 0,
		latitude REAL,
		longitude REAL,
		city TEXT,
		state TEXT,
		country TEXT,
		snr REAL,
		rssi INTEGER,
		hops INTEGER,
		is_starred INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS observed_paths (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		public_key TEXT,
		packet_hash TEXT,
		from_prefix TEXT NOT NULL,
		to_prefix TEXT NOT NULL,
		path_hex TEXT NOT NULL,
		path_length INTEGER NOT NULL,
		packet_type TEXT NOT NULL,
		first_seen INTEGER NOT NULL,
		last_seen INTEGER NOT NULL,
		observation_count INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS mesh_edges (
		from_prefix TEXT NOT NULL,
		to_prefix TEXT NOT NULL,
		hop_position INTEGER NOT NULL DEFAULT 0,
		geographic_distance REAL,
		from_public_key TEXT,
		to_public_key TEXT,
		last_seen INTEGER NOT NULL,
		observation_count INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (from_prefix, to_prefix)
	);`,
	`CREATE TABLE IF NOT EXISTS command_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		command_name TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		is_dm INTEGER NOT NULL,
		success INTEGER NOT NULL DEFAULT 1
	);`,
	`CREATE TABLE IF NOT EXISTS message_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		sender_id TEXT NOT NULL,
		is_dm INTEGER NOT NULL,
		channel TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS packet_stream (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		data_json TEXT NOT NULL,
		type TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_packet_stream_timestamp ON packet_stream(timestamp);`,
	`CREATE INDEX IF NOT EXISTS idx_packet_stream_type ON packet_stream(type);`,
	`CREATE TABLE IF NOT EXISTS channel_operations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		channel_idx INTEGER,
		channel_name TEXT,
		channel_key_hex TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		result TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS purging_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		action TEXT NOT NULL,
		details TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS system_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range migrationStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}
