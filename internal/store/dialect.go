package store

import (
	"database/sql"
	"time"
)

type dialect struct {
	name          string
	schema        []string
	insert        string
	countByUser   string
	configurePool func(*sql.DB)
}

func serverPool(db *sql.DB) {
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
}

var dialects = map[string]dialect{
	DriverPostgres: {
		name: DriverPostgres,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id         UUID PRIMARY KEY,
				user_id    TEXT NOT NULL,
				role       TEXT NOT NULL,
				content    TEXT NOT NULL,
				model      TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_user ON chat_messages(user_id, created_at)`,
		},
		insert: `INSERT INTO chat_messages (id, user_id, role, content, model, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		countByUser:   `SELECT COUNT(*) FROM chat_messages WHERE user_id = $1`,
		configurePool: serverPool,
	},

	DriverSQLite: {
		name: DriverSQLite,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				role       TEXT NOT NULL,
				content    TEXT NOT NULL,
				model      TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT (datetime('now'))
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_user ON chat_messages(user_id, created_at)`,
		},
		insert: `INSERT INTO chat_messages (id, user_id, role, content, model, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		countByUser: `SELECT COUNT(*) FROM chat_messages WHERE user_id = ?`,
		// A single connection keeps ":memory:" databases shared and
		// serializes writers.
		configurePool: func(db *sql.DB) { db.SetMaxOpenConns(1) },
	},

	DriverClickHouse: {
		name: DriverClickHouse,
		schema: []string{
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id         UUID,
				user_id    String,
				role       LowCardinality(String),
				content    String,
				model      LowCardinality(String),
				created_at DateTime64(3, 'UTC')
			) ENGINE = MergeTree
			ORDER BY (user_id, created_at)`,
		},
		insert: `INSERT INTO chat_messages (id, user_id, role, content, model, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
		countByUser:   `SELECT toInt64(count()) FROM chat_messages WHERE user_id = ?`,
		configurePool: serverPool,
	},
}
