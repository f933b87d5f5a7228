package storage

import (
	"context"
	"fmt"
	"strings"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
	telegram_user_id    {{bigint}} PRIMARY KEY,
	telegram_username   TEXT,
	created_at          {{time}} NOT NULL,
	alpaca_api_key      TEXT,
	alpaca_secret_key   TEXT,
	openrouter_api_key  TEXT,
	operating_framework TEXT
)`,
	`CREATE TABLE IF NOT EXISTS tasks (
	task_id               TEXT PRIMARY KEY,
	telegram_user_id      {{bigint}} NOT NULL REFERENCES users (telegram_user_id) ON DELETE CASCADE,
	created_at            {{time}} NOT NULL,
	ticker_symbol         TEXT,
	role                  TEXT NOT NULL,
	description           TEXT NOT NULL,
	task_datetime         {{time}},
	is_active             {{bool}} NOT NULL,
	trigger_type          TEXT NOT NULL,
	trigger_config        {{json}},
	related_note_ids      {{json}},
	related_task_ids      {{json}},
	related_watchlist_ids {{json}}
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks (is_active, trigger_type, task_datetime)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks (telegram_user_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS notes (
	note_id               TEXT PRIMARY KEY,
	telegram_user_id      {{bigint}} NOT NULL REFERENCES users (telegram_user_id) ON DELETE CASCADE,
	created_at            {{time}} NOT NULL,
	ticker_symbol         TEXT,
	topic                 TEXT NOT NULL,
	role                  TEXT NOT NULL,
	note                  TEXT NOT NULL,
	related_note_ids      {{json}},
	related_task_ids      {{json}},
	related_watchlist_ids {{json}}
)`,
	`CREATE TABLE IF NOT EXISTS watchlists (
	watchlist_id     TEXT PRIMARY KEY,
	telegram_user_id {{bigint}} NOT NULL REFERENCES users (telegram_user_id) ON DELETE CASCADE,
	created_at       {{time}} NOT NULL,
	watchlist_name   TEXT NOT NULL,
	assets           {{json}} NOT NULL,
	updated_at       {{time}} NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS note_embeddings (
	note_id   TEXT PRIMARY KEY REFERENCES notes (note_id) ON DELETE CASCADE,
	embedding {{blob}} NOT NULL
)`,
}

func (s *Store) migrate(ctx context.Context) error {
	r := strings.NewReplacer(
		"{{bigint}}", s.d.bigint,
		"{{time}}", s.d.timeType,
		"{{json}}", s.d.jsonType,
		"{{bool}}", s.d.boolType,
		"{{blob}}", s.d.blobType,
	)
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
