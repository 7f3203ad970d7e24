// Package sessions is the per-chat append log of rendered turns, backed
// by its own embedded SQLite file (sessions.db, separate from
// internal/memory's memory.db). Adapted from the teacher's
// in-memory+JSON-file Manager into a durable, query-friendly log that
// internal/context reads directly through the narrow
// ctxbuild.SessionHistoryProvider contract.
package sessions

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	ctxbuild "github.com/friendcore/friend/internal/context"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/providers"
)

// Store is the SQLite-backed session log for one agent.
type Store struct {
	db *sql.DB
}

// Open applies the same WAL/NORMAL/foreign_keys pragmas as
// internal/memory — same durability posture, on its own file with its
// own *sql.DB handle.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessions: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sessions: pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS session_messages (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id TEXT NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	source_message_id TEXT NOT NULL DEFAULT '',
	author_display TEXT NOT NULL DEFAULT '',
	timestamp_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_messages_chat ON session_messages(chat_id, rowid);

CREATE TABLE IF NOT EXISTS session_meta (
	chat_id TEXT PRIMARY KEY,
	compaction_count INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	last_prompt_tokens INTEGER NOT NULL DEFAULT 0,
	last_message_count INTEGER NOT NULL DEFAULT 0
);
`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sessions: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// AppendMessage appends one turn to a chat's log. sourceMessageID is
// empty for assistant/system rows.
func (s *Store) AppendMessage(ctx context.Context, chatID message.ChatID, role, content string, sourceMessageID message.MessageID, authorDisplay string, timestampMs int64) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_messages (chat_id, role, content, source_message_id, author_display, timestamp_ms)
VALUES (?,?,?,?,?,?)`,
		string(chatID), role, content, string(sourceMessageID), authorDisplay, timestampMs)
	if err != nil {
		return fmt.Errorf("sessions: append: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO session_meta (chat_id, last_message_count) VALUES (?, 1)
ON CONFLICT(chat_id) DO UPDATE SET last_message_count = last_message_count + 1
`, string(chatID)); err != nil {
		return fmt.Errorf("sessions: append meta: %w", err)
	}
	return nil
}

// History returns the most recent limit messages for chatID, oldest
// first, satisfying ctxbuild.SessionHistoryProvider.
func (s *Store) History(ctx context.Context, chatID message.ChatID, limit int) ([]ctxbuild.SessionMessage, error) {
	if limit <= 0 {
		limit = 40
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT role, content, source_message_id, author_display, timestamp_ms FROM (
	SELECT * FROM session_messages WHERE chat_id=? ORDER BY rowid DESC LIMIT ?
) ORDER BY rowid ASC`, string(chatID), limit)
	if err != nil {
		return nil, fmt.Errorf("sessions: history: %w", err)
	}
	defer rows.Close()

	var out []ctxbuild.SessionMessage
	for rows.Next() {
		var m ctxbuild.SessionMessage
		var sourceID string
		if err := rows.Scan(&m.Role, &m.Content, &sourceID, &m.AuthorDisplay, &m.TimestampMs); err != nil {
			return nil, err
		}
		m.SourceMessageID = message.MessageID(sourceID)
		out = append(out, m)
	}
	return out, nil
}

// Compact replaces every row older than the most recent keepLast with a
// single synthetic "system" summary row produced by summarize, then
// bumps the compaction counter (spec.md §4.G: compaction is a summarizer
// callback invoked by the context builder, not a fixed policy here).
func (s *Store) Compact(ctx context.Context, chatID message.ChatID, summarize func([]ctxbuild.SessionMessage) (string, error)) error {
	const keepLast = 10

	all, err := s.History(ctx, chatID, 1<<20)
	if err != nil {
		return err
	}
	if len(all) <= keepLast {
		return nil
	}
	toSummarize := all[:len(all)-keepLast]

	summary, err := summarize(toSummarize)
	if err != nil {
		return fmt.Errorf("sessions: compact: summarize: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	cutoff := toSummarize[len(toSummarize)-1].TimestampMs
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE chat_id=? AND timestamp_ms <= ?`, string(chatID), cutoff); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO session_messages (chat_id, role, content, timestamp_ms) VALUES (?, 'system', ?, ?)`,
		string(chatID), summary, cutoff); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO session_meta (chat_id, compaction_count) VALUES (?, 1)
ON CONFLICT(chat_id) DO UPDATE SET compaction_count = compaction_count + 1
`, string(chatID)); err != nil {
		return err
	}
	return tx.Commit()
}

// AccumulateTokens and CompactionCount expose the teacher's usage-tracking
// metadata.
func (s *Store) AccumulateTokens(ctx context.Context, chatID message.ChatID, usage *providers.Usage) error {
	if usage == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_meta (chat_id, input_tokens, output_tokens) VALUES (?,?,?)
ON CONFLICT(chat_id) DO UPDATE SET input_tokens = input_tokens + excluded.input_tokens, output_tokens = output_tokens + excluded.output_tokens
`, string(chatID), usage.PromptTokens, usage.CompletionTokens)
	return err
}

func (s *Store) CompactionCount(ctx context.Context, chatID message.ChatID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT compaction_count FROM session_meta WHERE chat_id=?`, string(chatID)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// AsProvider adapts Store to ctxbuild.SessionHistoryProvider.
func (s *Store) AsProvider() ctxbuild.SessionHistoryProvider { return s }
