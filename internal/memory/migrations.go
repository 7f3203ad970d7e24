package memory

import "database/sql"

// migration is one idempotent step applied in order at Open time,
// mirroring the *shape* of the teacher's golang-migrate usage without the
// external migrations-directory indirection an embedded single-file DB
// doesn't need (spec.md §4.I).
type migration struct {
	name string
	run  func(*sql.Tx) error
}

var migrations = []migration{
	{"001_people", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS people (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	channel TEXT NOT NULL,
	channel_user_id TEXT NOT NULL,
	relationship_score REAL NOT NULL DEFAULT 0,
	trust_tier_override TEXT,
	capsule TEXT NOT NULL DEFAULT '',
	public_style_capsule TEXT NOT NULL DEFAULT '',
	current_concerns TEXT NOT NULL DEFAULT '[]',
	goals TEXT NOT NULL DEFAULT '[]',
	preferences TEXT NOT NULL DEFAULT '[]',
	last_mood_signal TEXT NOT NULL DEFAULT '',
	curiosity_questions TEXT NOT NULL DEFAULT '[]',
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_people_channel_user ON people(channel, channel_user_id);
`)
		return err
	}},
	{"002_facts", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS facts (
	id TEXT PRIMARY KEY,
	person_id TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT 'misc',
	evidence_quote TEXT NOT NULL DEFAULT '',
	last_accessed_at_ms INTEGER,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_facts_person ON facts(person_id);
CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(content, content='facts', content_rowid='rowid');
`)
		return err
	}},
	{"003_episodes", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS episodes (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	person_id TEXT NOT NULL DEFAULT '',
	is_group INTEGER NOT NULL DEFAULT 0,
	content TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_episodes_chat ON episodes(chat_id, created_at_ms);
CREATE VIRTUAL TABLE IF NOT EXISTS episodes_fts USING fts5(content, content='episodes', content_rowid='rowid');
`)
		return err
	}},
	{"004_lessons", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS lessons (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	rule TEXT NOT NULL DEFAULT '',
	alternative TEXT NOT NULL DEFAULT '',
	person_id TEXT NOT NULL DEFAULT '',
	episode_refs TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0.5,
	times_validated INTEGER NOT NULL DEFAULT 0,
	times_violated INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL
);
`)
		return err
	}},
	{"005_group_capsules", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS group_capsules (
	chat_id TEXT PRIMARY KEY,
	capsule TEXT NOT NULL DEFAULT '',
	updated_at_ms INTEGER NOT NULL
);
`)
		return err
	}},
	{"006_dirty_queues", func(tx *sql.Tx) error {
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS group_capsule_dirty (
	chat_id TEXT PRIMARY KEY,
	dirty_at_ms INTEGER NOT NULL,
	dirty_last_at_ms INTEGER,
	claimed_at_ms INTEGER
);
CREATE TABLE IF NOT EXISTS style_capsule_dirty (
	person_id TEXT PRIMARY KEY,
	dirty_at_ms INTEGER NOT NULL,
	dirty_last_at_ms INTEGER,
	claimed_at_ms INTEGER
);
`)
		return err
	}},
	{"007_vectors", func(tx *sql.Tx) error {
		// A plain rowid-keyed table, not a real vec0 virtual table:
		// vecRank in store.go always scans it with a brute-force cosine
		// pass; no vector index is probed for or used (spec.md §4.I:
		// "hybrid search degrades to FTS-only exactly as already
		// mandated").
		_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS vectors (
	owner_kind TEXT NOT NULL,
	owner_id TEXT NOT NULL,
	dims INTEGER NOT NULL,
	embedding BLOB NOT NULL,
	PRIMARY KEY (owner_kind, owner_id)
);
`)
		return err
	}},
}

func applyMigrations(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (name TEXT PRIMARY KEY, applied_at_ms INTEGER NOT NULL)`); err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		row := tx.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, m.name)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			continue
		}
		if err := m.run(tx); err != nil {
			return err
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations(name, applied_at_ms) VALUES (?, strftime('%s','now')*1000)`, m.name); err != nil {
			return err
		}
	}
	return tx.Commit()
}
