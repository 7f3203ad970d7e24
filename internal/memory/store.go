// Package memory implements the local embedded SQL store (spec.md §4.I):
// people, facts, episodes, lessons, group capsules, the two dirty-claim
// queues, and hybrid FTS+vector retrieval with RRF and recency boost.
// Storage is modernc.org/sqlite (pure Go, matches the teacher's go.mod
// and jingkaihe-kodelet's use of the same driver).
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	ctxbuild "github.com/friendcore/friend/internal/context"
	"github.com/friendcore/friend/internal/message"
	"github.com/friendcore/friend/internal/person"
	"github.com/friendcore/friend/internal/providers"
)

const (
	rrfK            = 60
	rrfFTSWeight    = 0.6
	rrfVecWeight    = 0.4
	recencyWeight   = 0.2
	recencyHalfLife = 30 * 24 * time.Hour

	defaultLeaseDuration = 10 * time.Minute
	maxClaimLimitSmall   = 50
	maxClaimLimitLarge   = 200
)

// Store is a single-agent embedded memory database.
type Store struct {
	db       *sql.DB
	embedder providers.Embedder // nil disables the vector path entirely
	dims     int
}

// Open applies PRAGMAs, runs migrations, and deletes stored vectors whose
// dimension differs from the embedder's (reconcileVectorDims).
// embedder may be nil, in which case hybrid search always degrades to
// FTS-only (spec.md §4.I.1) — the same code path used when an embedder
// is present but errors, so the degradation is load-bearing, not a
// fallback-of-convenience.
func Open(ctx context.Context, path string, embedder providers.Embedder) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers on one handle

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA mmap_size=268435456",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("memory: pragma %q: %w", p, err)
		}
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory: migrate: %w", err)
	}

	dims := 0
	if embedder != nil {
		dims = embedder.Dims()
	}
	s := &Store{db: db, embedder: embedder, dims: dims}
	if err := s.reconcileVectorDims(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// reconcileVectorDims deletes vector rows whose stored dimension
// disagrees with the embedder's current dimension; truncation is
// forbidden, so mismatched rows are dropped rather than cut down
// (spec.md §3: "never truncated"). Nothing here re-embeds the deleted
// rows.
func (s *Store) reconcileVectorDims(ctx context.Context) error {
	if s.embedder == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM vectors WHERE dims != ?`, s.dims)
	return err
}

// --- people -----------------------------------------------------------

// TrackPerson upserts a Person keyed by (channel, channelUserID),
// refreshing updatedAtMs on every call (spec.md §3 lifecycle).
func (s *Store) TrackPerson(ctx context.Context, p *person.Person) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := person.NowMs()
	if p.ID == "" {
		p.ID = message.PersonID(uuid.NewString())
	}
	if p.CreatedAtMs == 0 {
		p.CreatedAtMs = now
	}
	p.UpdatedAtMs = now

	var override sql.NullString
	if p.TrustTierOverride != nil {
		override = sql.NullString{String: string(*p.TrustTierOverride), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO people (id, display_name, channel, channel_user_id, relationship_score, trust_tier_override,
	capsule, public_style_capsule, current_concerns, goals, preferences, last_mood_signal,
	curiosity_questions, created_at_ms, updated_at_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(channel, channel_user_id) DO UPDATE SET
	display_name=excluded.display_name,
	relationship_score=MAX(people.relationship_score, excluded.relationship_score),
	updated_at_ms=excluded.updated_at_ms
`,
		string(p.ID), p.DisplayName, string(p.Channel), p.ChannelUserID, p.RelationshipScore, override,
		p.Capsule, p.PublicStyleCapsule, mustJSON(p.CurrentConcerns), mustJSON(p.Goals), mustJSON(p.Preferences),
		p.LastMoodSignal, mustJSON(p.CuriosityQuestions), p.CreatedAtMs, p.UpdatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("memory: trackPerson: %w", err)
	}
	return tx.Commit()
}

func (s *Store) GetPersonByChannelUser(ctx context.Context, channel message.Channel, channelUserID string) (*person.Person, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, display_name, channel, channel_user_id, relationship_score, trust_tier_override,
	capsule, public_style_capsule, current_concerns, goals, preferences, last_mood_signal,
	curiosity_questions, created_at_ms, updated_at_ms
FROM people WHERE channel=? AND channel_user_id=?`, string(channel), channelUserID)
	return scanPerson(row)
}

// GetPersonByID looks up a person by their internal primary key, used by
// the `trust`/`export`/`forget` CLI commands which address people by ID
// rather than (channel, channelUserID).
func (s *Store) GetPersonByID(ctx context.Context, id message.PersonID) (*person.Person, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, display_name, channel, channel_user_id, relationship_score, trust_tier_override,
	capsule, public_style_capsule, current_concerns, goals, preferences, last_mood_signal,
	curiosity_questions, created_at_ms, updated_at_ms
FROM people WHERE id=?`, string(id))
	return scanPerson(row)
}

// ListPeople returns every tracked person, ordered by most recently
// updated first. Used by `friend export` to walk the full store.
func (s *Store) ListPeople(ctx context.Context) ([]*person.Person, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, display_name, channel, channel_user_id, relationship_score, trust_tier_override,
	capsule, public_style_capsule, current_concerns, goals, preferences, last_mood_signal,
	curiosity_questions, created_at_ms, updated_at_ms
FROM people ORDER BY updated_at_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*person.Person
	for rows.Next() {
		p, err := scanPersonRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetTrustTierOverride pins or clears (tier == "") a person's trust tier,
// bypassing the relationship-score derivation in person.DeriveTrustTier.
func (s *Store) SetTrustTierOverride(ctx context.Context, id message.PersonID, tier person.Tier) error {
	var override sql.NullString
	if tier != "" {
		override = sql.NullString{String: string(tier), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `UPDATE people SET trust_tier_override=?, updated_at_ms=? WHERE id=?`,
		override, person.NowMs(), string(id))
	return err
}

func scanPerson(row *sql.Row) (*person.Person, error) {
	var p person.Person
	var id, channel string
	var override sql.NullString
	var concerns, goals, prefs, curiosity string
	err := row.Scan(&id, &p.DisplayName, &channel, &p.ChannelUserID, &p.RelationshipScore, &override,
		&p.Capsule, &p.PublicStyleCapsule, &concerns, &goals, &prefs, &p.LastMoodSignal, &curiosity,
		&p.CreatedAtMs, &p.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.ID = message.PersonID(id)
	p.Channel = message.Channel(channel)
	if override.Valid {
		t := person.Tier(override.String)
		p.TrustTierOverride = &t
	}
	_ = json.Unmarshal([]byte(concerns), &p.CurrentConcerns)
	_ = json.Unmarshal([]byte(goals), &p.Goals)
	_ = json.Unmarshal([]byte(prefs), &p.Preferences)
	_ = json.Unmarshal([]byte(curiosity), &p.CuriosityQuestions)
	return &p, nil
}

// scanPersonRows mirrors scanPerson for a multi-row *sql.Rows cursor.
func scanPersonRows(rows *sql.Rows) (*person.Person, error) {
	var p person.Person
	var id, channel string
	var override sql.NullString
	var concerns, goals, prefs, curiosity string
	if err := rows.Scan(&id, &p.DisplayName, &channel, &p.ChannelUserID, &p.RelationshipScore, &override,
		&p.Capsule, &p.PublicStyleCapsule, &concerns, &goals, &prefs, &p.LastMoodSignal, &curiosity,
		&p.CreatedAtMs, &p.UpdatedAtMs); err != nil {
		return nil, err
	}
	p.ID = message.PersonID(id)
	p.Channel = message.Channel(channel)
	if override.Valid {
		t := person.Tier(override.String)
		p.TrustTierOverride = &t
	}
	_ = json.Unmarshal([]byte(concerns), &p.CurrentConcerns)
	_ = json.Unmarshal([]byte(goals), &p.Goals)
	_ = json.Unmarshal([]byte(prefs), &p.Preferences)
	_ = json.Unmarshal([]byte(curiosity), &p.CuriosityQuestions)
	return &p, nil
}

// DeletePerson cascades to facts; episodes are preserved (spec.md §3).
func (s *Store) DeletePerson(ctx context.Context, id message.PersonID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE person_id=?`, string(id)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM people WHERE id=?`, string(id)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- facts --------------------------------------------------------------

func (s *Store) StoreFact(ctx context.Context, f *person.Fact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if f.ID == "" {
		f.ID = message.FactID(uuid.NewString())
	}
	if f.CreatedAtMs == 0 {
		f.CreatedAtMs = person.NowMs()
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO facts (id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms)
VALUES (?,?,?,?,?,?,?,?)`,
		string(f.ID), string(f.PersonID), f.Subject, f.Content, string(f.Category), f.EvidenceQuote,
		nullableInt(f.LastAccessedAtMs), f.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("memory: storeFact: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO facts_fts(rowid, content) VALUES (?, ?)`, rowID, f.Subject+" "+f.Content); err != nil {
		return fmt.Errorf("memory: storeFact fts: %w", err)
	}
	return tx.Commit()
}

// ListFactsByPerson returns every stored fact for personID, most recent
// first. Used by `friend export` to walk a person's full record.
func (s *Store) ListFactsByPerson(ctx context.Context, personID message.PersonID) ([]*person.Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms
FROM facts WHERE person_id=? ORDER BY created_at_ms DESC`, string(personID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*person.Fact
	for rows.Next() {
		var f person.Fact
		var id, pid, category string
		var lastAccessed sql.NullInt64
		if err := rows.Scan(&id, &pid, &f.Subject, &f.Content, &category, &f.EvidenceQuote, &lastAccessed, &f.CreatedAtMs); err != nil {
			return nil, err
		}
		f.ID = message.FactID(id)
		f.PersonID = message.PersonID(pid)
		f.Category = person.Category(category)
		if lastAccessed.Valid {
			f.LastAccessedAtMs = lastAccessed.Int64
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func (s *Store) DeleteFact(ctx context.Context, id message.FactID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var rowID int64
	if err := tx.QueryRowContext(ctx, `SELECT rowid FROM facts WHERE id=?`, string(id)).Scan(&rowID); err == sql.ErrNoRows {
		return nil
	} else if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM facts_fts WHERE rowid=?`, rowID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE rowid=?`, rowID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE owner_kind='fact' AND owner_id=?`, string(id)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- episodes -----------------------------------------------------------

// LogEpisode writes an episode synchronously inside the commit step of a
// turn; on group episodes it marks the group-capsule dirty queue, and if
// person-attributed, the public-style dirty queue too (spec.md §3).
func (s *Store) LogEpisode(ctx context.Context, e *person.Episode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if e.ID == "" {
		e.ID = message.EpisodeID(uuid.NewString())
	}
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = person.NowMs()
	}

	res, err := tx.ExecContext(ctx, `
INSERT INTO episodes (id, chat_id, person_id, is_group, content, created_at_ms)
VALUES (?,?,?,?,?,?)`,
		string(e.ID), string(e.ChatID), string(e.PersonID), boolToInt(e.IsGroup), e.Content, e.CreatedAtMs,
	)
	if err != nil {
		return fmt.Errorf("memory: logEpisode: %w", err)
	}
	rowID, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO episodes_fts(rowid, content) VALUES (?, ?)`, rowID, e.Content); err != nil {
		return err
	}

	now := person.NowMs()
	if e.IsGroup {
		if err := markDirtyTx(ctx, tx, "group_capsule_dirty", "chat_id", string(e.ChatID), now); err != nil {
			return err
		}
	}
	if e.PersonID != "" {
		if err := markDirtyTx(ctx, tx, "style_capsule_dirty", "person_id", string(e.PersonID), now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ProactiveSendsSince implements proactive.ThrottleStore: an episode
// whose content starts with "proactive:" counts as a prior self-initiated
// send, matching the "proactive: " prefix that proactive.Handler's
// persist step writes.
func (s *Store) ProactiveSendsSince(ctx context.Context, personID message.PersonID, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM episodes
WHERE person_id=? AND created_at_ms>=? AND content LIKE 'proactive:%'`,
		string(personID), since.UnixMilli(),
	).Scan(&n)
	return n, err
}

// RecentEpisodesByChat returns the most recent episodes for chatID in
// chronological order (oldest first), independent of any query match —
// used by the consolidation worker, which needs "what happened lately"
// rather than a relevance-ranked subset.
func (s *Store) RecentEpisodesByChat(ctx context.Context, chatID message.ChatID, limit int) ([]*person.Episode, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, chat_id, person_id, is_group, content, created_at_ms FROM (
	SELECT * FROM episodes WHERE chat_id=? ORDER BY created_at_ms DESC LIMIT ?
) ORDER BY created_at_ms ASC`, string(chatID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*person.Episode
	for rows.Next() {
		var e person.Episode
		var id, cid, personID string
		var isGroup int
		if err := rows.Scan(&id, &cid, &personID, &isGroup, &e.Content, &e.CreatedAtMs); err != nil {
			return nil, err
		}
		e.ID = message.EpisodeID(id)
		e.ChatID = message.ChatID(cid)
		e.PersonID = message.PersonID(personID)
		e.IsGroup = isGroup != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RecentEpisodesByPrefix returns the most recent episodes whose content
// starts with prefix (e.g. "silence:" or "sent:"), newest first. Used by
// `friend self-improve` to scan recent silence/quality-gate decisions
// for candidate lessons.
func (s *Store) RecentEpisodesByPrefix(ctx context.Context, prefix string, limit int) ([]*person.Episode, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, chat_id, person_id, is_group, content, created_at_ms FROM episodes
WHERE content LIKE ? ORDER BY created_at_ms DESC LIMIT ?`, prefix+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*person.Episode
	for rows.Next() {
		var e person.Episode
		var id, chatID, personID string
		var isGroup int
		if err := rows.Scan(&id, &chatID, &personID, &isGroup, &e.Content, &e.CreatedAtMs); err != nil {
			return nil, err
		}
		e.ID = message.EpisodeID(id)
		e.ChatID = message.ChatID(chatID)
		e.PersonID = message.PersonID(personID)
		e.IsGroup = isGroup != 0
		out = append(out, &e)
	}
	return out, rows.Err()
}

// StoreLesson inserts a human-approved Lesson row (spec.md §4.K /
// self-improve: lessons are append-only, never edited in place).
func (s *Store) StoreLesson(ctx context.Context, l *person.Lesson) error {
	if l.ID == "" {
		l.ID = message.LessonID(uuid.NewString())
	}
	if l.CreatedAtMs == 0 {
		l.CreatedAtMs = person.NowMs()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO lessons (id, type, category, content, rule, alternative, person_id, episode_refs,
	confidence, times_validated, times_violated, created_at_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		string(l.ID), string(l.Type), l.Category, l.Content, l.Rule, l.Alternative, string(l.PersonID),
		mustJSON(l.EpisodeRefs), l.Confidence, l.TimesValidated, l.TimesViolated, l.CreatedAtMs,
	)
	return err
}

// ListLessons returns every stored lesson, most recent first.
func (s *Store) ListLessons(ctx context.Context) ([]*person.Lesson, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, type, category, content, rule, alternative, person_id, episode_refs,
	confidence, times_validated, times_violated, created_at_ms
FROM lessons ORDER BY created_at_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*person.Lesson
	for rows.Next() {
		var l person.Lesson
		var id, typ, personID, refs string
		if err := rows.Scan(&id, &typ, &l.Category, &l.Content, &l.Rule, &l.Alternative, &personID, &refs,
			&l.Confidence, &l.TimesValidated, &l.TimesViolated, &l.CreatedAtMs); err != nil {
			return nil, err
		}
		l.ID = message.LessonID(id)
		l.Type = person.LessonType(typ)
		l.PersonID = message.PersonID(personID)
		_ = json.Unmarshal([]byte(refs), &l.EpisodeRefs)
		out = append(out, &l)
	}
	return out, rows.Err()
}

func markDirtyTx(ctx context.Context, tx *sql.Tx, table, keyCol, key string, nowMs int64) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (%s, dirty_at_ms, dirty_last_at_ms, claimed_at_ms) VALUES (?, ?, ?, NULL)
ON CONFLICT(%s) DO UPDATE SET dirty_last_at_ms=excluded.dirty_last_at_ms
`, table, keyCol, keyCol), key, nowMs, nowMs)
	return err
}

// --- group capsules / public style capsules ------------------------------

func (s *Store) GroupCapsule(ctx context.Context, chatID message.ChatID) (string, error) {
	var capsule string
	err := s.db.QueryRowContext(ctx, `SELECT capsule FROM group_capsules WHERE chat_id=?`, string(chatID)).Scan(&capsule)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return capsule, err
}

func (s *Store) SetGroupCapsule(ctx context.Context, chatID message.ChatID, capsule string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO group_capsules (chat_id, capsule, updated_at_ms) VALUES (?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET capsule=excluded.capsule, updated_at_ms=excluded.updated_at_ms
`, string(chatID), capsule, person.NowMs())
	return err
}

// SetPersonCapsule updates a person's private capsule summary, used by
// the background consolidation worker draining style_capsule_dirty.
func (s *Store) SetPersonCapsule(ctx context.Context, personID message.PersonID, capsule string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE people SET capsule=?, updated_at_ms=? WHERE id=?`,
		capsule, person.NowMs(), string(personID))
	return err
}

// SetPersonStyleCapsule updates a person's public style capsule (the
// share-safe summary used in group contexts).
func (s *Store) SetPersonStyleCapsule(ctx context.Context, personID message.PersonID, capsule string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE people SET public_style_capsule=?, updated_at_ms=? WHERE id=?`,
		capsule, person.NowMs(), string(personID))
	return err
}

func (s *Store) PersonCapsule(ctx context.Context, personID message.PersonID) (string, string, error) {
	var capsule, styleCapsule string
	err := s.db.QueryRowContext(ctx, `SELECT capsule, public_style_capsule FROM people WHERE id=?`, string(personID)).
		Scan(&capsule, &styleCapsule)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	return capsule, styleCapsule, err
}

// --- dirty-claim queues ---------------------------------------------------

// DirtyClaim is one leased row handed back to a worker.
type DirtyClaim struct {
	Key         string
	DirtyAtMs   int64
	ClaimedAtMs int64
}

// ClaimGroupDirty and ClaimStyleDirty share this implementation: select
// unleased-or-expired rows ordered by dirty_at_ms, claim them atomically
// in one transaction (spec.md §4.I "Dirty-claim queues").
func (s *Store) claimDirty(ctx context.Context, table, keyCol string, limit int, leaseMs int64) ([]DirtyClaim, error) {
	if limit <= 0 || limit > maxClaimLimitLarge {
		limit = maxClaimLimitSmall
	}
	now := person.NowMs()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
SELECT %s, dirty_at_ms FROM %s
WHERE claimed_at_ms IS NULL OR claimed_at_ms < ?
ORDER BY dirty_at_ms ASC LIMIT ?`, keyCol, table), now-leaseMs, limit)
	if err != nil {
		return nil, err
	}
	var claims []DirtyClaim
	for rows.Next() {
		var c DirtyClaim
		if err := rows.Scan(&c.Key, &c.DirtyAtMs); err != nil {
			rows.Close()
			return nil, err
		}
		c.ClaimedAtMs = now
		claims = append(claims, c)
	}
	rows.Close()

	for _, c := range claims {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET claimed_at_ms=? WHERE %s=?`, table, keyCol), now, c.Key); err != nil {
			return nil, err
		}
	}
	return claims, tx.Commit()
}

func (s *Store) ClaimGroupDirty(ctx context.Context, limit int) ([]DirtyClaim, error) {
	return s.claimDirty(ctx, "group_capsule_dirty", "chat_id", limit, defaultLeaseDuration.Milliseconds())
}

func (s *Store) ClaimStyleDirty(ctx context.Context, limit int) ([]DirtyClaim, error) {
	return s.claimDirty(ctx, "style_capsule_dirty", "person_id", limit, defaultLeaseDuration.Milliseconds())
}

// completeDirty deletes the row if no newer dirtying occurred during the
// lease; otherwise releases the claim for re-pickup (spec.md §4.I).
func (s *Store) completeDirty(ctx context.Context, table, keyCol, key string, claimedAtMs int64) error {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
DELETE FROM %s WHERE %s=? AND COALESCE(dirty_last_at_ms, dirty_at_ms) <= ?`, table, keyCol), key, claimedAtMs)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		return nil
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET claimed_at_ms=NULL WHERE %s=?`, table, keyCol), key)
	return err
}

func (s *Store) CompleteGroupDirty(ctx context.Context, chatID string, claimedAtMs int64) error {
	return s.completeDirty(ctx, "group_capsule_dirty", "chat_id", chatID, claimedAtMs)
}

func (s *Store) CompleteStyleDirty(ctx context.Context, personID string, claimedAtMs int64) error {
	return s.completeDirty(ctx, "style_capsule_dirty", "person_id", personID, claimedAtMs)
}

// --- FTS tokenization -----------------------------------------------------

var ftsTokenPattern = regexp.MustCompile(`[a-z0-9]{2,}`)

// safeFTSQuery extracts [a-z0-9]{2,} tokens, dedupes, caps at 10, and
// OR-joins double-quoted tokens; raw user text never reaches MATCH
// (spec.md §3 invariant 7).
func safeFTSQuery(text string) string {
	lower := strings.ToLower(text)
	tokens := ftsTokenPattern.FindAllString(lower, -1)
	seen := map[string]bool{}
	var out []string
	for _, t := range tokens {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, fmt.Sprintf("%q", t))
		if len(out) == 10 {
			break
		}
	}
	return strings.Join(out, " OR ")
}

// --- hybrid search ---------------------------------------------------------

type scoredCandidate struct {
	id      string
	content string
	score   float64
}

// hybridSearchFacts and hybridSearchEpisodes both drive the shared RRF +
// recency-boost pipeline (spec.md §4.I "Hybrid search").
func (s *Store) HybridSearchFacts(ctx context.Context, personID message.PersonID, query string, limit int) ([]ctxbuild.RetrievedItem, error) {
	ftsRank, err := s.ftsRank(ctx, "facts_fts", "facts", "person_id", string(personID), query)
	if err != nil {
		return nil, err
	}
	vecRank := s.vecRank(ctx, "fact", query)

	rows, err := s.db.QueryContext(ctx, `
SELECT id, subject, content, last_accessed_at_ms, created_at_ms FROM facts WHERE person_id=?`, string(personID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scoredCandidate
	for rows.Next() {
		var id, subject, content string
		var lastAccessed sql.NullInt64
		var created int64
		if err := rows.Scan(&id, &subject, &content, &lastAccessed, &created); err != nil {
			return nil, err
		}
		basis := created
		if lastAccessed.Valid {
			basis = lastAccessed.Int64
		}
		score := rrfScore(id, ftsRank, vecRank)
		if score == 0 {
			continue
		}
		score = applyRecencyBoost(score, basis)
		out = append(out, scoredCandidate{id: id, content: subject + ": " + content, score: score})
	}
	return topN(out, limit), nil
}

func (s *Store) HybridSearchEpisodes(ctx context.Context, chatID message.ChatID, query string, limit int) ([]ctxbuild.RetrievedItem, error) {
	ftsRank, err := s.ftsRank(ctx, "episodes_fts", "episodes", "chat_id", string(chatID), query)
	if err != nil {
		return nil, err
	}
	vecRank := s.vecRank(ctx, "episode", query)

	rows, err := s.db.QueryContext(ctx, `SELECT id, content, created_at_ms FROM episodes WHERE chat_id=?`, string(chatID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []scoredCandidate
	for rows.Next() {
		var id, content string
		var created int64
		if err := rows.Scan(&id, &content, &created); err != nil {
			return nil, err
		}
		score := rrfScore(id, ftsRank, vecRank)
		if score == 0 {
			continue
		}
		score = applyRecencyBoost(score, created)
		out = append(out, scoredCandidate{id: id, content: content, score: score})
	}
	return topN(out, limit), nil
}

// ftsRank returns id -> 1-based rank (lower is better) for the FTS match,
// scoped to an owner column (person_id or chat_id) within the same table.
func (s *Store) ftsRank(ctx context.Context, ftsTable, baseTable, ownerCol, ownerID, query string) (map[string]int, error) {
	match := safeFTSQuery(query)
	if match == "" {
		return map[string]int{}, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT b.id, %s.rank FROM %s
JOIN %s b ON b.rowid = %s.rowid
WHERE %s MATCH ? AND b.%s = ?
ORDER BY %s.rank`, ftsTable, ftsTable, baseTable, ftsTable, ftsTable, ownerCol, ftsTable),
		match, ownerID)
	if err != nil {
		return nil, fmt.Errorf("memory: fts rank: %w", err)
	}
	defer rows.Close()

	ranks := map[string]int{}
	pos := 1
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		ranks[id] = pos
		pos++
	}
	return ranks, nil
}

// vecRank runs a brute-force cosine scan over the vectors table, since
// modernc.org/sqlite carries no vec0 extension in this build; there is no
// ANN index and no probe for one (spec.md §4.I's degradation path,
// exercised unconditionally here rather than only on extension-load
// failure).
func (s *Store) vecRank(ctx context.Context, ownerKind, query string) map[string]int {
	if s.embedder == nil || strings.TrimSpace(query) == "" {
		return map[string]int{}
	}
	qvec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return map[string]int{}
	}
	rows, err := s.db.QueryContext(ctx, `SELECT owner_id, embedding FROM vectors WHERE owner_kind=?`, ownerKind)
	if err != nil {
		return map[string]int{}
	}
	defer rows.Close()

	type sim struct {
		id    string
		score float64
	}
	var sims []sim
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			continue
		}
		vec := decodeFloat32s(blob)
		sims = append(sims, sim{id: id, score: cosineSimilarity(qvec, vec)})
	}
	sort.Slice(sims, func(i, j int) bool { return sims[i].score > sims[j].score })

	ranks := map[string]int{}
	for i, sm := range sims {
		ranks[sm.id] = i + 1
	}
	return ranks
}

func rrfScore(id string, ftsRank, vecRank map[string]int) float64 {
	var score float64
	if r, ok := ftsRank[id]; ok {
		score += rrfFTSWeight / float64(rrfK+r)
	}
	if r, ok := vecRank[id]; ok {
		score += rrfVecWeight / float64(rrfK+r)
	}
	return score
}

func applyRecencyBoost(score float64, basisMs int64) float64 {
	ageMs := float64(person.NowMs() - basisMs)
	if ageMs < 0 {
		ageMs = 0
	}
	halfLifeMs := float64(recencyHalfLife.Milliseconds())
	return score * (1 + recencyWeight*math.Exp(-math.Ln2*ageMs/halfLifeMs))
}

func topN(cands []scoredCandidate, limit int) []ctxbuild.RetrievedItem {
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	if limit > len(cands) {
		limit = len(cands)
	}
	if limit < 0 {
		limit = 0
	}
	out := make([]ctxbuild.RetrievedItem, limit)
	for i := 0; i < limit; i++ {
		out[i] = ctxbuild.RetrievedItem{Content: cands[i].content, Score: cands[i].score}
	}
	return out
}

// --- ctxbuild.Retriever adapter -------------------------------------------

// AsRetriever adapts Store to ctxbuild.Retriever so the context builder
// never needs to know about SQL.
func (s *Store) AsRetriever() ctxbuild.Retriever { return retrieverAdapter{s} }

type retrieverAdapter struct{ s *Store }

func (r retrieverAdapter) RetrieveFacts(ctx context.Context, personID message.PersonID, query string, limit int) ([]ctxbuild.RetrievedItem, error) {
	return r.s.HybridSearchFacts(ctx, personID, query, limit)
}
func (r retrieverAdapter) RetrieveEpisodes(ctx context.Context, chatID message.ChatID, query string, limit int) ([]ctxbuild.RetrievedItem, error) {
	return r.s.HybridSearchEpisodes(ctx, chatID, query, limit)
}
func (r retrieverAdapter) GroupCapsule(ctx context.Context, chatID message.ChatID) (string, error) {
	return r.s.GroupCapsule(ctx, chatID)
}
func (r retrieverAdapter) PersonCapsule(ctx context.Context, personID message.PersonID) (string, string, error) {
	return r.s.PersonCapsule(ctx, personID)
}

// --- helpers ---------------------------------------------------------------

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func decodeFloat32s(blob []byte) []float32 {
	n := len(blob) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(blob[i*4]) | uint32(blob[i*4+1])<<8 | uint32(blob[i*4+2])<<16 | uint32(blob[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func encodeFloat32s(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, f := range vec {
		bits := math.Float32bits(f)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, magA, magB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
	}
	for _, v := range b {
		magB += float64(v) * float64(v)
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// UpsertVector stores/overwrites an embedding for a fact or episode,
// zero-padding to the store's configured dimension if the embedder
// returned fewer (never truncating — spec.md §3 invariant).
func (s *Store) UpsertVector(ctx context.Context, ownerKind, ownerID string, vec []float32) error {
	if len(vec) < s.dims {
		padded := make([]float32, s.dims)
		copy(padded, vec)
		vec = padded
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO vectors (owner_kind, owner_id, dims, embedding) VALUES (?,?,?,?)
ON CONFLICT(owner_kind, owner_id) DO UPDATE SET dims=excluded.dims, embedding=excluded.embedding
`, ownerKind, ownerID, s.dims, encodeFloat32s(vec))
	return err
}
