// Package mirror writes a human-readable markdown snapshot of each person
// and group capsule alongside the SQLite stores, so an operator can read
// "what the agent currently believes about X" without a DB client.
// Grounded on the teacher's embedded-template seeding
// (internal/bootstrap's AGENTS.md/SOUL.md pattern), adapted from
// seeding fixed identity files to regenerating per-entity snapshots.
package mirror

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/friendcore/friend/internal/person"
)

// Writer renders markdown capsule mirrors under dataDir/md/{people,groups}.
type Writer struct {
	dataDir string
}

// New creates a Writer rooted at dataDir.
func New(dataDir string) *Writer {
	return &Writer{dataDir: dataDir}
}

// slug returns the first 10 hex chars of sha256(id), the filename stem
// spec.md's persisted-state section fixes for both people and groups.
func slug(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:10]
}

// WritePerson regenerates dataDir/md/people/<slug>.md for p. Any write
// failure is the caller's to log at debug — a stale or missing mirror
// file never blocks a turn (spec.md §9).
func (w *Writer) WritePerson(p *person.Person) error {
	dir := filepath.Join(w.dataDir, "md", "people")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, slug(string(p.ID))+".md")
	return os.WriteFile(path, []byte(renderPerson(p)), 0o644)
}

// WriteGroup regenerates dataDir/md/groups/<slug>.md for a group chat.
func (w *Writer) WriteGroup(chatID, summary string, participantNames []string) error {
	dir := filepath.Join(w.dataDir, "md", "groups")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(dir, slug(chatID)+".md")
	return os.WriteFile(path, []byte(renderGroup(chatID, summary, participantNames)), 0o644)
}

func renderPerson(p *person.Person) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", nonEmpty(p.DisplayName, string(p.ID)))
	fmt.Fprintf(&b, "- channel: %s\n", p.Channel)
	fmt.Fprintf(&b, "- relationship score: %.2f\n", p.RelationshipScore)
	if p.TrustTierOverride != nil {
		fmt.Fprintf(&b, "- trust tier override: %s\n", *p.TrustTierOverride)
	}
	fmt.Fprintf(&b, "- updated: %s\n\n", time.UnixMilli(p.UpdatedAtMs).UTC().Format(time.RFC3339))

	if p.Capsule != "" {
		b.WriteString("## Capsule\n\n")
		b.WriteString(p.Capsule)
		b.WriteString("\n\n")
	}
	writeList(&b, "Current concerns", p.CurrentConcerns)
	writeList(&b, "Goals", p.Goals)
	writeList(&b, "Preferences", p.Preferences)
	if p.LastMoodSignal != "" {
		fmt.Fprintf(&b, "## Last mood signal\n\n%s\n\n", p.LastMoodSignal)
	}
	writeList(&b, "Open curiosity questions", p.CuriosityQuestions)
	return b.String()
}

func renderGroup(chatID, summary string, participants []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# group %s\n\n", chatID)
	if summary != "" {
		b.WriteString(summary)
		b.WriteString("\n\n")
	}
	writeList(&b, "Participants", participants)
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
	b.WriteString("\n")
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
