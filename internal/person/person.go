// Package person models stable chat identities and derives trust tiers.
package person

import (
	"time"

	"github.com/friendcore/friend/internal/message"
)

// Category classifies a Fact's subject matter.
type Category string

const (
	CategoryPreference   Category = "preference"
	CategoryPersonal     Category = "personal"
	CategoryPlan         Category = "plan"
	CategoryProfessional Category = "professional"
	CategoryRelationship Category = "relationship"
	CategoryMisc         Category = "misc"
)

// Tier is the derived trust tier gating proactive behaviors.
type Tier string

const (
	TierNewContact    Tier = "new_contact"
	TierGettingToKnow Tier = "getting_to_know"
	TierCloseFriend   Tier = "close_friend"
)

// Thresholds configure the pure score-based tier derivation.
type Thresholds struct {
	GettingToKnow float64 // relationshipScore >= this => getting_to_know
	CloseFriend   float64 // relationshipScore >= this => close_friend
}

// DefaultThresholds matches the values used throughout the example fleet's
// relationship-scoring prompts: a wide "getting to know" middle band and a
// deliberately hard-to-reach close_friend tier.
var DefaultThresholds = Thresholds{GettingToKnow: 0.25, CloseFriend: 0.70}

// Person is a stable identity keyed by (channel, channelUserID).
type Person struct {
	ID                message.PersonID
	DisplayName       string
	Channel           message.Channel
	ChannelUserID     string
	RelationshipScore float64 // monotonically non-decreasing; writers apply max()
	TrustTierOverride *Tier
	Capsule           string
	PublicStyleCapsule string

	CurrentConcerns     []string
	Goals               []string
	Preferences         []string
	LastMoodSignal      string
	CuriosityQuestions  []string

	CreatedAtMs int64
	UpdatedAtMs int64
}

// DeriveTrustTier is a pure function of a Person (plus operator bypass),
// per spec.md §3. Operators are always treated as close_friend so
// proactive gating never blocks the person running the agent.
func DeriveTrustTier(p *Person, isOperator bool, th Thresholds) Tier {
	if isOperator {
		return TierCloseFriend
	}
	if p.TrustTierOverride != nil {
		return *p.TrustTierOverride
	}
	switch {
	case p.RelationshipScore >= th.CloseFriend:
		return TierCloseFriend
	case p.RelationshipScore >= th.GettingToKnow:
		return TierGettingToKnow
	default:
		return TierNewContact
	}
}

// BumpRelationshipScore applies the monotonic-non-decreasing invariant:
// writers always take the max of the current and proposed score.
func BumpRelationshipScore(p *Person, proposed float64, nowMs int64) {
	if proposed > p.RelationshipScore {
		p.RelationshipScore = proposed
	}
	if p.RelationshipScore > 1 {
		p.RelationshipScore = 1
	}
	if p.RelationshipScore < 0 {
		p.RelationshipScore = 0
	}
	p.UpdatedAtMs = nowMs
}

// NowMs is a small helper kept here (rather than calling time.Now directly
// at every call site) so callers can see at a glance this is wall-clock,
// not a monotonic tick.
func NowMs() int64 { return time.Now().UnixMilli() }

// Fact is a single remembered fact about a person.
type Fact struct {
	ID               message.FactID
	PersonID         message.PersonID
	Subject          string
	Content          string
	Category         Category
	EvidenceQuote    string
	LastAccessedAtMs int64
	CreatedAtMs      int64
}

// Episode is one remembered turn/event in a chat's history.
type Episode struct {
	ID          message.EpisodeID
	ChatID      message.ChatID
	PersonID    message.PersonID
	IsGroup     bool
	Content     string
	CreatedAtMs int64
}

// LessonType classifies a Lesson row.
type LessonType string

const (
	LessonObservation LessonType = "observation"
	LessonFailure     LessonType = "failure"
	LessonSuccess     LessonType = "success"
	LessonPattern     LessonType = "pattern"
)

// Lesson is an append-only record of learned behavior. Retractions are new
// rows with a contradicting Rule, never edits.
type Lesson struct {
	ID             message.LessonID
	Type           LessonType
	Category       string
	Content        string
	Rule           string
	Alternative    string
	PersonID       message.PersonID
	EpisodeRefs    []message.EpisodeID
	Confidence     float64
	TimesValidated int
	TimesViolated  int
	CreatedAtMs    int64
}

// GroupCapsule is the single-row-per-chat group summary.
type GroupCapsule struct {
	ChatID      message.ChatID
	Capsule     string
	UpdatedAtMs int64
}
