package person

import (
	"testing"
)

func TestDeriveTrustTier(t *testing.T) {
	th := DefaultThresholds
	override := TierCloseFriend

	tests := []struct {
		name       string
		p          Person
		isOperator bool
		want       Tier
	}{
		{"operator always close friend", Person{RelationshipScore: 0}, true, TierCloseFriend},
		{"below getting-to-know", Person{RelationshipScore: 0.1}, false, TierNewContact},
		{"at getting-to-know boundary", Person{RelationshipScore: th.GettingToKnow}, false, TierGettingToKnow},
		{"at close-friend boundary", Person{RelationshipScore: th.CloseFriend}, false, TierCloseFriend},
		{"override wins regardless of score", Person{RelationshipScore: 0, TrustTierOverride: &override}, false, TierCloseFriend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.p
			if got := DeriveTrustTier(&p, tt.isOperator, th); got != tt.want {
				t.Errorf("DeriveTrustTier() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBumpRelationshipScore_Monotonic(t *testing.T) {
	p := &Person{RelationshipScore: 0.4}

	BumpRelationshipScore(p, 0.2, 1000) // lower proposal never decreases the score
	if p.RelationshipScore != 0.4 {
		t.Errorf("lower proposal decreased score: got %v", p.RelationshipScore)
	}

	BumpRelationshipScore(p, 0.6, 1001)
	if p.RelationshipScore != 0.6 {
		t.Errorf("higher proposal not applied: got %v", p.RelationshipScore)
	}

	BumpRelationshipScore(p, 1.5, 1002) // clamps to 1
	if p.RelationshipScore != 1 {
		t.Errorf("score not clamped to 1: got %v", p.RelationshipScore)
	}

	BumpRelationshipScore(p, -5, 1003) // a negative proposal must never pull the score back down
	if p.RelationshipScore != 1 {
		t.Errorf("negative proposal decreased an already-higher score: got %v", p.RelationshipScore)
	}
}

func TestBumpRelationshipScore_UpdatesTimestamp(t *testing.T) {
	p := &Person{}
	BumpRelationshipScore(p, 0.1, 42)
	if p.UpdatedAtMs != 42 {
		t.Errorf("UpdatedAtMs = %d, want 42", p.UpdatedAtMs)
	}
}
