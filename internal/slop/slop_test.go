package slop

import "testing"

func TestCheckSlop(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		isSlop bool
	}{
		{"plain reply", "hey, just got back from the gym, how was your day", false},
		{"single emoji alone", "that sounds fun 🎉", false},
		{
			"composite assistant-energy slop",
			"As an AI, I don't have personal feelings, but that's so cool, great question, I totally understand!!",
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CheckSlop(tt.text, nil)
			if got.IsSlop != tt.isSlop {
				t.Errorf("CheckSlop(%q).IsSlop = %v (score %.2f, violations %+v), want %v", tt.text, got.IsSlop, got.Score, got.Violations, tt.isSlop)
			}
		})
	}
}

func TestCheckSlop_IdentityAntiPattern(t *testing.T) {
	got := CheckSlop("As an AI assistant, I'm happy to assist you with that.", []string{"happy to assist"})
	if !got.IsSlop {
		t.Errorf("identity anti-pattern plus assistant-energy should score as slop: %+v", got)
	}
}

func TestCheckSlop_EmptyAntiPatternsIgnored(t *testing.T) {
	got := CheckSlop("a perfectly normal reply", []string{"", "   "})
	if got.IsSlop {
		t.Errorf("blank anti-patterns should never match: %+v", got)
	}
}

func TestEnforceMaxLength(t *testing.T) {
	long := "this is a long reply that just keeps going and going and should get truncated somewhere sensible"
	got := EnforceMaxLength(long, 20)
	if len(got) > 20 {
		t.Errorf("EnforceMaxLength result len = %d, want <= 20: %q", len(got), got)
	}
}

func TestEnforceMaxLength_ShortTextUntouched(t *testing.T) {
	short := "hi there"
	if got := EnforceMaxLength(short, 1200); got != short {
		t.Errorf("EnforceMaxLength(%q) = %q, want unchanged", short, got)
	}
}
