package message

import "testing"

func TestMentioned_Or(t *testing.T) {
	tests := []struct {
		name string
		a, b Mentioned
		want Mentioned
	}{
		{"true dominates false", MentionedTrue, MentionedFalse, MentionedTrue},
		{"true dominates unknown", MentionedUnknown, MentionedTrue, MentionedTrue},
		{"false dominates unknown", MentionedFalse, MentionedUnknown, MentionedFalse},
		{"unknown stays unknown", MentionedUnknown, MentionedUnknown, MentionedUnknown},
		{"false beats false", MentionedFalse, MentionedFalse, MentionedFalse},
		{"commutative true/false", MentionedFalse, MentionedTrue, MentionedTrue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Or(tt.b); got != tt.want {
				t.Errorf("%v.Or(%v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
			if got := tt.b.Or(tt.a); got != tt.want {
				t.Errorf("(commuted) %v.Or(%v) = %v, want %v", tt.b, tt.a, got, tt.want)
			}
		})
	}
}

func TestSilenceSendTextReact_Kinds(t *testing.T) {
	if a := Silence("reason"); a.Kind != ActionSilence || a.Reason != "reason" {
		t.Errorf("Silence() = %+v", a)
	}
	if a := SendText("hi"); a.Kind != ActionSend || a.Text != "hi" {
		t.Errorf("SendText() = %+v", a)
	}
	if a := React("👍", PersonID("p1"), 123); a.Kind != ActionReact || a.Emoji != "👍" || a.TargetAuthorID != PersonID("p1") || a.TargetTimestampMs != 123 {
		t.Errorf("React() = %+v", a)
	}
}
