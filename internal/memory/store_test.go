package memory

import (
	"math"
	"testing"

	"github.com/friendcore/friend/internal/person"
)

func TestSafeFTSQuery_ExtractsQuotesAndDedupes(t *testing.T) {
	got := safeFTSQuery(`What's the deal with "pizza" vs PIZZA and pizza?!`)
	want := `"what" OR "the" OR "deal" OR "with" OR "pizza" OR "vs" OR "and"`
	if got != want {
		t.Errorf("safeFTSQuery() = %q, want %q", got, want)
	}
}

func TestSafeFTSQuery_IgnoresSingleCharAndPunctuation(t *testing.T) {
	got := safeFTSQuery(`a I -- !! ??`)
	if got != "" {
		t.Errorf("safeFTSQuery() = %q, want empty (no token >=2 chars)", got)
	}
}

func TestSafeFTSQuery_NeverEmbedsRawInjection(t *testing.T) {
	// The construction must never let raw text pass through unquoted/untokenized.
	got := safeFTSQuery(`"; DROP TABLE facts; --`)
	if got == "" {
		t.Fatal("expected some tokens to survive")
	}
	for _, r := range got {
		if r == ';' {
			t.Errorf("safeFTSQuery leaked a raw semicolon: %q", got)
		}
	}
}

func TestSafeFTSQuery_CapsAtTenTokens(t *testing.T) {
	got := safeFTSQuery("one two three four five six seven eight nine ten eleven twelve")
	n := 0
	for _, r := range got {
		if r == '"' {
			n++
		}
	}
	if n != 20 { // 10 tokens * 2 quote marks each
		t.Errorf("got %d quote marks (%d tokens), want 10 tokens", n, n/2)
	}
}

func TestEncodeDecodeFloat32s_RoundTrip(t *testing.T) {
	vec := []float32{1.5, -2.25, 0, 3.125, -0.0001}
	blob := encodeFloat32s(vec)
	if len(blob) != len(vec)*4 {
		t.Fatalf("blob length = %d, want %d", len(blob), len(vec)*4)
	}
	got := decodeFloat32s(blob)
	if len(got) != len(vec) {
		t.Fatalf("decoded length = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("decoded[%d] = %v, want %v", i, got[i], vec[i])
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical vectors", []float32{1, 0, 0}, []float32{1, 0, 0}, 1},
		{"orthogonal vectors", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite vectors", []float32{1, 0}, []float32{-1, 0}, -1},
		{"empty a", nil, []float32{1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cosineSimilarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cosineSimilarity() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRRFScore_CombinesBothRanks(t *testing.T) {
	ftsOnly := rrfScore("x", map[string]int{"x": 1}, map[string]int{})
	vecOnly := rrfScore("x", map[string]int{}, map[string]int{"x": 1})
	both := rrfScore("x", map[string]int{"x": 1}, map[string]int{"x": 1})
	neither := rrfScore("x", map[string]int{}, map[string]int{})

	if neither != 0 {
		t.Errorf("no-rank candidate scored %v, want 0", neither)
	}
	if both <= ftsOnly || both <= vecOnly {
		t.Error("a hit in both ranks should score higher than either alone")
	}
	if ftsOnly <= vecOnly {
		t.Error("fts weight (0.6) should outweigh vec weight (0.4) at equal rank")
	}
}

func TestApplyRecencyBoost_NewerScoresHigher(t *testing.T) {
	now := person.NowMs()
	older := applyRecencyBoost(1.0, now-int64(60*24*60*60*1000)) // 60 days ago, beyond the half-life
	newer := applyRecencyBoost(1.0, now)
	if newer <= older {
		t.Errorf("recent item (%v) should boost above an old one (%v)", newer, older)
	}
	if older < 1.0 {
		t.Errorf("recency boost should never reduce the base score, got %v", older)
	}
}

func TestTopN_SortsDescendingAndCapsLimit(t *testing.T) {
	cands := []scoredCandidate{
		{id: "a", content: "A", score: 0.2},
		{id: "b", content: "B", score: 0.9},
		{id: "c", content: "C", score: 0.5},
	}
	out := topN(cands, 2)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].Content != "B" || out[1].Content != "C" {
		t.Errorf("topN not sorted descending by score: %+v", out)
	}
}

func TestTopN_LimitBeyondLengthReturnsAll(t *testing.T) {
	cands := []scoredCandidate{{id: "a", content: "A", score: 1}}
	out := topN(cands, 100)
	if len(out) != 1 {
		t.Errorf("len(out) = %d, want 1", len(out))
	}
}
