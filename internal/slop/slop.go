// Package slop implements the deterministic, regex-scored AI-slop
// classifier used by the quality gate and generation loop (spec.md §4.E).
package slop

import (
	"regexp"
	"strings"
	"unicode"
)

// category is one weighted regex rule group. The first match in a
// category contributes its full weight; subsequent matches in the same
// category contribute half weight.
type category struct {
	name    string
	weight  float64
	pattern *regexp.Regexp
}

// categories is the built-in, weighted rule set. Exact regex shape is
// calibrated copy (spec.md §9 — the original's meta_commentary variants
// are explicitly not a reconstruction target); these are our own rules
// expressing the same named failure modes.
var categories = []category{
	{"vacuous_excitement", 1.5, regexp.MustCompile(`(?i)\b(that'?s so (cool|awesome|great|fun)|love (that|this)|so exciting)\b`)},
	{"restate_intro", 1.0, regexp.MustCompile(`(?i)^(so|well|okay so|alright),?\s+(you (said|mentioned|asked))`)},
	{"sycophantic", 1.5, regexp.MustCompile(`(?i)\b(great question|i totally understand|you'?re (so )?right|absolutely(,| )|what a (great|fantastic) (idea|point))\b`)},
	{"assistant_energy", 2.0, regexp.MustCompile(`(?i)\b(as an ai|i'?m (just |)an ai|i don'?t have (personal )?(feelings|opinions)|i'?m here to help)\b`)},
	{"rule_of_three", 0.75, regexp.MustCompile(`(?i)\b\w+, \w+,? and \w+\b.{0,20}(but|yet|however)`)},
	{"structural_tell", 1.25, regexp.MustCompile(`(?i)^(here'?s|in summary|to summarize|in conclusion|first(ly)?,)`)},
	{"emoji_in_text", 0.75, regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}]`)},
	{"em_dash_overuse", 0.5, regexp.MustCompile(`(—|--)`)},
	{"meta_commentary", 1.5, regexp.MustCompile(`(?i)\b(i('| a)?m (going to|gonna) (say|respond|reply)|let me (think|respond)|in this (message|response))\b`)},
	{"forced_enthusiasm", 1.0, regexp.MustCompile(`!{2,}`)},
}

const slopThreshold = 4.0

// Violation records one matched category and its contribution to score.
type Violation struct {
	Category string
	Score    float64
	Matches  int
}

// Result is the outcome of checking a draft for slop.
type Result struct {
	Score      float64
	Violations []Violation
	IsSlop     bool
}

// isEmojiRune reports whether r is in the common emoji blocks (or the
// arrows block). Used only by the dedicated emoji-in-text penalty
// (count-based, not position-based); the category regexes carry their
// own ranges.
func isEmojiRune(r rune) bool {
	return (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) || (r >= 0x2190 && r <= 0x21FF)
}

// CheckSlop scores text against the built-in category set plus any
// per-agent identityAntiPatterns (phrases this agent's persona must never
// say). isSlop is true iff the total score is >= 4.0.
func CheckSlop(text string, identityAntiPatterns []string) Result {
	var violations []Violation
	total := 0.0

	for _, c := range categories {
		matches := c.pattern.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		score := c.weight
		if len(matches) > 1 {
			score += c.weight * 0.5 * float64(len(matches)-1)
		}
		total += score
		violations = append(violations, Violation{Category: c.name, Score: score, Matches: len(matches)})
	}

	// 3+ em-dashes (either glyph) adds a dedicated penalty beyond the
	// per-match em_dash_overuse category above.
	dashCount := strings.Count(text, "—") + strings.Count(text, "--")
	if dashCount >= 3 {
		total += 1.0
		violations = append(violations, Violation{Category: "em_dash_overuse_burst", Score: 1.0, Matches: dashCount})
	}

	// Emoji present anywhere in the text body (not reaction payloads).
	emojiCount := 0
	for _, r := range text {
		if isEmojiRune(r) {
			emojiCount++
		}
	}
	if emojiCount > 0 {
		total += 1.0
		violations = append(violations, Violation{Category: "emoji_penalty", Score: 1.0, Matches: emojiCount})
	}

	lower := strings.ToLower(text)
	for _, phrase := range identityAntiPatterns {
		p := strings.ToLower(strings.TrimSpace(phrase))
		if p == "" {
			continue
		}
		if strings.Contains(lower, p) {
			total += 3.0
			violations = append(violations, Violation{Category: "identity_anti_pattern", Score: 3.0, Matches: 1})
		}
	}

	return Result{Score: total, Violations: violations, IsSlop: total >= slopThreshold}
}

// EnforceMaxLength clips text to at most maxChars runes, preferring a
// whitespace boundary within the last 40% of the window so we don't cut a
// word in half; always trims trailing whitespace from the result.
func EnforceMaxLength(text string, maxChars int) string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return strings.TrimRight(text, " \t\n\r")
	}

	window := runes[:maxChars]
	cutStart := int(float64(maxChars) * 0.6) // last 40% begins here
	cut := maxChars
	for i := maxChars - 1; i >= cutStart; i-- {
		if unicode.IsSpace(window[i]) {
			cut = i
			break
		}
	}
	clipped := string(window[:cut])
	return strings.TrimRight(clipped, " \t\n\r")
}
