package coordinator

import (
	"regexp"
	"strings"

	"jeeprep/internal/types"
)

// Intent classification is deliberately rule-based. Turn routing must
// work when the reasoner is down, cost nothing, and be deterministic
// under test; the reasoner only sees the turns routed to it.

var answerPattern = regexp.MustCompile(`(?i)^\(?([a-d])\)?[.!]?$`)

// ClassifyIntents maps a learner message to one or more intents. Order
// matters downstream: an answer is graded before the follow-up request
// in the same message is served.
func ClassifyIntents(content string, hasActiveQuestion bool) []types.Intent {
	text := strings.ToLower(strings.TrimSpace(content))
	var intents []types.Intent

	if hasActiveQuestion && looksLikeAnswer(text) {
		intents = append(intents, types.IntentAnswer)
	}
	if hasActiveQuestion && containsAny(text, "stuck", "hint", "confused", "don't get", "dont get", "no idea", "can't solve", "cant solve", "how do i even") {
		intents = append(intents, types.IntentStuck)
	}
	if containsAny(text, "plan", "schedule", "what should i study", "today's target") {
		intents = append(intents, types.IntentPlan)
	}
	if containsAny(text, "practice", "next question", "give me a question", "pyq", "another one", "one more", "quiz me") {
		intents = append(intents, types.IntentPractice)
	}
	if containsAny(text, "bye", "done for today", "end session", "good night", "that's all", "thats all") {
		intents = append(intents, types.IntentSessionEnd)
	}

	if len(intents) == 0 {
		intents = append(intents, types.IntentFreeform)
	}
	return intents
}

// looksLikeAnswer matches bare option letters and explicit submissions.
func looksLikeAnswer(text string) bool {
	if answerPattern.MatchString(text) {
		return true
	}
	if containsAny(text, "my answer", "answer is", "i got ", "it's option", "its option", "option ") {
		return true
	}
	return false
}

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

// ExtractAnswer pulls the submitted option letter out of an answer
// message. Empty when no option letter is recognizable; grading then
// falls back to exact-match against the stored answer.
func ExtractAnswer(content string) string {
	text := strings.ToLower(strings.TrimSpace(content))
	if m := answerPattern.FindStringSubmatch(text); m != nil {
		return strings.ToUpper(m[1])
	}
	// "option" first so "i got option c" yields the letter, not "option".
	for _, marker := range []string{"option", "answer is", "i got"} {
		if i := strings.Index(text, marker); i >= 0 {
			rest := strings.TrimSpace(text[i+len(marker):])
			rest = strings.TrimLeft(rest, ":. ")
			if m := answerPattern.FindStringSubmatch(firstWord(rest)); m != nil {
				return strings.ToUpper(m[1])
			}
			if rest != "" {
				return strings.ToUpper(firstWord(rest))
			}
		}
	}
	return ""
}

func firstWord(s string) string {
	if i := strings.IndexAny(s, " \t\n,;"); i >= 0 {
		return s[:i]
	}
	return s
}
