// Package breaking implements the fast path for urgent events: a keyword
// urgency classifier, a router that lifts urgent events off the validated
// stream, and a monitor that turns them into singleton analysis contexts
// without waiting for the researcher's batch window.
package breaking

import (
	"strings"

	"marketpulse/internal/domain/models"
)

// DefaultThreshold is the urgency score at which an event takes the fast path.
const DefaultThreshold = 70

// keywordScores maps urgency markers to base scores. The strongest marker
// present wins; relevance adds up to 20 points on top.
var keywordScores = []struct {
	word  string
	score int
}{
	{"breaking", 80},
	{"flash", 75},
	{"urgent", 70},
	{"just in", 70},
	{"alert", 60},
	{"developing", 50},
	{"important", 40},
}

// Classify scores an event's urgency on a 0 to 100 scale.
func Classify(e *models.Event) int {
	text := strings.ToLower(e.Payload)
	base := 0
	for _, k := range keywordScores {
		if strings.Contains(text, k.word) {
			base = k.score
			break
		}
	}
	score := base + int(e.RelevanceScore*20)
	if score > 100 {
		score = 100
	}
	return score
}
