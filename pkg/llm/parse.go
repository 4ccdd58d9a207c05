package llm

import (
	"regexp"
	"strconv"

	"github.com/swarmshield/swarmshield/pkg/models"
)

var (
	voteRe       = regexp.MustCompile(`(?i)VOTE\s*:\s*(BLOCK|FLAG|ALLOW)`)
	verdictRe    = regexp.MustCompile(`(?is)VERDICT.*?(BLOCK|FLAG)`)
	confidenceRe = regexp.MustCompile(`(?i)CONFIDENCE[:\s]*([01]\.?\d*)`)
)

// ParseVote extracts an agent's vote from free-form response text.
// Falls back through the VERDICT form; an unparseable response defaults to
// flag (the cautious middle ground).
func ParseVote(text string) models.RuleAction {
	if m := voteRe.FindStringSubmatch(text); m != nil {
		return normalizeVote(m[1])
	}
	if m := verdictRe.FindStringSubmatch(text); m != nil {
		return normalizeVote(m[1])
	}
	return models.ActionFlag
}

// ParseConfidence extracts a confidence value from response text, clamped
// to [0, 1]. Defaults to 0.5.
func ParseConfidence(text string) float64 {
	m := confidenceRe.FindStringSubmatch(text)
	if m == nil {
		return 0.5
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeVote(s string) models.RuleAction {
	switch s[0] {
	case 'b', 'B':
		return models.ActionBlock
	case 'a', 'A':
		return models.ActionAllow
	default:
		return models.ActionFlag
	}
}
