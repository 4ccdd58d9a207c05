package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swarmshield/swarmshield/pkg/models"
)

func TestParseVote(t *testing.T) {
	cases := []struct {
		text string
		want models.RuleAction
	}{
		{"Analysis done. VOTE: BLOCK", models.ActionBlock},
		{"vote: allow", models.ActionAllow},
		{"Vote :  FLAG because suspicious", models.ActionFlag},
		{"My VERDICT is that we should BLOCK this", models.ActionBlock},
		{"VERDICT:\nafter deliberation, FLAG", models.ActionFlag},
		{"no structured output at all", models.ActionFlag},
		{"", models.ActionFlag},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseVote(tc.text), "text: %q", tc.text)
	}
}

func TestParseVotePrefersExplicitVote(t *testing.T) {
	// VOTE wins over a VERDICT mention elsewhere in the text.
	text := "VERDICT discussion mentioned BLOCK earlier.\nVOTE: ALLOW"
	assert.Equal(t, models.ActionAllow, ParseVote(text))
}

func TestParseConfidence(t *testing.T) {
	assert.InDelta(t, 0.85, ParseConfidence("CONFIDENCE: 0.85"), 1e-9)
	assert.InDelta(t, 1.0, ParseConfidence("confidence 1.0"), 1e-9)
	assert.InDelta(t, 0.5, ParseConfidence("no confidence stated"), 1e-9)
	assert.InDelta(t, 0.5, ParseConfidence(""), 1e-9)
	// Bare integer forms parse too.
	assert.InDelta(t, 1.0, ParseConfidence("CONFIDENCE: 1"), 1e-9)
}
