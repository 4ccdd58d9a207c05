package deliberation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/swarmshield/swarmshield/pkg/models"
)

func vote(role string, v models.RuleAction, conf float64) VoteInput {
	return VoteInput{Role: role, Vote: v, Confidence: conf}
}

func TestResolveMajorityConsensus(t *testing.T) {
	policy := models.ConsensusPolicy{Strategy: models.StrategyMajority}
	out := Resolve(policy, []VoteInput{
		vote("a", models.ActionBlock, 0.9),
		vote("b", models.ActionBlock, 0.8),
		vote("c", models.ActionAllow, 0.7),
	})

	assert.True(t, out.Consensus)
	assert.Equal(t, models.DecisionBlock, out.Decision)
	assert.Equal(t, map[string]int{"block": 2, "allow": 1}, out.Breakdown)
	assert.Len(t, out.Dissenting, 1)
	assert.Equal(t, "c", out.Dissenting[0].Role)
	assert.InDelta(t, 0.85, out.Confidence, 1e-9)
}

func TestResolveMajorityExactHalfIsNoConsensus(t *testing.T) {
	policy := models.ConsensusPolicy{Strategy: models.StrategyMajority}
	out := Resolve(policy, []VoteInput{
		vote("a", models.ActionBlock, 0.9),
		vote("b", models.ActionAllow, 0.9),
	})

	assert.False(t, out.Consensus)
	assert.Equal(t, models.DecisionEscalate, out.Decision)
	assert.Empty(t, out.Dissenting)
}

func TestResolveSupermajorityThreshold(t *testing.T) {
	policy := models.ConsensusPolicy{Strategy: models.StrategySupermajority, Threshold: 0.75}

	met := Resolve(policy, []VoteInput{
		vote("a", models.ActionFlag, 0.5),
		vote("b", models.ActionFlag, 0.5),
		vote("c", models.ActionFlag, 0.5),
		vote("d", models.ActionAllow, 0.5),
	})
	assert.True(t, met.Consensus)
	assert.Equal(t, models.DecisionFlag, met.Decision)

	notMet := Resolve(policy, []VoteInput{
		vote("a", models.ActionFlag, 0.5),
		vote("b", models.ActionFlag, 0.5),
		vote("c", models.ActionAllow, 0.5),
		vote("d", models.ActionAllow, 0.5),
	})
	assert.False(t, notMet.Consensus)
	assert.Equal(t, models.DecisionEscalate, notMet.Decision)
}

func TestResolveUnanimous(t *testing.T) {
	policy := models.ConsensusPolicy{Strategy: models.StrategyUnanimous}

	out := Resolve(policy, []VoteInput{
		vote("a", models.ActionAllow, 1.0),
		vote("b", models.ActionAllow, 0.8),
	})
	assert.True(t, out.Consensus)
	assert.Equal(t, models.DecisionAllow, out.Decision)

	split := Resolve(policy, []VoteInput{
		vote("a", models.ActionAllow, 1.0),
		vote("b", models.ActionFlag, 0.8),
	})
	assert.False(t, split.Consensus)
	assert.Equal(t, models.DecisionEscalate, split.Decision)
}

func TestResolveWeighted(t *testing.T) {
	policy := models.ConsensusPolicy{
		Strategy:  models.StrategyWeighted,
		Threshold: 0.6,
		Weights:   map[string]float64{"lead": 3.0},
	}

	// lead (3.0) vs two default-weight (1.0 each): 3/5 = 0.6 meets the
	// threshold.
	out := Resolve(policy, []VoteInput{
		vote("lead", models.ActionBlock, 0.9),
		vote("a", models.ActionAllow, 0.5),
		vote("b", models.ActionAllow, 0.5),
	})
	// allow sums 2.0, block sums 3.0 → block wins with 0.6 ratio.
	assert.True(t, out.Consensus)
	assert.Equal(t, models.DecisionBlock, out.Decision)
}

func TestResolveWeightedNegativeWeightCountsZero(t *testing.T) {
	policy := models.ConsensusPolicy{
		Strategy:  models.StrategyWeighted,
		Threshold: 0.5,
		Weights:   map[string]float64{"bad": -5.0},
	}

	out := Resolve(policy, []VoteInput{
		vote("bad", models.ActionBlock, 0.9),
		vote("a", models.ActionAllow, 0.5),
	})
	assert.Equal(t, models.DecisionAllow, out.Decision)
	assert.True(t, out.Consensus)
}

func TestResolveWeightedZeroTotalWeightNoConsensus(t *testing.T) {
	policy := models.ConsensusPolicy{
		Strategy:  models.StrategyWeighted,
		Threshold: 0.5,
		Weights:   map[string]float64{"a": -1.0, "b": -2.0},
	}

	out := Resolve(policy, []VoteInput{
		vote("a", models.ActionBlock, 0.9),
		vote("b", models.ActionBlock, 0.9),
	})
	assert.False(t, out.Consensus)
	assert.Equal(t, models.DecisionEscalate, out.Decision)
}

func TestResolveRequireUnanimousOn(t *testing.T) {
	policy := models.ConsensusPolicy{
		Strategy:           models.StrategyMajority,
		RequireUnanimousOn: []string{"block"},
	}

	out := Resolve(policy, []VoteInput{
		vote("a", models.ActionBlock, 0.9),
		vote("b", models.ActionBlock, 0.9),
		vote("c", models.ActionAllow, 0.9),
	})
	// Majority would pass, but block demands unanimity.
	assert.False(t, out.Consensus)
	assert.Equal(t, models.DecisionEscalate, out.Decision)
}

func TestResolveNoVotesEscalates(t *testing.T) {
	out := Resolve(models.ConsensusPolicy{Strategy: models.StrategyMajority}, nil)
	assert.False(t, out.Consensus)
	assert.Equal(t, models.DecisionEscalate, out.Decision)
	assert.Empty(t, out.Breakdown)
}
