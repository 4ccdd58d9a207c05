package deliberation

import (
	"github.com/swarmshield/swarmshield/pkg/models"
)

// VoteInput is one valid vote entering consensus resolution.
type VoteInput struct {
	Role       string
	Vote       models.RuleAction
	Confidence float64
}

// Outcome is the resolved consensus result. When no consensus is reached
// the decision is escalate.
type Outcome struct {
	Decision   models.Decision
	Consensus  bool
	Confidence float64
	Breakdown  map[string]int
	Dissenting []models.DissentingOpinion
}

// severityRank breaks count ties toward the more severe action.
func severityRank(a models.RuleAction) int {
	switch a {
	case models.ActionBlock:
		return 2
	case models.ActionFlag:
		return 1
	default:
		return 0
	}
}

// Resolve applies a consensus policy to the valid votes of a session.
func Resolve(policy models.ConsensusPolicy, votes []VoteInput) Outcome {
	breakdown := map[string]int{}
	for _, v := range votes {
		breakdown[string(v.Vote)]++
	}

	out := Outcome{
		Decision:  models.DecisionEscalate,
		Breakdown: breakdown,
	}
	if len(votes) == 0 {
		return out
	}

	var winner models.RuleAction
	var consensus bool

	switch policy.Strategy {
	case models.StrategyUnanimous:
		winner = votes[0].Vote
		consensus = true
		for _, v := range votes {
			if v.Vote != winner {
				consensus = false
				break
			}
		}
		if !consensus {
			winner = mostVoted(breakdown)
		}

	case models.StrategyWeighted:
		winner, consensus = resolveWeighted(policy, votes)

	case models.StrategySupermajority:
		winner = mostVoted(breakdown)
		ratio := float64(breakdown[string(winner)]) / float64(len(votes))
		consensus = ratio >= policy.Threshold

	default: // majority
		winner = mostVoted(breakdown)
		ratio := float64(breakdown[string(winner)]) / float64(len(votes))
		consensus = ratio > 0.5
	}

	// Decisions listed in require_unanimous_on must additionally be
	// unanimous regardless of strategy.
	if consensus && requiresUnanimity(policy, winner) {
		for _, v := range votes {
			if v.Vote != winner {
				consensus = false
				break
			}
		}
	}

	out.Confidence = averageConfidence(votes, winner, consensus)
	if !consensus {
		return out
	}

	out.Consensus = true
	out.Decision = models.Decision(winner)
	for _, v := range votes {
		if v.Vote != winner {
			out.Dissenting = append(out.Dissenting, models.DissentingOpinion{
				Role:       v.Role,
				Vote:       string(v.Vote),
				Confidence: v.Confidence,
			})
		}
	}
	return out
}

// resolveWeighted picks the argmax of summed role weights per vote.
// Absent roles default to weight 1.0; negative weights count as 0.0.
// Zero total weight yields no consensus.
func resolveWeighted(policy models.ConsensusPolicy, votes []VoteInput) (models.RuleAction, bool) {
	sums := map[models.RuleAction]float64{}
	total := 0.0
	for _, v := range votes {
		weight := 1.0
		if w, ok := policy.Weights[v.Role]; ok {
			weight = w
			if weight < 0 {
				weight = 0
			}
		}
		sums[v.Vote] += weight
		total += weight
	}

	var winner models.RuleAction
	best := -1.0
	for vote, sum := range sums {
		if sum > best || (sum == best && severityRank(vote) > severityRank(winner)) {
			winner = vote
			best = sum
		}
	}

	if total <= 0 {
		return winner, false
	}
	return winner, best/total >= policy.Threshold
}

// mostVoted returns the vote with the highest count, breaking ties toward
// the more severe action.
func mostVoted(breakdown map[string]int) models.RuleAction {
	var winner models.RuleAction
	best := -1
	for vote, count := range breakdown {
		action := models.RuleAction(vote)
		if count > best || (count == best && severityRank(action) > severityRank(winner)) {
			winner = action
			best = count
		}
	}
	return winner
}

// requiresUnanimity reports whether the decision appears in
// require_unanimous_on.
func requiresUnanimity(policy models.ConsensusPolicy, decision models.RuleAction) bool {
	for _, d := range policy.RequireUnanimousOn {
		if d == string(decision) {
			return true
		}
	}
	return false
}

// averageConfidence averages the confidence of votes matching the winner
// when consensus was reached, otherwise across all votes.
func averageConfidence(votes []VoteInput, winner models.RuleAction, consensus bool) float64 {
	sum, n := 0.0, 0
	for _, v := range votes {
		if consensus && v.Vote != winner {
			continue
		}
		sum += v.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
