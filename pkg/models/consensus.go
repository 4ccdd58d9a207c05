package models

import (
	"time"

	"github.com/google/uuid"
)

// ConsensusStrategy is the rule for turning per-agent votes into a decision.
type ConsensusStrategy string

const (
	StrategyMajority      ConsensusStrategy = "majority"
	StrategySupermajority ConsensusStrategy = "supermajority"
	StrategyUnanimous     ConsensusStrategy = "unanimous"
	StrategyWeighted      ConsensusStrategy = "weighted"
)

// ConsensusPolicy configures how a session's votes become a verdict.
// Threshold is meaningful only for supermajority and weighted; all declared
// weights must be > 0.
type ConsensusPolicy struct {
	ID                 uuid.UUID          `json:"id"`
	WorkspaceID        uuid.UUID          `json:"-"`
	Name               string             `json:"name"`
	Strategy           ConsensusStrategy  `json:"strategy"`
	Threshold          float64            `json:"threshold"`
	Weights            map[string]float64 `json:"weights,omitempty"`
	RequireUnanimousOn []string           `json:"require_unanimous_on,omitempty"`
	InsertedAt         time.Time          `json:"inserted_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}
