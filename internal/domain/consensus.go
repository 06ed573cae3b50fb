package domain

import "github.com/shopspring/decimal"

const (
	// ReasonInsufficientEvaluations takes the configured minimum.
	ReasonInsufficientEvaluations = "Insufficient evaluations (minimum %d required)"
	ReasonNoValidWeights          = "No valid evaluator weights"
	ReasonThresholdMet            = "Consensus threshold met"
	ReasonThresholdNotMet         = "Consensus threshold not met"
)

// ConsensusResult is the verdict on one submission. ConsensusRatio and
// ThresholdPercent are percentages rounded to two decimal places.
type ConsensusResult struct {
	Approved         bool
	ConsensusRatio   decimal.Decimal
	TotalEvaluators  int
	TotalWeight      decimal.Decimal
	CorrectWeight    decimal.Decimal
	ThresholdPercent decimal.Decimal
	Reason           string
}

func (r ConsensusResult) Outcome() SubmissionStatus {
	if r.Approved {
		return SubmissionStatusApproved
	}
	return SubmissionStatusRejected
}
