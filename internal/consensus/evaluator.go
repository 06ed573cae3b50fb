// Package consensus turns evaluator judgments into an accept/reject verdict.
//
// Each vote is weighted by the evaluator's reputation captured at vote
// time. Sums are accumulated with arbitrary-precision decimals so very large
// reputations neither overflow nor drift, and the comparison against the
// threshold is exact. Only the reported percentage is rounded.
package consensus

import (
	"fmt"

	"github.com/set-night/taskescrow/internal/domain"
	"github.com/shopspring/decimal"
)

const (
	DefaultMinEvaluations = 3
	percentPlaces         = 2
)

var (
	DefaultThreshold = decimal.RequireFromString("0.70")
	hundred          = decimal.NewFromInt(100)
)

type Evaluator struct {
	threshold      decimal.Decimal
	minEvaluations int
}

// New returns an evaluator approving when the weighted share of correct
// votes reaches threshold. minEvaluations below the hard floor of three is
// raised to three.
func New(threshold decimal.Decimal, minEvaluations int) *Evaluator {
	if minEvaluations < DefaultMinEvaluations {
		minEvaluations = DefaultMinEvaluations
	}
	if !threshold.IsPositive() {
		threshold = DefaultThreshold
	}
	return &Evaluator{threshold: threshold, minEvaluations: minEvaluations}
}

func Default() *Evaluator {
	return New(DefaultThreshold, DefaultMinEvaluations)
}

func (e *Evaluator) MinEvaluations() int {
	return e.minEvaluations
}

// Weight is the vote weight of an evaluator with reputation rep. Identities
// with no reputation still get a baseline vote of one.
func Weight(rep decimal.Decimal) decimal.Decimal {
	if !rep.IsPositive() {
		return domain.DefaultReputation
	}
	return rep
}

// Evaluate never fails: too few votes or no usable weight yield a
// non-approved result with a reason.
func (e *Evaluator) Evaluate(evals []domain.Evaluation) domain.ConsensusResult {
	result := domain.ConsensusResult{
		TotalEvaluators:  len(evals),
		ConsensusRatio:   decimal.Zero,
		TotalWeight:      decimal.Zero,
		CorrectWeight:    decimal.Zero,
		ThresholdPercent: e.threshold.Mul(hundred).Round(percentPlaces),
	}

	if len(evals) < e.minEvaluations {
		result.Reason = fmt.Sprintf(domain.ReasonInsufficientEvaluations, e.minEvaluations)
		return result
	}

	total := decimal.Zero
	correct := decimal.Zero
	for _, ev := range evals {
		w := Weight(ev.EvaluatorReputation)
		total = total.Add(w)
		if ev.IsCorrect {
			correct = correct.Add(w)
		}
	}
	result.TotalWeight = total
	result.CorrectWeight = correct

	if !total.IsPositive() {
		result.Reason = domain.ReasonNoValidWeights
		return result
	}

	result.ConsensusRatio = correct.Mul(hundred).DivRound(total, percentPlaces)
	result.Approved = correct.GreaterThanOrEqual(e.threshold.Mul(total))
	if result.Approved {
		result.Reason = domain.ReasonThresholdMet
	} else {
		result.Reason = domain.ReasonThresholdNotMet
	}
	return result
}
