package consensus

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func votes(weights []int64, correct []bool) []domain.Evaluation {
	evals := make([]domain.Evaluation, len(weights))
	for i := range weights {
		evals[i] = domain.Evaluation{
			ID:                  uuid.New(),
			EvaluatorID:         uuid.NewString(),
			IsCorrect:           correct[i],
			EvaluatorReputation: decimal.NewFromInt(weights[i]),
		}
	}
	return evals
}

func TestEvaluate_InsufficientEvaluations(t *testing.T) {
	e := Default()

	for _, evals := range [][]domain.Evaluation{
		nil,
		votes([]int64{1}, []bool{true}),
		votes([]int64{1, 1}, []bool{true, true}),
		votes([]int64{100, 100}, []bool{true, false}),
	} {
		got := e.Evaluate(evals)
		assert.False(t, got.Approved)
		assert.Equal(t, "Insufficient evaluations (minimum 3 required)", got.Reason)
		assert.Equal(t, len(evals), got.TotalEvaluators)
	}
}

func TestEvaluate_EqualWeights(t *testing.T) {
	e := Default()

	got := e.Evaluate(votes([]int64{1, 1, 1}, []bool{true, true, false}))
	assert.False(t, got.Approved)
	assert.Equal(t, "66.67", got.ConsensusRatio.StringFixed(2))
	assert.Equal(t, "70", got.ThresholdPercent.String())
	assert.Equal(t, domain.ReasonThresholdNotMet, got.Reason)

	got = e.Evaluate(votes([]int64{1, 1, 1}, []bool{true, true, true}))
	assert.True(t, got.Approved)
	assert.Equal(t, "100", got.ConsensusRatio.String())
	assert.Equal(t, 3, got.TotalEvaluators)
	assert.True(t, got.TotalWeight.Equal(decimal.NewFromInt(3)))
	assert.True(t, got.CorrectWeight.Equal(decimal.NewFromInt(3)))
}

func TestEvaluate_WeightDominance(t *testing.T) {
	got := Default().Evaluate(votes([]int64{10, 1, 1}, []bool{true, false, false}))

	assert.True(t, got.Approved, "one heavily weighted evaluator outvotes two light ones")
	assert.True(t, got.CorrectWeight.Equal(decimal.NewFromInt(10)))
	assert.True(t, got.TotalWeight.Equal(decimal.NewFromInt(12)))
	assert.Equal(t, "83.33", got.ConsensusRatio.String())
}

func TestEvaluate_ZeroReputationGetsBaselineVote(t *testing.T) {
	got := Default().Evaluate(votes([]int64{0, 0, 0}, []bool{true, true, true}))

	assert.True(t, got.Approved)
	assert.True(t, got.TotalWeight.Equal(decimal.NewFromInt(3)))
}

func TestEvaluate_ExactThreshold(t *testing.T) {
	// 7 of 10 equal votes is exactly 70% and must approve.
	weights := make([]int64, 10)
	correct := make([]bool, 10)
	for i := range weights {
		weights[i] = 1
		correct[i] = i < 7
	}
	got := Default().Evaluate(votes(weights, correct))
	assert.True(t, got.Approved)
	assert.Equal(t, "70", got.ConsensusRatio.String())
}

func TestEvaluate_HugeReputationsKeepPrecision(t *testing.T) {
	huge := decimal.RequireFromString("123456789012345678901234567890")
	evals := []domain.Evaluation{
		{IsCorrect: true, EvaluatorReputation: huge},
		{IsCorrect: true, EvaluatorReputation: huge},
		{IsCorrect: false, EvaluatorReputation: huge.Add(decimal.NewFromInt(1))},
	}
	got := Default().Evaluate(evals)

	assert.True(t, got.TotalWeight.Equal(huge.Mul(decimal.NewFromInt(3)).Add(decimal.NewFromInt(1))))
	assert.True(t, got.CorrectWeight.Equal(huge.Mul(decimal.NewFromInt(2))))
	assert.False(t, got.Approved)
	assert.Equal(t, "66.67", got.ConsensusRatio.StringFixed(2))
}

func TestEvaluate_OrderIndependent(t *testing.T) {
	e := New(decimal.RequireFromString("0.6"), 3)
	evals := votes(
		[]int64{7, 3, 19, 1, 0, 42, 5, 11},
		[]bool{true, false, true, false, true, false, true, true},
	)
	want := e.Evaluate(evals)

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 50; i++ {
		shuffled := append([]domain.Evaluation(nil), evals...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := e.Evaluate(shuffled)
		require.Equal(t, want.Approved, got.Approved)
		require.True(t, want.ConsensusRatio.Equal(got.ConsensusRatio))
		require.True(t, want.TotalWeight.Equal(got.TotalWeight))
		require.True(t, want.CorrectWeight.Equal(got.CorrectWeight))
	}
}

func TestNew_ClampsConfiguration(t *testing.T) {
	e := New(decimal.Zero, 1)
	assert.Equal(t, 3, e.MinEvaluations())
	assert.True(t, e.threshold.Equal(DefaultThreshold))

	e = New(decimal.RequireFromString("0.9"), 5)
	got := e.Evaluate(votes([]int64{1, 1, 1, 1}, []bool{true, true, true, true}))
	assert.Equal(t, "Insufficient evaluations (minimum 5 required)", got.Reason)
}
