package service

import (
	"context"
	"fmt"
	"time"

	"github.com/set-night/taskescrow/internal/domain"
	"github.com/set-night/taskescrow/internal/repository"
	"github.com/shopspring/decimal"
)

// ReputationDeltas are the score changes applied when a submission settles.
type ReputationDeltas struct {
	WorkerApprove    decimal.Decimal
	WorkerReject     decimal.Decimal
	EvaluatorAgree   decimal.Decimal
	EvaluatorDissent decimal.Decimal
}

func DefaultReputationDeltas() ReputationDeltas {
	return ReputationDeltas{
		WorkerApprove:    decimal.NewFromInt(1),
		WorkerReject:     decimal.NewFromInt(-1),
		EvaluatorAgree:   decimal.RequireFromString("0.1"),
		EvaluatorDissent: decimal.RequireFromString("-0.1"),
	}
}

type ReputationService struct {
	store  repository.Store
	deltas ReputationDeltas
}

func NewReputationService(store repository.Store, deltas ReputationDeltas) *ReputationService {
	return &ReputationService{store: store, deltas: deltas}
}

// Get returns the identity's score, or domain.DefaultReputation when it
// has never been settled.
func (s *ReputationService) Get(ctx context.Context, identityID string) (domain.Reputation, error) {
	rep, found, err := s.store.GetReputation(ctx, identityID)
	if err != nil {
		return domain.Reputation{}, fmt.Errorf("get reputation: %w", err)
	}
	if !found {
		return domain.Reputation{IdentityID: identityID, Score: domain.DefaultReputation}, nil
	}
	return *rep, nil
}

func (s *ReputationService) Adjust(ctx context.Context, identityID string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	score, err := s.store.AdjustReputation(ctx, identityID, delta, at)
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust reputation: %w", err)
	}
	return score, nil
}

// applySettlement rewards or penalizes the worker and every evaluator of a
// settled submission. It must run inside the transaction that records the
// settlement, after the ledger confirmed.
func (s *ReputationService) applySettlement(ctx context.Context, tx repository.Store, sub *domain.Submission, evals []domain.Evaluation, at time.Time) error {
	approved := sub.Result.Approved

	workerDelta := s.deltas.WorkerReject
	if approved {
		workerDelta = s.deltas.WorkerApprove
	}
	if _, err := tx.AdjustReputation(ctx, sub.WorkerID, workerDelta, at); err != nil {
		return fmt.Errorf("adjust worker reputation: %w", err)
	}

	for _, e := range evals {
		delta := s.deltas.EvaluatorDissent
		if e.IsCorrect == approved {
			delta = s.deltas.EvaluatorAgree
		}
		if _, err := tx.AdjustReputation(ctx, e.EvaluatorID, delta, at); err != nil {
			return fmt.Errorf("adjust evaluator reputation: %w", err)
		}
	}
	return nil
}
