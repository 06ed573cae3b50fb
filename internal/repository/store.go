package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/shopspring/decimal"
)

// Store persists the settlement engine's records. Lookups return
// found=false with a nil error for absent rows; callers decide whether that
// is a NotFound. Updates never touch a task's payout columns.
type Store interface {
	CreateTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, bool, error)
	UpdateTask(ctx context.Context, t *domain.Task) error
	ListAssignableTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)
	ListExpiredTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error)

	CreateEscrow(ctx context.Context, e *domain.Escrow) error
	GetEscrow(ctx context.Context, taskID uuid.UUID) (*domain.Escrow, bool, error)
	CloseEscrow(ctx context.Context, taskID uuid.UUID, released bool, at time.Time) error

	CreateSlot(ctx context.Context, s *domain.Slot) error
	GetSlot(ctx context.Context, id uuid.UUID) (*domain.Slot, bool, error)
	GetSlotByWorker(ctx context.Context, taskID uuid.UUID, workerID string) (*domain.Slot, bool, error)
	ListSlots(ctx context.Context, taskID uuid.UUID) ([]*domain.Slot, error)
	UpdateSlot(ctx context.Context, s *domain.Slot) error

	CreateSubmission(ctx context.Context, s *domain.Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, bool, error)
	ListSubmissions(ctx context.Context, taskID uuid.UUID) ([]*domain.Submission, error)
	UpdateSubmission(ctx context.Context, s *domain.Submission) error

	// CreateEvaluation fails with domain.ErrDuplicateEvaluation when the
	// evaluator already judged the submission.
	CreateEvaluation(ctx context.Context, e *domain.Evaluation) error
	ListEvaluations(ctx context.Context, submissionID uuid.UUID) ([]domain.Evaluation, error)

	RecordLedgerOperation(ctx context.Context, op *domain.LedgerOperation) error
	GetLedgerOperation(ctx context.Context, taskID uuid.UUID, op domain.LedgerOp, recipient string) (*domain.LedgerOperation, bool, error)

	GetReputation(ctx context.Context, identityID string) (*domain.Reputation, bool, error)
	// AdjustReputation adds delta to the identity's score, starting from
	// domain.DefaultReputation, and clamps the result at zero.
	AdjustReputation(ctx context.Context, identityID string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error)

	// WithTx runs fn against a transactional view of the store. Nothing fn
	// wrote survives if it returns an error.
	WithTx(ctx context.Context, fn func(tx Store) error) error
}

func clampScore(score decimal.Decimal) decimal.Decimal {
	if score.IsNegative() {
		return decimal.Zero
	}
	return score
}
