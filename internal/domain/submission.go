package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SubmissionStatus string

const (
	SubmissionStatusSubmitted SubmissionStatus = "SUBMITTED"
	SubmissionStatusApproved  SubmissionStatus = "APPROVED"
	SubmissionStatusRejected  SubmissionStatus = "REJECTED"
)

// Submission is one worker's completed attempt. Result is set once the
// submission has been settled.
type Submission struct {
	ID          uuid.UUID
	TaskID      uuid.UUID
	SlotID      uuid.UUID
	WorkerID    string
	Content     string
	Status      SubmissionStatus
	Result      *ConsensusResult
	SubmittedAt time.Time
	SettledAt   *time.Time
}

func (s *Submission) IsFinalized() bool {
	return s.Status != SubmissionStatusSubmitted
}

// Evaluation is one evaluator's judgment of a submission. The evaluator's
// reputation is captured at vote time so settlement replays identically.
type Evaluation struct {
	ID                  uuid.UUID
	SubmissionID        uuid.UUID
	EvaluatorID         string
	IsCorrect           bool
	EvaluatorReputation decimal.Decimal
	CreatedAt           time.Time
}
