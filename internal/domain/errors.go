package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation   = errors.New("validation error")
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrLedger       = errors.New("ledger error")
)

// Error is a settlement failure of a known kind with a caller-facing message.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewValidationError(message string) *Error {
	return &Error{Kind: ErrValidation, Message: message}
}

func NewNotFoundError(message string) *Error {
	return &Error{Kind: ErrNotFound, Message: message}
}

func NewInvalidStateError(message string) *Error {
	return &Error{Kind: ErrInvalidState, Message: message}
}

// NewLedgerError wraps a failed custodial call for the given operation.
func NewLedgerError(op LedgerOp, err error) *Error {
	return &Error{Kind: ErrLedger, Message: fmt.Sprintf("ledger %s failed", op), Err: err}
}

var (
	ErrInvalidTask          = NewValidationError("Invalid task data")
	ErrEmptySubmission      = NewValidationError("Submission content is required")
	ErrInvalidEvaluation    = NewValidationError("Invalid evaluation data")
	ErrTaskNotFound         = NewNotFoundError("Task not found.")
	ErrSubmissionNotFound   = NewNotFoundError("Submission not found.")
	ErrSlotNotFound         = NewNotFoundError("Worker has no slot on this task.")
	ErrTaskNotDraft         = NewInvalidStateError("Task is not in DRAFT status and cannot be funded.")
	ErrDuplicateEvaluation  = NewInvalidStateError("Evaluator already judged this submission.")
	ErrSelfEvaluation       = NewInvalidStateError("Workers cannot evaluate their own submission.")
	ErrSubmissionNotPending = NewInvalidStateError("Submission is not awaiting settlement.")
	ErrConsensusNotReady    = NewInvalidStateError("Not enough evaluations to settle.")
	ErrVotingClosed         = NewInvalidStateError("Evaluation is closed; settlement is pending.")
	ErrDeadlinePassed       = NewInvalidStateError("Task deadline has passed.")
	ErrDeadlineNotReached   = NewInvalidStateError("Task deadline has not passed.")
	ErrMissingWorker        = NewValidationError("Worker id is required")
)

// ErrTransition reports an event that the lifecycle table does not allow
// from the current status.
func ErrTransition(from TaskStatus, event TaskEvent) *Error {
	return NewInvalidStateError(fmt.Sprintf("Task in %s status cannot handle %s.", from, event))
}

// FinalizedError is returned when a submission was already settled. It
// carries the recorded result so callers can treat a replay as a no-op.
type FinalizedError struct {
	SubmissionID string
	Result       ConsensusResult
}

func (e *FinalizedError) Error() string {
	return fmt.Sprintf("submission %s is already %s", e.SubmissionID, e.Result.Outcome())
}

func (e *FinalizedError) Is(target error) bool {
	return target == ErrInvalidState
}
