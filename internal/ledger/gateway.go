// Package ledger talks to the external custodial ledger holding task funds.
//
// Every call is blocking and either confirms finality or fails. Calls carry
// an idempotency key built from the task id, the operation and the
// recipient, so repeating a call for the same logical operation is safe.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Confirmation struct {
	Reference   string
	ConfirmedAt time.Time
}

type Gateway interface {
	Fund(ctx context.Context, taskID uuid.UUID, amount decimal.Decimal) (Confirmation, error)
	ReleasePayout(ctx context.Context, taskID uuid.UUID, recipient string, amount decimal.Decimal) (Confirmation, error)
	IssueRefund(ctx context.Context, taskID uuid.UUID) (Confirmation, error)
}

// PermanentError marks a rejection that retrying cannot fix, such as a
// malformed recipient or an escrow the ledger does not know.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent ledger failure: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed call may succeed if repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
