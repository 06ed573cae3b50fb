package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Escrow is the local record of funds held by the custodial ledger for a
// task. AmountHeld never changes after funding; at most one of ReleasedAt
// and RefundedAt is ever set.
type Escrow struct {
	TaskID     uuid.UUID
	AmountHeld decimal.Decimal
	LedgerRef  string
	FundedAt   time.Time
	ReleasedAt *time.Time
	RefundedAt *time.Time
}

func (e *Escrow) IsOpen() bool {
	return e.ReleasedAt == nil && e.RefundedAt == nil
}
