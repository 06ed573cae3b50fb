package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LedgerOp string

const (
	LedgerOpFund    LedgerOp = "fund"
	LedgerOpRelease LedgerOp = "release"
	LedgerOpRefund  LedgerOp = "refund"
)

// LedgerOperation is a confirmed custodial call. The journal lets a retried
// settlement skip calls the ledger has already confirmed.
type LedgerOperation struct {
	TaskID      uuid.UUID
	Op          LedgerOp
	Recipient   string
	Amount      decimal.Decimal
	Reference   string
	ConfirmedAt time.Time
}

// IdempotencyKey identifies one logical ledger call.
func IdempotencyKey(taskID uuid.UUID, op LedgerOp, recipient string) string {
	if recipient == "" {
		return fmt.Sprintf("%s:%s", taskID, op)
	}
	return fmt.Sprintf("%s:%s:%s", taskID, op, recipient)
}
