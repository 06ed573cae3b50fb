package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultReputation is the score of an identity that has never been settled.
var DefaultReputation = decimal.NewFromInt(1)

type Reputation struct {
	IdentityID string
	Score      decimal.Decimal
	UpdatedAt  time.Time
}
