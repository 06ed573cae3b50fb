package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TaskSpec is the client's request to publish a unit of paid work.
type TaskSpec struct {
	ClientID        string
	Category        string
	Instructions    string
	PayoutPerWorker decimal.Decimal
	NumWorkers      int
	Deadline        time.Time
}

type Task struct {
	ID              uuid.UUID
	ClientID        string
	Category        string
	Instructions    string
	PayoutPerWorker decimal.Decimal
	NumWorkers      int
	PlatformFeeRate decimal.Decimal
	PlatformFee     decimal.Decimal
	TotalPayout     decimal.Decimal
	Deadline        time.Time
	Status          TaskStatus
	AssignedSlots   int
	SettledSlots    int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewTask validates spec and builds a DRAFT task with its fee and total
// payout fixed for the rest of its life.
func NewTask(spec TaskSpec, feeRate decimal.Decimal, now time.Time) (*Task, error) {
	if err := spec.Validate(now); err != nil {
		return nil, err
	}
	fee, total := ComputePayout(spec.PayoutPerWorker, spec.NumWorkers, feeRate)
	return &Task{
		ID:              uuid.New(),
		ClientID:        strings.TrimSpace(spec.ClientID),
		Category:        strings.TrimSpace(spec.Category),
		Instructions:    spec.Instructions,
		PayoutPerWorker: spec.PayoutPerWorker,
		NumWorkers:      spec.NumWorkers,
		PlatformFeeRate: feeRate,
		PlatformFee:     fee,
		TotalPayout:     total,
		Deadline:        spec.Deadline.UTC(),
		Status:          TaskStatusDraft,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s TaskSpec) Validate(now time.Time) error {
	switch {
	case strings.TrimSpace(s.Category) == "":
		return ErrInvalidTask
	case strings.TrimSpace(s.Instructions) == "":
		return ErrInvalidTask
	case !s.PayoutPerWorker.IsPositive():
		return ErrInvalidTask
	case s.NumWorkers <= 0:
		return ErrInvalidTask
	case !s.Deadline.After(now):
		return ErrInvalidTask
	}
	return nil
}

// ComputePayout returns the platform fee and the total amount the client
// must put in escrow.
func ComputePayout(payoutPerWorker decimal.Decimal, numWorkers int, feeRate decimal.Decimal) (fee, total decimal.Decimal) {
	gross := payoutPerWorker.Mul(decimal.NewFromInt(int64(numWorkers)))
	fee = gross.Mul(feeRate)
	return fee, gross.Add(fee)
}

func (t *Task) OpenSlots() int {
	return t.NumWorkers - t.AssignedSlots
}

func (t *Task) IsExpired(now time.Time) bool {
	return now.After(t.Deadline)
}

// AssignCriteria narrows which funded tasks a worker may be handed.
type AssignCriteria struct {
	WorkerID   string
	Categories []string
	MinPayout  decimal.Decimal
	Now        time.Time
}

// Matches reports whether t fits the criteria. It does not check whether
// the worker already holds a slot on t.
func (c AssignCriteria) Matches(t *Task) bool {
	if !t.Status.Assignable() || t.OpenSlots() <= 0 || t.IsExpired(c.Now) {
		return false
	}
	if !c.MinPayout.IsZero() && t.PayoutPerWorker.LessThan(c.MinPayout) {
		return false
	}
	if len(c.Categories) == 0 {
		return true
	}
	for _, cat := range c.Categories {
		if strings.EqualFold(cat, t.Category) {
			return true
		}
	}
	return false
}
