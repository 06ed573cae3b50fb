package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/shopspring/decimal"
)

// Memory is an in-process custodian used for local runs and tests. It
// dedupes by idempotency key like the real custodian and can be told to
// fail upcoming calls.
type Memory struct {
	mu        sync.Mutex
	held      map[uuid.UUID]decimal.Decimal
	paid      map[string]decimal.Decimal
	refunded  map[uuid.UUID]decimal.Decimal
	confirmed map[string]Confirmation
	calls     map[domain.LedgerOp]int
	failures  map[domain.LedgerOp][]error
	delay     time.Duration
}

func NewMemory() *Memory {
	return &Memory{
		held:      make(map[uuid.UUID]decimal.Decimal),
		paid:      make(map[string]decimal.Decimal),
		refunded:  make(map[uuid.UUID]decimal.Decimal),
		confirmed: make(map[string]Confirmation),
		calls:     make(map[domain.LedgerOp]int),
		failures:  make(map[domain.LedgerOp][]error),
	}
}

// FailNext queues errs to be returned by the next calls of op, in order.
func (m *Memory) FailNext(op domain.LedgerOp, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// SetDelay makes every call block for d before answering.
func (m *Memory) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns how many times op was invoked, failed calls included.
func (m *Memory) Calls(op domain.LedgerOp) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Memory) Held(taskID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held[taskID]
}

func (m *Memory) Paid(recipient string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paid[recipient]
}

func (m *Memory) Refunded(taskID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refunded[taskID]
}

func (m *Memory) Fund(ctx context.Context, taskID uuid.UUID, amount decimal.Decimal) (Confirmation, error) {
	return m.apply(ctx, domain.LedgerOpFund, taskID, "", func() error {
		if !amount.IsPositive() {
			return &PermanentError{Err: fmt.Errorf("fund amount must be positive, got %s", amount)}
		}
		m.held[taskID] = amount
		return nil
	})
}

func (m *Memory) ReleasePayout(ctx context.Context, taskID uuid.UUID, recipient string, amount decimal.Decimal) (Confirmation, error) {
	return m.apply(ctx, domain.LedgerOpRelease, taskID, recipient, func() error {
		held, ok := m.held[taskID]
		if !ok {
			return &PermanentError{Err: errors.New("unknown escrow")}
		}
		if held.LessThan(amount) {
			return &PermanentError{Err: fmt.Errorf("escrow holds %s, cannot release %s", held, amount)}
		}
		m.held[taskID] = held.Sub(amount)
		m.paid[recipient] = m.paid[recipient].Add(amount)
		return nil
	})
}

func (m *Memory) IssueRefund(ctx context.Context, taskID uuid.UUID) (Confirmation, error) {
	return m.apply(ctx, domain.LedgerOpRefund, taskID, "", func() error {
		held, ok := m.held[taskID]
		if !ok {
			return &PermanentError{Err: errors.New("unknown escrow")}
		}
		m.refunded[taskID] = m.refunded[taskID].Add(held)
		m.held[taskID] = decimal.Zero
		return nil
	})
}

func (m *Memory) apply(ctx context.Context, op domain.LedgerOp, taskID uuid.UUID, recipient string, effect func() error) (Confirmation, error) {
	m.mu.Lock()
	delay := m.delay
	m.calls[op]++
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Confirmation{}, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if queued := m.failures[op]; len(queued) > 0 {
		m.failures[op] = queued[1:]
		return Confirmation{}, queued[0]
	}

	key := domain.IdempotencyKey(taskID, op, recipient)
	if conf, ok := m.confirmed[key]; ok {
		return conf, nil
	}
	if err := effect(); err != nil {
		return Confirmation{}, err
	}
	conf := Confirmation{Reference: uuid.NewString(), ConfirmedAt: time.Now().UTC()}
	m.confirmed[key] = conf
	return conf, nil
}
