package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/shopspring/decimal"
)

// Memory is a Store kept in process memory. Every call and every WithTx
// block runs under one lock, so transactions are fully serialized.
type Memory struct {
	state *memState
	inTx  bool
}

type memState struct {
	mu   sync.Mutex
	data memData
}

type memData struct {
	tasks       map[uuid.UUID]domain.Task
	escrows     map[uuid.UUID]domain.Escrow
	slots       map[uuid.UUID]domain.Slot
	submissions map[uuid.UUID]domain.Submission
	evaluations map[uuid.UUID][]domain.Evaluation
	ledgerOps   map[string]domain.LedgerOperation
	reputations map[string]domain.Reputation
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{state: &memState{data: memData{
		tasks:       make(map[uuid.UUID]domain.Task),
		escrows:     make(map[uuid.UUID]domain.Escrow),
		slots:       make(map[uuid.UUID]domain.Slot),
		submissions: make(map[uuid.UUID]domain.Submission),
		evaluations: make(map[uuid.UUID][]domain.Evaluation),
		ledgerOps:   make(map[string]domain.LedgerOperation),
		reputations: make(map[string]domain.Reputation),
	}}}
}

// snapshot copies every table. Stored values are never mutated in place,
// so copying the maps is enough.
func (d *memData) snapshot() memData {
	evals := make(map[uuid.UUID][]domain.Evaluation, len(d.evaluations))
	for k, v := range d.evaluations {
		evals[k] = slices.Clone(v)
	}
	return memData{
		tasks:       cloneMap(d.tasks),
		escrows:     cloneMap(d.escrows),
		slots:       cloneMap(d.slots),
		submissions: cloneMap(d.submissions),
		evaluations: evals,
		ledgerOps:   cloneMap(d.ledgerOps),
		reputations: cloneMap(d.reputations),
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (m *Memory) lock() func() {
	if m.inTx {
		return func() {}
	}
	m.state.mu.Lock()
	return m.state.mu.Unlock
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if m.inTx {
		return fn(m)
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	saved := m.state.data.snapshot()
	if err := fn(&Memory{state: m.state, inTx: true}); err != nil {
		m.state.data = saved
		return err
	}
	return nil
}

func (m *Memory) CreateTask(_ context.Context, t *domain.Task) error {
	defer m.lock()()
	m.state.data.tasks[t.ID] = *t
	return nil
}

func (m *Memory) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, bool, error) {
	defer m.lock()()
	t, ok := m.state.data.tasks[id]
	if !ok {
		return nil, false, nil
	}
	return &t, true, nil
}

func (m *Memory) UpdateTask(_ context.Context, t *domain.Task) error {
	defer m.lock()()
	cur, ok := m.state.data.tasks[t.ID]
	if !ok {
		return domain.ErrTaskNotFound
	}
	cur.Status = t.Status
	cur.AssignedSlots = t.AssignedSlots
	cur.SettledSlots = t.SettledSlots
	cur.UpdatedAt = t.UpdatedAt
	m.state.data.tasks[t.ID] = cur
	return nil
}

func (m *Memory) filterTasks(keep func(domain.Task) bool, less func(a, b domain.Task) bool, limit int) []*domain.Task {
	var out []*domain.Task
	for _, t := range m.state.data.tasks {
		if keep(t) {
			t := t
			out = append(out, &t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(*out[i], *out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func openStatus(s domain.TaskStatus) bool {
	switch s {
	case domain.TaskStatusFunded, domain.TaskStatusAssigned, domain.TaskStatusInProgress, domain.TaskStatusSubmitted:
		return true
	}
	return false
}

func (m *Memory) ListAssignableTasks(_ context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	defer m.lock()()
	return m.filterTasks(
		func(t domain.Task) bool {
			return openStatus(t.Status) && t.AssignedSlots < t.NumWorkers && t.Deadline.After(now)
		},
		func(a, b domain.Task) bool { return a.CreatedAt.Before(b.CreatedAt) },
		limit,
	), nil
}

func (m *Memory) ListExpiredTasks(_ context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	defer m.lock()()
	return m.filterTasks(
		func(t domain.Task) bool { return openStatus(t.Status) && t.Deadline.Before(now) },
		func(a, b domain.Task) bool { return a.Deadline.Before(b.Deadline) },
		limit,
	), nil
}

func (m *Memory) CreateEscrow(_ context.Context, e *domain.Escrow) error {
	defer m.lock()()
	if _, ok := m.state.data.escrows[e.TaskID]; ok {
		return domain.NewInvalidStateError("Escrow already exists for task.")
	}
	m.state.data.escrows[e.TaskID] = *e
	return nil
}

func (m *Memory) GetEscrow(_ context.Context, taskID uuid.UUID) (*domain.Escrow, bool, error) {
	defer m.lock()()
	e, ok := m.state.data.escrows[taskID]
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (m *Memory) CloseEscrow(_ context.Context, taskID uuid.UUID, released bool, at time.Time) error {
	defer m.lock()()
	e, ok := m.state.data.escrows[taskID]
	if !ok || !e.IsOpen() {
		return domain.NewInvalidStateError("Escrow is missing or already closed.")
	}
	if released {
		e.ReleasedAt = &at
	} else {
		e.RefundedAt = &at
	}
	m.state.data.escrows[taskID] = e
	return nil
}

func (m *Memory) CreateSlot(_ context.Context, s *domain.Slot) error {
	defer m.lock()()
	for _, cur := range m.state.data.slots {
		if cur.TaskID == s.TaskID && cur.WorkerID == s.WorkerID {
			return domain.NewInvalidStateError("Worker already holds a slot on this task.")
		}
	}
	m.state.data.slots[s.ID] = *s
	return nil
}

func (m *Memory) GetSlot(_ context.Context, id uuid.UUID) (*domain.Slot, bool, error) {
	defer m.lock()()
	s, ok := m.state.data.slots[id]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *Memory) GetSlotByWorker(_ context.Context, taskID uuid.UUID, workerID string) (*domain.Slot, bool, error) {
	defer m.lock()()
	for _, s := range m.state.data.slots {
		if s.TaskID == taskID && s.WorkerID == workerID {
			return &s, true, nil
		}
	}
	return nil, false, nil
}

func (m *Memory) ListSlots(_ context.Context, taskID uuid.UUID) ([]*domain.Slot, error) {
	defer m.lock()()
	var out []*domain.Slot
	for _, s := range m.state.data.slots {
		if s.TaskID == taskID {
			s := s
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssignedAt.Before(out[j].AssignedAt) })
	return out, nil
}

func (m *Memory) UpdateSlot(_ context.Context, s *domain.Slot) error {
	defer m.lock()()
	if _, ok := m.state.data.slots[s.ID]; !ok {
		return domain.ErrSlotNotFound
	}
	m.state.data.slots[s.ID] = *s
	return nil
}

func cloneSubmission(s domain.Submission) domain.Submission {
	if s.Result != nil {
		r := *s.Result
		s.Result = &r
	}
	return s
}

func (m *Memory) CreateSubmission(_ context.Context, s *domain.Submission) error {
	defer m.lock()()
	for _, cur := range m.state.data.submissions {
		if cur.SlotID == s.SlotID {
			return domain.NewInvalidStateError("Slot already has a submission.")
		}
	}
	m.state.data.submissions[s.ID] = cloneSubmission(*s)
	return nil
}

func (m *Memory) GetSubmission(_ context.Context, id uuid.UUID) (*domain.Submission, bool, error) {
	defer m.lock()()
	s, ok := m.state.data.submissions[id]
	if !ok {
		return nil, false, nil
	}
	s = cloneSubmission(s)
	return &s, true, nil
}

func (m *Memory) ListSubmissions(_ context.Context, taskID uuid.UUID) ([]*domain.Submission, error) {
	defer m.lock()()
	var out []*domain.Submission
	for _, s := range m.state.data.submissions {
		if s.TaskID == taskID {
			s := cloneSubmission(s)
			out = append(out, &s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out, nil
}

func (m *Memory) UpdateSubmission(_ context.Context, s *domain.Submission) error {
	defer m.lock()()
	if _, ok := m.state.data.submissions[s.ID]; !ok {
		return domain.ErrSubmissionNotFound
	}
	m.state.data.submissions[s.ID] = cloneSubmission(*s)
	return nil
}

func (m *Memory) CreateEvaluation(_ context.Context, e *domain.Evaluation) error {
	defer m.lock()()
	for _, cur := range m.state.data.evaluations[e.SubmissionID] {
		if cur.EvaluatorID == e.EvaluatorID {
			return domain.ErrDuplicateEvaluation
		}
	}
	m.state.data.evaluations[e.SubmissionID] = append(slices.Clone(m.state.data.evaluations[e.SubmissionID]), *e)
	return nil
}

func (m *Memory) ListEvaluations(_ context.Context, submissionID uuid.UUID) ([]domain.Evaluation, error) {
	defer m.lock()()
	return slices.Clone(m.state.data.evaluations[submissionID]), nil
}

func (m *Memory) RecordLedgerOperation(_ context.Context, op *domain.LedgerOperation) error {
	defer m.lock()()
	key := domain.IdempotencyKey(op.TaskID, op.Op, op.Recipient)
	if _, ok := m.state.data.ledgerOps[key]; !ok {
		m.state.data.ledgerOps[key] = *op
	}
	return nil
}

func (m *Memory) GetLedgerOperation(_ context.Context, taskID uuid.UUID, op domain.LedgerOp, recipient string) (*domain.LedgerOperation, bool, error) {
	defer m.lock()()
	l, ok := m.state.data.ledgerOps[domain.IdempotencyKey(taskID, op, recipient)]
	if !ok {
		return nil, false, nil
	}
	return &l, true, nil
}

func (m *Memory) GetReputation(_ context.Context, identityID string) (*domain.Reputation, bool, error) {
	defer m.lock()()
	r, ok := m.state.data.reputations[identityID]
	if !ok {
		return nil, false, nil
	}
	return &r, true, nil
}

func (m *Memory) AdjustReputation(_ context.Context, identityID string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	defer m.lock()()
	r, ok := m.state.data.reputations[identityID]
	if !ok {
		r = domain.Reputation{IdentityID: identityID, Score: domain.DefaultReputation}
	}
	r.Score = clampScore(r.Score.Add(delta))
	r.UpdatedAt = at
	m.state.data.reputations[identityID] = r
	return r.Score, nil
}
