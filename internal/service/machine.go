package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/consensus"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/set-night/taskescrow/internal/ledger"
	"github.com/set-night/taskescrow/internal/metrics"
	"github.com/set-night/taskescrow/internal/repository"
	"github.com/set-night/taskescrow/internal/retry"
	"github.com/shopspring/decimal"
)

// Notifier receives operator-facing settlement events. Implementations
// must not block the caller for long.
type Notifier interface {
	LedgerFailed(ctx context.Context, taskID uuid.UUID, op domain.LedgerOp, err error)
	TaskFunded(ctx context.Context, task *domain.Task)
	SubmissionSettled(ctx context.Context, task *domain.Task, sub *domain.Submission)
	TaskClosed(ctx context.Context, task *domain.Task)
}

type nopNotifier struct{}

func (nopNotifier) LedgerFailed(context.Context, uuid.UUID, domain.LedgerOp, error)     {}
func (nopNotifier) TaskFunded(context.Context, *domain.Task)                            {}
func (nopNotifier) SubmissionSettled(context.Context, *domain.Task, *domain.Submission) {}
func (nopNotifier) TaskClosed(context.Context, *domain.Task)                            {}

// TaskMachine applies lifecycle transitions together with their side
// effects. It is the only component that calls the ledger or writes
// reputation. Callers must hold the task's lock.
type TaskMachine struct {
	store      repository.Store
	ledger     ledger.Gateway
	reputation *ReputationService
	consensus  *consensus.Evaluator
	retry      *retry.Config
	notifier   Notifier
	now        func() time.Time
}

func NewTaskMachine(
	store repository.Store,
	gateway ledger.Gateway,
	reputation *ReputationService,
	evaluator *consensus.Evaluator,
	retryCfg *retry.Config,
	notifier Notifier,
) *TaskMachine {
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
	}
	cfg := *retryCfg
	cfg.ShouldRetry = func(err error, _ int) bool { return ledger.IsRetryable(err) }

	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &TaskMachine{
		store:      store,
		ledger:     gateway,
		reputation: reputation,
		consensus:  evaluator,
		retry:      &cfg,
		notifier:   notifier,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func loadTask(ctx context.Context, store repository.Store, id uuid.UUID) (*domain.Task, error) {
	task, found, err := store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if !found {
		return nil, domain.ErrTaskNotFound
	}
	return task, nil
}

func loadSubmission(ctx context.Context, store repository.Store, id uuid.UUID) (*domain.Submission, error) {
	sub, found, err := store.GetSubmission(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get submission: %w", err)
	}
	if !found {
		return nil, domain.ErrSubmissionNotFound
	}
	return sub, nil
}

func (m *TaskMachine) apply(task *domain.Task, event domain.TaskEvent, at time.Time) error {
	to, err := domain.NextTaskStatus(task.Status, event)
	if err != nil {
		return err
	}
	task.Status = to
	task.UpdatedAt = at
	return nil
}

func observe(event domain.TaskEvent, status domain.TaskStatus) {
	metrics.TaskTransitionsTotal.WithLabelValues(string(event), string(status)).Inc()
}

// callLedger performs one logical ledger operation. A call already in the
// journal is not repeated. Failures are retried per the machine's policy
// and surface as a domain ledger error.
func (m *TaskMachine) callLedger(
	ctx context.Context,
	taskID uuid.UUID,
	op domain.LedgerOp,
	recipient string,
	amount decimal.Decimal,
	call func(ctx context.Context) (ledger.Confirmation, error),
) (*domain.LedgerOperation, error) {
	done, found, err := m.store.GetLedgerOperation(ctx, taskID, op, recipient)
	if err != nil {
		return nil, fmt.Errorf("get ledger journal: %w", err)
	}
	if found {
		slog.Info("ledger operation already confirmed", "task_id", taskID, "op", op, "recipient", recipient)
		return done, nil
	}

	start := time.Now()
	conf, err := retry.Do(ctx, m.retry, "ledger "+string(op), call)
	metrics.LedgerCallDuration.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.LedgerCallsTotal.WithLabelValues(string(op), "failed").Inc()
		slog.Error("ledger call failed",
			"task_id", taskID,
			"op", op,
			"recipient", recipient,
			"amount", amount.String(),
			"error", err,
		)
		m.notifier.LedgerFailed(ctx, taskID, op, err)
		return nil, domain.NewLedgerError(op, err)
	}
	metrics.LedgerCallsTotal.WithLabelValues(string(op), "confirmed").Inc()

	rec := &domain.LedgerOperation{
		TaskID:      taskID,
		Op:          op,
		Recipient:   recipient,
		Amount:      amount,
		Reference:   conf.Reference,
		ConfirmedAt: conf.ConfirmedAt,
	}
	if err := m.store.RecordLedgerOperation(ctx, rec); err != nil {
		return nil, fmt.Errorf("record ledger operation: %w", err)
	}
	return rec, nil
}

func (m *TaskMachine) refund(ctx context.Context, task *domain.Task) error {
	_, err := m.callLedger(ctx, task.ID, domain.LedgerOpRefund, "", decimal.Zero,
		func(ctx context.Context) (ledger.Confirmation, error) {
			return m.ledger.IssueRefund(ctx, task.ID)
		})
	return err
}

// Fund moves a DRAFT task to FUNDED once the ledger holds its total payout.
func (m *TaskMachine) Fund(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	task, err := loadTask(ctx, m.store, taskID)
	if err != nil {
		return nil, err
	}
	if _, err := domain.NextTaskStatus(task.Status, domain.EventFund); err != nil {
		return nil, err
	}

	conf, err := m.callLedger(ctx, task.ID, domain.LedgerOpFund, "", task.TotalPayout,
		func(ctx context.Context) (ledger.Confirmation, error) {
			return m.ledger.Fund(ctx, task.ID, task.TotalPayout)
		})
	if err != nil {
		return nil, err
	}

	err = m.store.WithTx(ctx, func(tx repository.Store) error {
		task, err = loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := m.apply(task, domain.EventFund, m.now()); err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		return tx.CreateEscrow(ctx, &domain.Escrow{
			TaskID:     task.ID,
			AmountHeld: task.TotalPayout,
			LedgerRef:  conf.Reference,
			FundedAt:   conf.ConfirmedAt,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("record funding: %w", err)
	}

	observe(domain.EventFund, task.Status)
	slog.Info("task funded", "task_id", task.ID, "amount", task.TotalPayout.String(), "ledger_ref", conf.Reference)
	m.notifier.TaskFunded(ctx, task)
	return task, nil
}

// Assign gives workerID a slot on the task if it still matches criteria.
// It reports false when the task no longer fits or the worker already
// holds a slot there.
func (m *TaskMachine) Assign(ctx context.Context, taskID uuid.UUID, criteria domain.AssignCriteria) (*domain.Task, bool, error) {
	var task *domain.Task
	assigned := false
	err := m.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		task, err = loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if !criteria.Matches(task) {
			return nil
		}
		_, held, err := tx.GetSlotByWorker(ctx, task.ID, criteria.WorkerID)
		if err != nil {
			return fmt.Errorf("get slot: %w", err)
		}
		if held {
			return nil
		}

		now := m.now()
		if err := m.apply(task, domain.EventAssign, now); err != nil {
			return err
		}
		task.AssignedSlots++
		if err := tx.CreateSlot(ctx, &domain.Slot{
			ID:         uuid.New(),
			TaskID:     task.ID,
			WorkerID:   criteria.WorkerID,
			Status:     domain.SlotStatusAssigned,
			AssignedAt: now,
			UpdatedAt:  now,
		}); err != nil {
			return err
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		assigned = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if assigned {
		observe(domain.EventAssign, task.Status)
	}
	return task, assigned, nil
}

func (m *TaskMachine) workerSlot(ctx context.Context, tx repository.Store, task *domain.Task, workerID string) (*domain.Slot, error) {
	slot, found, err := tx.GetSlotByWorker(ctx, task.ID, workerID)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	if !found {
		return nil, domain.ErrSlotNotFound
	}
	return slot, nil
}

func (m *TaskMachine) startSlot(task *domain.Task, slot *domain.Slot, at time.Time) error {
	next, err := domain.NextSlotStatus(slot.Status, domain.EventStart)
	if err != nil {
		return err
	}
	if err := m.apply(task, domain.EventStart, at); err != nil {
		return err
	}
	slot.Status = next
	slot.UpdatedAt = at
	return nil
}

// Start moves the worker's slot, and the task with it, to IN_PROGRESS.
func (m *TaskMachine) Start(ctx context.Context, taskID uuid.UUID, workerID string) (*domain.Slot, error) {
	var slot *domain.Slot
	var task *domain.Task
	err := m.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		task, err = loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := m.now()
		if task.IsExpired(now) {
			return domain.ErrDeadlinePassed
		}
		slot, err = m.workerSlot(ctx, tx, task, workerID)
		if err != nil {
			return err
		}
		if err := m.startSlot(task, slot, now); err != nil {
			return err
		}
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	observe(domain.EventStart, task.Status)
	return slot, nil
}

// Submit records the worker's result. A slot that was never started is
// started first.
func (m *TaskMachine) Submit(ctx context.Context, taskID uuid.UUID, workerID, content string) (*domain.Submission, error) {
	var sub *domain.Submission
	var task *domain.Task
	err := m.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		task, err = loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		now := m.now()
		if task.IsExpired(now) {
			return domain.ErrDeadlinePassed
		}
		slot, err := m.workerSlot(ctx, tx, task, workerID)
		if err != nil {
			return err
		}
		if slot.Status == domain.SlotStatusAssigned {
			if err := m.startSlot(task, slot, now); err != nil {
				return err
			}
		}
		next, err := domain.NextSlotStatus(slot.Status, domain.EventSubmit)
		if err != nil {
			return err
		}
		if err := m.apply(task, domain.EventSubmit, now); err != nil {
			return err
		}
		slot.Status = next
		slot.UpdatedAt = now

		sub = &domain.Submission{
			ID:          uuid.New(),
			TaskID:      task.ID,
			SlotID:      slot.ID,
			WorkerID:    workerID,
			Content:     content,
			Status:      domain.SubmissionStatusSubmitted,
			SubmittedAt: now,
		}
		if err := tx.CreateSubmission(ctx, sub); err != nil {
			return err
		}
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	observe(domain.EventSubmit, task.Status)
	slog.Info("work submitted", "task_id", task.ID, "submission_id", sub.ID, "worker_id", workerID)
	return sub, nil
}

// closePlan describes how a task ends once its slots are settled.
type closePlan struct {
	closes   bool
	approved int
}

func (p closePlan) event() domain.TaskEvent {
	if p.approved > 0 {
		return domain.EventApprove
	}
	return domain.EventReject
}

// planClose evaluates slots as if override held the given status.
func planClose(task *domain.Task, slots []*domain.Slot, override uuid.UUID, status domain.SlotStatus, now time.Time) closePlan {
	var plan closePlan
	settled := 0
	for _, s := range slots {
		st := s.Status
		if s.ID == override {
			st = status
		}
		if st.IsSettled() {
			settled++
		}
		if st == domain.SlotStatusApproved {
			plan.approved++
		}
	}
	plan.closes = settled == len(slots) && (len(slots) >= task.NumWorkers || task.IsExpired(now))
	return plan
}

func (p closePlan) needsRefund(task *domain.Task) bool {
	return p.approved < task.NumWorkers
}

// Finalize settles a SUBMITTED submission from its recorded evaluations:
// consensus, ledger action, then slot, submission, task and reputation
// writes in one transaction. A finalized submission returns its stored
// result with a *domain.FinalizedError and nothing is repeated.
func (m *TaskMachine) Finalize(ctx context.Context, submissionID uuid.UUID) (domain.ConsensusResult, error) {
	sub, err := loadSubmission(ctx, m.store, submissionID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	if sub.IsFinalized() {
		return *sub.Result, &domain.FinalizedError{SubmissionID: sub.ID.String(), Result: *sub.Result}
	}

	task, err := loadTask(ctx, m.store, sub.TaskID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}
	evals, err := m.store.ListEvaluations(ctx, sub.ID)
	if err != nil {
		return domain.ConsensusResult{}, fmt.Errorf("list evaluations: %w", err)
	}
	slots, err := m.store.ListSlots(ctx, task.ID)
	if err != nil {
		return domain.ConsensusResult{}, fmt.Errorf("list slots: %w", err)
	}

	result := m.consensus.Evaluate(evals)
	event := domain.EventReject
	if result.Approved {
		event = domain.EventApprove
	}
	slotStatus := domain.SlotStatusRejected
	if result.Approved {
		slotStatus = domain.SlotStatusApproved
	}
	plan := planClose(task, slots, sub.SlotID, slotStatus, m.now())

	if result.Approved {
		_, err := m.callLedger(ctx, task.ID, domain.LedgerOpRelease, sub.WorkerID, task.PayoutPerWorker,
			func(ctx context.Context) (ledger.Confirmation, error) {
				return m.ledger.ReleasePayout(ctx, task.ID, sub.WorkerID, task.PayoutPerWorker)
			})
		if err != nil {
			return domain.ConsensusResult{}, err
		}
	}
	if plan.closes && plan.needsRefund(task) {
		if err := m.refund(ctx, task); err != nil {
			return domain.ConsensusResult{}, err
		}
	}

	now := m.now()
	err = m.store.WithTx(ctx, func(tx repository.Store) error {
		task, err = loadTask(ctx, tx, sub.TaskID)
		if err != nil {
			return err
		}
		slot, found, err := tx.GetSlot(ctx, sub.SlotID)
		if err != nil {
			return fmt.Errorf("get slot: %w", err)
		}
		if !found {
			return domain.ErrSlotNotFound
		}
		if slot.Status, err = domain.NextSlotStatus(slot.Status, event); err != nil {
			return err
		}
		slot.UpdatedAt = now
		if result.Approved {
			slot.PayoutReleasedAt = &now
		}
		if err := tx.UpdateSlot(ctx, slot); err != nil {
			return err
		}

		sub.Status = result.Outcome()
		sub.Result = &result
		sub.SettledAt = &now
		if err := tx.UpdateSubmission(ctx, sub); err != nil {
			return err
		}

		task.SettledSlots++
		task.UpdatedAt = now
		if plan.closes {
			if err := m.apply(task, plan.event(), now); err != nil {
				return err
			}
			if err := tx.CloseEscrow(ctx, task.ID, plan.approved > 0, now); err != nil {
				return err
			}
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		return m.reputation.applySettlement(ctx, tx, sub, evals, now)
	})
	if err != nil {
		return domain.ConsensusResult{}, fmt.Errorf("record settlement: %w", err)
	}

	metrics.SubmissionsFinalizedTotal.WithLabelValues(string(sub.Status)).Inc()
	slog.Info("submission settled",
		"task_id", task.ID,
		"submission_id", sub.ID,
		"outcome", sub.Status,
		"consensus_ratio", result.ConsensusRatio.String(),
	)
	m.notifier.SubmissionSettled(ctx, task, sub)
	if plan.closes {
		observe(plan.event(), task.Status)
		m.notifier.TaskClosed(ctx, task)
	}
	return result, nil
}

// abandonSlots marks every unsubmitted slot abandoned and returns how many
// changed.
func abandonSlots(ctx context.Context, tx repository.Store, slots []*domain.Slot, event domain.TaskEvent, at time.Time) (int, error) {
	n := 0
	for _, s := range slots {
		if s.Status != domain.SlotStatusAssigned && s.Status != domain.SlotStatusInProgress {
			continue
		}
		next, err := domain.NextSlotStatus(s.Status, event)
		if err != nil {
			return n, err
		}
		s.Status = next
		s.UpdatedAt = at
		if err := tx.UpdateSlot(ctx, s); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// refundAndClose refunds the escrow and applies event, abandoning any open
// slots. It serves both expiry of an unstarted task and cancellation.
func (m *TaskMachine) refundAndClose(ctx context.Context, task *domain.Task, event domain.TaskEvent) (*domain.Task, error) {
	if _, err := domain.NextTaskStatus(task.Status, event); err != nil {
		return nil, err
	}
	funded := task.Status != domain.TaskStatusDraft
	if funded {
		if err := m.refund(ctx, task); err != nil {
			return nil, err
		}
	}

	taskID := task.ID
	now := m.now()
	err := m.store.WithTx(ctx, func(tx repository.Store) error {
		var err error
		task, err = loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := m.apply(task, event, now); err != nil {
			return err
		}
		slots, err := tx.ListSlots(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("list slots: %w", err)
		}
		n, err := abandonSlots(ctx, tx, slots, event, now)
		if err != nil {
			return err
		}
		task.SettledSlots += n
		if funded {
			if err := tx.CloseEscrow(ctx, task.ID, false, now); err != nil {
				return err
			}
		}
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", event, err)
	}

	observe(event, task.Status)
	slog.Info("task closed", "task_id", task.ID, "event", event, "status", task.Status)
	m.notifier.TaskClosed(ctx, task)
	return task, nil
}

// Expire handles a task whose deadline passed. An unstarted task is
// refunded. A task with submissions abandons its unsubmitted slots and
// closes once no submission is awaiting settlement.
func (m *TaskMachine) Expire(ctx context.Context, taskID uuid.UUID, now time.Time) (*domain.Task, error) {
	task, err := loadTask(ctx, m.store, taskID)
	if err != nil {
		return nil, err
	}
	if !task.IsExpired(now) {
		return nil, domain.ErrDeadlineNotReached
	}

	switch task.Status {
	case domain.TaskStatusFunded, domain.TaskStatusAssigned:
		return m.refundAndClose(ctx, task, domain.EventExpire)
	case domain.TaskStatusSubmitted:
		return m.closeOverdue(ctx, task, now)
	default:
		return nil, domain.ErrTransition(task.Status, domain.EventExpire)
	}
}

func (m *TaskMachine) closeOverdue(ctx context.Context, task *domain.Task, now time.Time) (*domain.Task, error) {
	slots, err := m.store.ListSlots(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	pending := false
	for _, s := range slots {
		if s.Status == domain.SlotStatusSubmitted {
			pending = true
			break
		}
	}

	// Slots abandoned below count as settled for the plan.
	plan := closePlan{closes: !pending}
	for _, s := range slots {
		if s.Status == domain.SlotStatusApproved {
			plan.approved++
		}
	}
	if plan.closes && plan.needsRefund(task) {
		if err := m.refund(ctx, task); err != nil {
			return nil, err
		}
	}

	taskID := task.ID
	at := m.now()
	err = m.store.WithTx(ctx, func(tx repository.Store) error {
		task, err = loadTask(ctx, tx, taskID)
		if err != nil {
			return err
		}
		slots, err := tx.ListSlots(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("list slots: %w", err)
		}
		n, err := abandonSlots(ctx, tx, slots, domain.EventExpire, at)
		if err != nil {
			return err
		}
		task.SettledSlots += n
		task.UpdatedAt = at
		if plan.closes {
			if err := m.apply(task, plan.event(), at); err != nil {
				return err
			}
			if err := tx.CloseEscrow(ctx, task.ID, plan.approved > 0, at); err != nil {
				return err
			}
		}
		return tx.UpdateTask(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("record expiry: %w", err)
	}

	if plan.closes {
		observe(plan.event(), task.Status)
		slog.Info("overdue task closed", "task_id", task.ID, "status", task.Status)
		m.notifier.TaskClosed(ctx, task)
	}
	return task, nil
}
