package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/config"
	"github.com/set-night/taskescrow/internal/consensus"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/set-night/taskescrow/internal/metrics"
	"github.com/set-night/taskescrow/internal/repository"
	"github.com/shopspring/decimal"
)

type Settings struct {
	FeeRate decimal.Decimal
	// MaxEvaluators closes voting early when positive and lower than the
	// evaluator's minimum.
	MaxEvaluators int
}

// SettlementService is the entry point for every task, submission and
// evaluation operation. Operations that can change a task's state run
// under that task's lock.
type SettlementService struct {
	store      repository.Store
	machine    *TaskMachine
	reputation *ReputationService
	consensus  *consensus.Evaluator
	locks      *keyLock
	settings   Settings
	now        func() time.Time
}

func NewSettlementService(store repository.Store, machine *TaskMachine, reputation *ReputationService, settings Settings) *SettlementService {
	return &SettlementService{
		store:      store,
		machine:    machine,
		reputation: reputation,
		consensus:  machine.consensus,
		locks:      newKeyLock(),
		settings:   settings,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *SettlementService) withTaskLock(ctx context.Context, taskID uuid.UUID, fn func() error) error {
	unlock, err := s.locks.Lock(ctx, taskID)
	if err != nil {
		return fmt.Errorf("lock task %s: %w", taskID, err)
	}
	defer unlock()
	return fn()
}

// votesToSettle is the evaluation count that closes voting.
func (s *SettlementService) votesToSettle() int {
	n := s.consensus.MinEvaluations()
	if s.settings.MaxEvaluators > 0 && s.settings.MaxEvaluators < n {
		n = s.settings.MaxEvaluators
	}
	return n
}

func (s *SettlementService) CreateTask(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error) {
	task, err := domain.NewTask(spec, s.settings.FeeRate, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	metrics.TasksCreatedTotal.Inc()
	slog.Info("task created",
		"task_id", task.ID,
		"category", task.Category,
		"num_workers", task.NumWorkers,
		"total_payout", task.TotalPayout.String(),
	)
	return task, nil
}

// FundAndPublish asks the ledger to hold the task's total payout and makes
// the task assignable. On failure the task stays in DRAFT.
func (s *SettlementService) FundAndPublish(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	var task *domain.Task
	err := s.withTaskLock(ctx, taskID, func() error {
		var err error
		task, err = s.machine.Fund(ctx, taskID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// AssignNext hands the worker a slot on the oldest funded task matching
// criteria. It returns nil when nothing is available.
func (s *SettlementService) AssignNext(ctx context.Context, criteria domain.AssignCriteria) (*domain.Task, error) {
	criteria.WorkerID = strings.TrimSpace(criteria.WorkerID)
	if criteria.WorkerID == "" {
		return nil, domain.ErrMissingWorker
	}
	if criteria.Now.IsZero() {
		criteria.Now = s.now()
	}

	candidates, err := s.store.ListAssignableTasks(ctx, criteria.Now, config.SweepBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list assignable tasks: %w", err)
	}

	for _, c := range candidates {
		if !criteria.Matches(c) {
			continue
		}
		var task *domain.Task
		var assigned bool
		err := s.withTaskLock(ctx, c.ID, func() error {
			var err error
			task, assigned, err = s.machine.Assign(ctx, c.ID, criteria)
			return err
		})
		if err != nil {
			return nil, err
		}
		if assigned {
			slog.Info("slot assigned", "task_id", task.ID, "worker_id", criteria.WorkerID, "assigned_slots", task.AssignedSlots)
			return task, nil
		}
	}
	return nil, nil
}

func (s *SettlementService) StartWork(ctx context.Context, taskID uuid.UUID, workerID string) (*domain.Slot, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, domain.ErrMissingWorker
	}
	var slot *domain.Slot
	err := s.withTaskLock(ctx, taskID, func() error {
		var err error
		slot, err = s.machine.Start(ctx, taskID, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return slot, nil
}

func (s *SettlementService) SubmitWork(ctx context.Context, taskID uuid.UUID, workerID, content string) (*domain.Submission, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, domain.ErrMissingWorker
	}
	if strings.TrimSpace(content) == "" {
		return nil, domain.ErrEmptySubmission
	}
	var sub *domain.Submission
	err := s.withTaskLock(ctx, taskID, func() error {
		var err error
		sub, err = s.machine.Submit(ctx, taskID, workerID, content)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Evaluate records one evaluator's vote. The vote that completes the
// required count settles the submission and the settled result is
// returned; earlier votes return the interim consensus. Voting on a
// settled submission returns the stored result with a
// *domain.FinalizedError.
func (s *SettlementService) Evaluate(ctx context.Context, submissionID uuid.UUID, evaluatorID string, isCorrect bool) (domain.ConsensusResult, error) {
	evaluatorID = strings.TrimSpace(evaluatorID)
	if evaluatorID == "" {
		return domain.ConsensusResult{}, domain.ErrInvalidEvaluation
	}
	sub, err := loadSubmission(ctx, s.store, submissionID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}

	var result domain.ConsensusResult
	err = s.withTaskLock(ctx, sub.TaskID, func() error {
		sub, err := loadSubmission(ctx, s.store, submissionID)
		if err != nil {
			return err
		}
		if sub.IsFinalized() {
			result = *sub.Result
			return &domain.FinalizedError{SubmissionID: sub.ID.String(), Result: result}
		}
		if sub.WorkerID == evaluatorID {
			return domain.ErrSelfEvaluation
		}

		evals, err := s.store.ListEvaluations(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("list evaluations: %w", err)
		}
		if len(evals) >= s.votesToSettle() {
			return domain.ErrVotingClosed
		}

		rep, err := s.reputation.Get(ctx, evaluatorID)
		if err != nil {
			return err
		}
		eval := domain.Evaluation{
			ID:                  uuid.New(),
			SubmissionID:        sub.ID,
			EvaluatorID:         evaluatorID,
			IsCorrect:           isCorrect,
			EvaluatorReputation: rep.Score,
			CreatedAt:           s.now(),
		}
		if err := s.store.CreateEvaluation(ctx, &eval); err != nil {
			if errors.Is(err, domain.ErrInvalidState) {
				return err
			}
			return fmt.Errorf("create evaluation: %w", err)
		}
		metrics.EvaluationsTotal.WithLabelValues(voteLabel(isCorrect)).Inc()

		evals = append(evals, eval)
		if len(evals) < s.votesToSettle() {
			result = s.consensus.Evaluate(evals)
			return nil
		}
		result, err = s.machine.Finalize(ctx, sub.ID)
		return err
	})
	return result, err
}

func voteLabel(isCorrect bool) string {
	if isCorrect {
		return "correct"
	}
	return "incorrect"
}

// Settle retries the settlement of a submission whose voting is complete,
// typically after the ledger failed during Evaluate.
func (s *SettlementService) Settle(ctx context.Context, submissionID uuid.UUID) (domain.ConsensusResult, error) {
	sub, err := loadSubmission(ctx, s.store, submissionID)
	if err != nil {
		return domain.ConsensusResult{}, err
	}

	var result domain.ConsensusResult
	err = s.withTaskLock(ctx, sub.TaskID, func() error {
		evals, err := s.store.ListEvaluations(ctx, sub.ID)
		if err != nil {
			return fmt.Errorf("list evaluations: %w", err)
		}
		if !sub.IsFinalized() && len(evals) < s.votesToSettle() {
			return domain.ErrConsensusNotReady
		}
		result, err = s.machine.Finalize(ctx, sub.ID)
		return err
	})
	return result, err
}

// ExpireDeadline applies the deadline-expired transition to one task.
func (s *SettlementService) ExpireDeadline(ctx context.Context, taskID uuid.UUID, now time.Time) (*domain.Task, error) {
	var task *domain.Task
	err := s.withTaskLock(ctx, taskID, func() error {
		var err error
		task, err = s.machine.Expire(ctx, taskID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// SweepReport summarizes one pass over overdue tasks.
type SweepReport struct {
	Examined int
	Closed   int
	Pending  int
	Stuck    int
	Failed   int
}

// SweepExpired expires every overdue open task. A failure on one task is
// logged and does not stop the sweep.
func (s *SettlementService) SweepExpired(ctx context.Context, now time.Time) (SweepReport, error) {
	var report SweepReport
	tasks, err := s.store.ListExpiredTasks(ctx, now, config.SweepBatchSize)
	if err != nil {
		return report, fmt.Errorf("list expired tasks: %w", err)
	}

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++

		task, err := s.ExpireDeadline(ctx, t.ID, now)
		switch {
		case err == nil && task.Status.IsTerminal():
			report.Closed++
			metrics.SweepTasksTotal.WithLabelValues("closed").Inc()
		case err == nil:
			report.Pending++
			metrics.SweepTasksTotal.WithLabelValues("pending").Inc()
		case errors.Is(err, domain.ErrInvalidState):
			report.Stuck++
			metrics.SweepTasksTotal.WithLabelValues("stuck").Inc()
			slog.Warn("overdue task needs operator attention", "task_id", t.ID, "status", t.Status, "error", err)
		default:
			report.Failed++
			metrics.SweepTasksTotal.WithLabelValues("failed").Inc()
			slog.Error("expire task", "task_id", t.ID, "error", err)
		}
	}
	return report, nil
}

// Cancel withdraws a task that no worker has started, refunding it when
// it was funded.
func (s *SettlementService) Cancel(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	var task *domain.Task
	err := s.withTaskLock(ctx, taskID, func() error {
		current, err := loadTask(ctx, s.store, taskID)
		if err != nil {
			return err
		}
		task, err = s.machine.refundAndClose(ctx, current, domain.EventCancel)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SettlementService) GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error) {
	return loadTask(ctx, s.store, taskID)
}

func (s *SettlementService) GetSubmission(ctx context.Context, submissionID uuid.UUID) (*domain.Submission, error) {
	return loadSubmission(ctx, s.store, submissionID)
}

// GetEscrow returns the task's escrow, or nil when the task was never funded.
func (s *SettlementService) GetEscrow(ctx context.Context, taskID uuid.UUID) (*domain.Escrow, error) {
	if _, err := loadTask(ctx, s.store, taskID); err != nil {
		return nil, err
	}
	escrow, found, err := s.store.GetEscrow(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get escrow: %w", err)
	}
	if !found {
		return nil, nil
	}
	return escrow, nil
}

func (s *SettlementService) ListSubmissions(ctx context.Context, taskID uuid.UUID) ([]*domain.Submission, error) {
	if _, err := loadTask(ctx, s.store, taskID); err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubmissions(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	return subs, nil
}

func (s *SettlementService) ListSlots(ctx context.Context, taskID uuid.UUID) ([]*domain.Slot, error) {
	if _, err := loadTask(ctx, s.store, taskID); err != nil {
		return nil, err
	}
	slots, err := s.store.ListSlots(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	return slots, nil
}

func (s *SettlementService) GetReputation(ctx context.Context, identityID string) (domain.Reputation, error) {
	return s.reputation.Get(ctx, identityID)
}
