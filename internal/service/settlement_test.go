package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/consensus"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/set-night/taskescrow/internal/ledger"
	"github.com/set-night/taskescrow/internal/repository"
	"github.com/set-night/taskescrow/internal/retry"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store   *repository.Memory
	ledger  *ledger.Memory
	machine *TaskMachine
	svc     *SettlementService
	now     time.Time
}

func testRetry() *retry.Config {
	return &retry.Config{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2,
	}
}

func newFixture(t *testing.T, settings Settings) *fixture {
	t.Helper()
	if settings.FeeRate.IsZero() {
		settings.FeeRate = decimal.RequireFromString("0.15")
	}
	f := &fixture{
		store:  repository.NewMemory(),
		ledger: ledger.NewMemory(),
		now:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	rep := NewReputationService(f.store, DefaultReputationDeltas())
	f.machine = NewTaskMachine(f.store, f.ledger, rep, consensus.Default(), testRetry(), nil)
	f.svc = NewSettlementService(f.store, f.machine, rep, settings)

	clock := func() time.Time { return f.now }
	f.machine.now = clock
	f.svc.now = clock
	return f
}

func (f *fixture) spec(numWorkers int) domain.TaskSpec {
	return domain.TaskSpec{
		ClientID:        "client-1",
		Category:        "transcription",
		Instructions:    "transcribe the attached clip",
		PayoutPerWorker: decimal.NewFromInt(10),
		NumWorkers:      numWorkers,
		Deadline:        f.now.Add(time.Hour),
	}
}

func (f *fixture) fundedTask(t *testing.T, numWorkers int) *domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.svc.CreateTask(ctx, f.spec(numWorkers))
	require.NoError(t, err)
	task, err = f.svc.FundAndPublish(ctx, task.ID)
	require.NoError(t, err)
	return task
}

func (f *fixture) submitted(t *testing.T, task *domain.Task, worker string) *domain.Submission {
	t.Helper()
	ctx := context.Background()
	assigned, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: worker})
	require.NoError(t, err)
	require.NotNil(t, assigned)
	require.Equal(t, task.ID, assigned.ID)

	_, err = f.svc.StartWork(ctx, task.ID, worker)
	require.NoError(t, err)
	sub, err := f.svc.SubmitWork(ctx, task.ID, worker, "result of "+worker)
	require.NoError(t, err)
	return sub
}

func (f *fixture) vote(t *testing.T, sub *domain.Submission, votes map[string]bool, order []string) domain.ConsensusResult {
	t.Helper()
	var result domain.ConsensusResult
	for _, evaluator := range order {
		var err error
		result, err = f.svc.Evaluate(context.Background(), sub.ID, evaluator, votes[evaluator])
		require.NoError(t, err)
	}
	return result
}

func (f *fixture) score(t *testing.T, id string) string {
	t.Helper()
	rep, err := f.svc.GetReputation(context.Background(), id)
	require.NoError(t, err)
	return rep.Score.String()
}

func TestCreateTask(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	spec := f.spec(3)
	spec.PayoutPerWorker = decimal.RequireFromString("12.50")
	task, err := f.svc.CreateTask(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDraft, task.Status)
	assert.Equal(t, "43.125", task.TotalPayout.String())

	spec.NumWorkers = 0
	_, err = f.svc.CreateTask(ctx, spec)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.EqualError(t, err, "Invalid task data")
}

func TestCreateTask_FeeRateIsInjected(t *testing.T) {
	f := newFixture(t, Settings{FeeRate: decimal.RequireFromString("0.05")})

	task, err := f.svc.CreateTask(context.Background(), f.spec(2))
	require.NoError(t, err)
	assert.Equal(t, "21", task.TotalPayout.String())
}

func TestFundAndPublish(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	task := f.fundedTask(t, 1)
	assert.Equal(t, domain.TaskStatusFunded, task.Status)

	escrow, err := f.svc.GetEscrow(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, escrow)
	assert.True(t, escrow.AmountHeld.Equal(task.TotalPayout))
	assert.True(t, escrow.IsOpen())
	assert.True(t, f.ledger.Held(task.ID).Equal(task.TotalPayout))

	_, err = f.svc.FundAndPublish(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.EqualError(t, err, "Task is not in DRAFT status and cannot be funded.")
	assert.Equal(t, 1, f.ledger.Calls(domain.LedgerOpFund))
}

func TestFundAndPublish_NotFound(t *testing.T) {
	f := newFixture(t, Settings{})

	_, err := f.svc.FundAndPublish(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.EqualError(t, err, "Task not found.")
}

func TestFundAndPublish_LedgerFailureLeavesDraft(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, f.spec(1))
	require.NoError(t, err)

	f.ledger.FailNext(domain.LedgerOpFund, &ledger.PermanentError{Err: errors.New("account frozen")})
	_, err = f.svc.FundAndPublish(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrLedger)
	assert.Equal(t, 1, f.ledger.Calls(domain.LedgerOpFund), "permanent failures are not retried")

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDraft, got.Status)

	escrow, err := f.svc.GetEscrow(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, escrow)
}

func TestFundAndPublish_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, f.spec(1))
	require.NoError(t, err)

	f.ledger.FailNext(domain.LedgerOpFund, errors.New("timeout"))
	task, err = f.svc.FundAndPublish(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFunded, task.Status)
	assert.Equal(t, 2, f.ledger.Calls(domain.LedgerOpFund))
}

func TestFundAndPublish_RetriesAreBounded(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, f.spec(1))
	require.NoError(t, err)

	transient := errors.New("custodian unavailable")
	f.ledger.FailNext(domain.LedgerOpFund, transient, transient, transient, transient)
	_, err = f.svc.FundAndPublish(ctx, task.ID)
	assert.ErrorIs(t, err, domain.ErrLedger)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, f.ledger.Calls(domain.LedgerOpFund))

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDraft, got.Status)
}

func TestFundAndPublish_ConcurrentCallsFundOnce(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	task, err := f.svc.CreateTask(ctx, f.spec(1))
	require.NoError(t, err)
	f.ledger.SetDelay(20 * time.Millisecond)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.FundAndPublish(ctx, task.ID)
		}(i)
	}
	wg.Wait()

	succeeded, invalid := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, domain.ErrInvalidState):
			invalid++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, invalid)
	assert.Equal(t, 1, f.ledger.Calls(domain.LedgerOpFund))
}

func TestAssignNext(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	none, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Nil(t, none)

	_, err = f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: " "})
	assert.ErrorIs(t, err, domain.ErrValidation)

	task := f.fundedTask(t, 2)

	got, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w1", Categories: []string{"translation"}})
	require.NoError(t, err)
	assert.Nil(t, got, "category filter excludes the task")

	got, err = f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.TaskStatusAssigned, got.Status)
	assert.Equal(t, 1, got.AssignedSlots)

	again, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Nil(t, again, "a worker holds at most one slot per task")

	got, err = f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w2"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.AssignedSlots)

	full, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w3"})
	require.NoError(t, err)
	assert.Nil(t, full)

	slots, err := f.svc.ListSlots(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, slots, 2)
}

func TestAssignNext_SkipsDraftAndExpired(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	_, err := f.svc.CreateTask(ctx, f.spec(1))
	require.NoError(t, err)
	f.fundedTask(t, 1)

	f.now = f.now.Add(2 * time.Hour)
	got, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w1"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStartAndSubmit(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 1)

	_, err := f.svc.StartWork(ctx, task.ID, "w1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "worker holds no slot yet")

	_, err = f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w1"})
	require.NoError(t, err)

	_, err = f.svc.SubmitWork(ctx, task.ID, "w1", "   ")
	assert.ErrorIs(t, err, domain.ErrValidation)

	sub, err := f.svc.SubmitWork(ctx, task.ID, "w1", "done")
	require.NoError(t, err, "an assigned slot is started on submit")
	assert.Equal(t, domain.SubmissionStatusSubmitted, sub.Status)

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSubmitted, got.Status)

	_, err = f.svc.SubmitWork(ctx, task.ID, "w1", "again")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestSubmitAfterDeadline(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 1)

	_, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w1"})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.svc.SubmitWork(ctx, task.ID, "w1", "late")
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestEvaluate_ApproveSettlesOnce(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 1)
	sub := f.submitted(t, task, "w1")

	interim, err := f.svc.Evaluate(ctx, sub.ID, "e1", true)
	require.NoError(t, err)
	assert.False(t, interim.Approved)
	assert.Equal(t, "Insufficient evaluations (minimum 3 required)", interim.Reason)

	result := f.vote(t, sub, map[string]bool{"e2": true, "e3": true}, []string{"e2", "e3"})
	assert.True(t, result.Approved)
	assert.Equal(t, "100", result.ConsensusRatio.String())

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusApproved, got.Status)
	assert.Equal(t, 1, got.SettledSlots)

	escrow, err := f.svc.GetEscrow(ctx, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, escrow.ReleasedAt)
	assert.Nil(t, escrow.RefundedAt)
	assert.True(t, f.ledger.Paid("w1").Equal(decimal.NewFromInt(10)))

	assert.Equal(t, "2", f.score(t, "w1"))
	assert.Equal(t, "1.1", f.score(t, "e1"))

	replay, err := f.svc.Evaluate(ctx, sub.ID, "e4", false)
	var finalized *domain.FinalizedError
	require.ErrorAs(t, err, &finalized)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.True(t, replay.Approved)
	assert.Equal(t, 1, f.ledger.Calls(domain.LedgerOpRelease))
	assert.Equal(t, "1", f.score(t, "e4"), "a rejected vote changes nothing")

	settled, err := f.svc.Settle(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.True(t, settled.Approved)
	assert.Equal(t, 1, f.ledger.Calls(domain.LedgerOpRelease))
}

func TestEvaluate_ConcurrentVotesSettleOnce(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 1)
	sub := f.submitted(t, task, "w1")
	f.ledger.SetDelay(5 * time.Millisecond)

	const voters = 8
	results := make([]domain.ConsensusResult, voters)
	errs := make([]error, voters)
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Evaluate(ctx, sub.ID, fmt.Sprintf("e%d", i), true)
		}(i)
	}
	wg.Wait()

	accepted, approved := 0, 0
	for i, err := range errs {
		if err == nil {
			accepted++
			if results[i].Approved {
				approved++
			}
			continue
		}
		var finalized *domain.FinalizedError
		if !errors.As(err, &finalized) {
			assert.ErrorIs(t, err, domain.ErrVotingClosed)
		}
	}
	assert.Equal(t, 3, accepted)
	assert.Equal(t, 1, approved, "only the settling vote sees the final result")
	assert.Equal(t, 1, f.ledger.Calls(domain.LedgerOpRelease))
	assert.Zero(t, f.ledger.Calls(domain.LedgerOpRefund))

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusApproved, got.Status)
	assert.Equal(t, 1, got.SettledSlots)
	assert.Equal(t, "2", f.score(t, "w1"))
}

func TestEvaluate_RejectRefunds(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 1)
	sub := f.submitted(t, task, "w1")

	result := f.vote(t, sub,
		map[string]bool{"e1": true, "e2": false, "e3": false},
		[]string{"e1", "e2", "e3"},
	)
	assert.False(t, result.Approved)
	assert.Equal(t, "33.33", result.ConsensusRatio.String())

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRejected, got.Status)

	escrow, err := f.svc.GetEscrow(ctx, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, escrow.RefundedAt)
	assert.True(t, f.ledger.Refunded(task.ID).Equal(task.TotalPayout))
	assert.Equal(t, 0, f.ledger.Calls(domain.LedgerOpRelease))

	stored, err := f.svc.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionStatusRejected, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, domain.ReasonThresholdNotMet, stored.Result.Reason)

	assert.Equal(t, "0", f.score(t, "w1"))
	assert.Equal(t, "0.9", f.score(t, "e1"))
	assert.Equal(t, "1.1", f.score(t, "e2"))
}

func TestEvaluate_CapturesReputation(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	_, err := f.store.AdjustReputation(ctx, "heavy", decimal.NewFromInt(9), f.now)
	require.NoError(t, err)

	task := f.fundedTask(t, 1)
	sub := f.submitted(t, task, "w1")

	result := f.vote(t, sub,
		map[string]bool{"heavy": true, "e2": false, "e3": false},
		[]string{"heavy", "e2", "e3"},
	)
	assert.True(t, result.Approved)
	assert.Equal(t, "83.33", result.ConsensusRatio.String())
}

func TestEvaluate_InvalidVotes(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 1)
	sub := f.submitted(t, task, "w1")

	_, err := f.svc.Evaluate(ctx, sub.ID, "", true)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.svc.Evaluate(ctx, uuid.New(), "e1", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Evaluate(ctx, sub.ID, "w1", true)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.svc.Evaluate(ctx, sub.ID, "e1", true)
	require.NoError(t, err)
	_, err = f.svc.Evaluate(ctx, sub.ID, "e1", false)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.svc.Settle(ctx, sub.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestEvaluate_LedgerFailureLeavesSubmitted(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 1)
	sub := f.submitted(t, task, "w1")

	f.vote(t, sub, map[string]bool{"e1": true, "e2": true}, []string{"e1", "e2"})

	f.ledger.FailNext(domain.LedgerOpRelease, &ledger.PermanentError{Err: errors.New("recipient blocked")})
	_, err := f.svc.Evaluate(ctx, sub.ID, "e3", true)
	assert.ErrorIs(t, err, domain.ErrLedger)

	stored, err := f.svc.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SubmissionStatusSubmitted, stored.Status)
	assert.Nil(t, stored.Result)

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSubmitted, got.Status)

	for _, id := range []string{"w1", "e1", "e2", "e3"} {
		_, found, err := f.store.GetReputation(ctx, id)
		require.NoError(t, err)
		assert.False(t, found, "reputation of %s must not change before the ledger confirms", id)
	}

	_, err = f.svc.Evaluate(ctx, sub.ID, "e4", true)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "voting is closed once the required count is reached")

	result, err := f.svc.Settle(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, result.Approved)

	got, err = f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusApproved, got.Status)
	assert.Equal(t, "2", f.score(t, "w1"))
}

func TestEvaluate_RefundFailureDoesNotRepeatPayout(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 2)

	subs := []*domain.Submission{f.submitted(t, task, "w1"), f.submitted(t, task, "w2")}
	f.vote(t, subs[0], map[string]bool{"e1": true, "e2": true, "e3": true}, []string{"e1", "e2", "e3"})

	f.ledger.FailNext(domain.LedgerOpRefund, &ledger.PermanentError{Err: errors.New("escrow locked")})
	f.vote(t, subs[1], map[string]bool{"e1": false, "e2": false}, []string{"e1", "e2"})
	_, err := f.svc.Evaluate(ctx, subs[1].ID, "e3", false)
	assert.ErrorIs(t, err, domain.ErrLedger)

	result, err := f.svc.Settle(ctx, subs[1].ID)
	require.NoError(t, err)
	assert.False(t, result.Approved)
	assert.Equal(t, 1, f.ledger.Calls(domain.LedgerOpRelease))
	assert.Equal(t, 2, f.ledger.Calls(domain.LedgerOpRefund))
}

func TestEvaluate_MultiSlotMixedOutcome(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 2)
	assert.Equal(t, "23", task.TotalPayout.String())

	sub1 := f.submitted(t, task, "w1")
	sub2 := f.submitted(t, task, "w2")

	f.vote(t, sub1, map[string]bool{"e1": true, "e2": true, "e3": true}, []string{"e1", "e2", "e3"})

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusSubmitted, got.Status, "one slot is still pending")
	assert.Equal(t, 1, got.SettledSlots)

	f.vote(t, sub2, map[string]bool{"e1": false, "e2": false, "e3": false}, []string{"e1", "e2", "e3"})

	got, err = f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusApproved, got.Status)
	assert.Equal(t, 2, got.SettledSlots)

	assert.True(t, f.ledger.Paid("w1").Equal(decimal.NewFromInt(10)))
	assert.True(t, f.ledger.Paid("w2").IsZero())
	assert.True(t, f.ledger.Refunded(task.ID).Equal(decimal.NewFromInt(13)))

	escrow, err := f.svc.GetEscrow(ctx, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, escrow.ReleasedAt)
	assert.Nil(t, escrow.RefundedAt)

	subs, err := f.svc.ListSubmissions(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestEvaluate_MaxEvaluatorsClosesVotingEarly(t *testing.T) {
	f := newFixture(t, Settings{MaxEvaluators: 2})
	ctx := context.Background()
	task := f.fundedTask(t, 1)
	sub := f.submitted(t, task, "w1")

	result := f.vote(t, sub, map[string]bool{"e1": true, "e2": true}, []string{"e1", "e2"})
	assert.False(t, result.Approved, "the three-vote floor still applies")
	assert.Equal(t, "Insufficient evaluations (minimum 3 required)", result.Reason)

	got, err := f.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRejected, got.Status)
}

func TestExpireDeadline(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()
	task := f.fundedTask(t, 2)
	_, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w1"})
	require.NoError(t, err)

	_, err = f.svc.ExpireDeadline(ctx, task.ID, f.now)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	f.now = f.now.Add(2 * time.Hour)
	got, err := f.svc.ExpireDeadline(ctx, task.ID, f.now)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRefunded, got.Status)
	assert.True(t, f.ledger.Refunded(task.ID).Equal(task.TotalPayout))

	slots, err := f.svc.ListSlots(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, domain.SlotStatusAbandoned, slots[0].Status)

	escrow, err := f.svc.GetEscrow(ctx, task.ID)
	require.NoError(t, err)
	assert.NotNil(t, escrow.RefundedAt)

	_, err = f.svc.ExpireDeadline(ctx, task.ID, f.now)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
	assert.Equal(t, 1, f.ledger.Calls(domain.LedgerOpRefund))
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	withPending := f.fundedTask(t, 2)
	f.submitted(t, withPending, "w1")
	_, err := f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w2"})
	require.NoError(t, err)

	stuck := f.fundedTask(t, 1)
	_, err = f.svc.AssignNext(ctx, domain.AssignCriteria{WorkerID: "w3"})
	require.NoError(t, err)
	_, err = f.svc.StartWork(ctx, stuck.ID, "w3")
	require.NoError(t, err)

	funded := f.fundedTask(t, 1)

	f.now = f.now.Add(2 * time.Hour)
	report, err := f.svc.SweepExpired(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Examined: 3, Closed: 1, Pending: 1, Stuck: 1}, report)

	got, err := f.svc.GetTask(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRefunded, got.Status)

	slot, found, err := f.store.GetSlotByWorker(ctx, withPending.ID, "w2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.SlotStatusAbandoned, slot.Status)

	subs, err := f.svc.ListSubmissions(ctx, withPending.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	result := f.vote(t, subs[0], map[string]bool{"e1": true, "e2": true, "e3": true}, []string{"e1", "e2", "e3"})
	assert.True(t, result.Approved)

	got, err = f.svc.GetTask(ctx, withPending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusApproved, got.Status, "last pending submission closes the overdue task")
	assert.True(t, f.ledger.Refunded(withPending.ID).Equal(decimal.NewFromInt(13)))
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Settings{})
	ctx := context.Background()

	draft, err := f.svc.CreateTask(ctx, f.spec(1))
	require.NoError(t, err)
	got, err := f.svc.Cancel(ctx, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	assert.Equal(t, 0, f.ledger.Calls(domain.LedgerOpRefund))

	funded := f.fundedTask(t, 1)
	got, err = f.svc.Cancel(ctx, funded.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, got.Status)
	assert.True(t, f.ledger.Refunded(funded.ID).Equal(funded.TotalPayout))

	submitted := f.fundedTask(t, 1)
	f.submitted(t, submitted, "w1")
	_, err = f.svc.Cancel(ctx, submitted.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)

	_, err = f.svc.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
