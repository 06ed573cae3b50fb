package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	pool *pgxpool.Pool
	db   DBTX
	inTx bool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, db: pool}
}

func (p *Postgres) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if p.inTx {
		return fn(p)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&Postgres{pool: p.pool, db: tx, inTx: true}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const taskColumns = `id, client_id, category, instructions, payout_per_worker, num_workers,
	platform_fee_rate, platform_fee, total_payout, deadline, status,
	assigned_slots, settled_slots, created_at, updated_at`

func scanTask(row pgx.Row) (*domain.Task, error) {
	var t domain.Task
	var status string
	err := row.Scan(
		&t.ID, &t.ClientID, &t.Category, &t.Instructions, &t.PayoutPerWorker, &t.NumWorkers,
		&t.PlatformFeeRate, &t.PlatformFee, &t.TotalPayout, &t.Deadline, &status,
		&t.AssignedSlots, &t.SettledSlots, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Status = domain.TaskStatus(status)
	t.Deadline = t.Deadline.UTC()
	return &t, nil
}

func (p *Postgres) CreateTask(ctx context.Context, t *domain.Task) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.ClientID, t.Category, t.Instructions, t.PayoutPerWorker, t.NumWorkers,
		t.PlatformFeeRate, t.PlatformFee, t.TotalPayout, t.Deadline, string(t.Status),
		t.AssignedSlots, t.SettledSlots, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, bool, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	if p.inTx {
		query += ` FOR UPDATE`
	}
	t, err := scanTask(p.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get task: %w", err)
	}
	return t, true, nil
}

func (p *Postgres) UpdateTask(ctx context.Context, t *domain.Task) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE tasks
		SET status = $2, assigned_slots = $3, settled_slots = $4, updated_at = $5
		WHERE id = $1`,
		t.ID, string(t.Status), t.AssignedSlots, t.SettledSlots, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task %s: no rows affected", t.ID)
	}
	return nil
}

func (p *Postgres) listTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (p *Postgres) ListAssignableTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	tasks, err := p.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ($1, $2, $3, $4)
		  AND assigned_slots < num_workers
		  AND deadline > $5
		ORDER BY created_at
		LIMIT $6`,
		string(domain.TaskStatusFunded), string(domain.TaskStatusAssigned),
		string(domain.TaskStatusInProgress), string(domain.TaskStatusSubmitted),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list assignable tasks: %w", err)
	}
	return tasks, nil
}

func (p *Postgres) ListExpiredTasks(ctx context.Context, now time.Time, limit int) ([]*domain.Task, error) {
	tasks, err := p.listTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ($1, $2, $3, $4)
		  AND deadline < $5
		ORDER BY deadline
		LIMIT $6`,
		string(domain.TaskStatusFunded), string(domain.TaskStatusAssigned),
		string(domain.TaskStatusInProgress), string(domain.TaskStatusSubmitted),
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired tasks: %w", err)
	}
	return tasks, nil
}

func (p *Postgres) CreateEscrow(ctx context.Context, e *domain.Escrow) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO escrows (task_id, amount_held, ledger_ref, funded_at)
		VALUES ($1, $2, $3, $4)`,
		e.TaskID, e.AmountHeld, e.LedgerRef, e.FundedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow: %w", err)
	}
	return nil
}

func (p *Postgres) GetEscrow(ctx context.Context, taskID uuid.UUID) (*domain.Escrow, bool, error) {
	var e domain.Escrow
	var released, refunded pgtype.Timestamptz
	err := p.db.QueryRow(ctx, `
		SELECT task_id, amount_held, ledger_ref, funded_at, released_at, refunded_at
		FROM escrows WHERE task_id = $1`, taskID,
	).Scan(&e.TaskID, &e.AmountHeld, &e.LedgerRef, &e.FundedAt, &released, &refunded)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get escrow: %w", err)
	}
	e.ReleasedAt = pgTimestamptzToTimePtr(released)
	e.RefundedAt = pgTimestamptzToTimePtr(refunded)
	return &e, true, nil
}

func (p *Postgres) CloseEscrow(ctx context.Context, taskID uuid.UUID, released bool, at time.Time) error {
	column := "refunded_at"
	if released {
		column = "released_at"
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE escrows SET `+column+` = $2
		WHERE task_id = $1 AND released_at IS NULL AND refunded_at IS NULL`,
		taskID, at,
	)
	if err != nil {
		return fmt.Errorf("close escrow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("close escrow %s: escrow missing or already closed", taskID)
	}
	return nil
}

const slotColumns = `id, task_id, worker_id, status, assigned_at, payout_released_at, updated_at`

func scanSlot(row pgx.Row) (*domain.Slot, error) {
	var s domain.Slot
	var status string
	var released pgtype.Timestamptz
	if err := row.Scan(&s.ID, &s.TaskID, &s.WorkerID, &status, &s.AssignedAt, &released, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Status = domain.SlotStatus(status)
	s.PayoutReleasedAt = pgTimestamptzToTimePtr(released)
	return &s, nil
}

func (p *Postgres) CreateSlot(ctx context.Context, s *domain.Slot) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO slots (`+slotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.TaskID, s.WorkerID, string(s.Status), s.AssignedAt,
		timePtrToPgTimestamptz(s.PayoutReleasedAt), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert slot: %w", err)
	}
	return nil
}

func (p *Postgres) getSlot(ctx context.Context, query string, args ...any) (*domain.Slot, bool, error) {
	s, err := scanSlot(p.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get slot: %w", err)
	}
	return s, true, nil
}

func (p *Postgres) GetSlot(ctx context.Context, id uuid.UUID) (*domain.Slot, bool, error) {
	return p.getSlot(ctx, `SELECT `+slotColumns+` FROM slots WHERE id = $1`, id)
}

func (p *Postgres) GetSlotByWorker(ctx context.Context, taskID uuid.UUID, workerID string) (*domain.Slot, bool, error) {
	return p.getSlot(ctx, `SELECT `+slotColumns+` FROM slots WHERE task_id = $1 AND worker_id = $2`, taskID, workerID)
}

func (p *Postgres) ListSlots(ctx context.Context, taskID uuid.UUID) ([]*domain.Slot, error) {
	rows, err := p.db.Query(ctx, `SELECT `+slotColumns+` FROM slots WHERE task_id = $1 ORDER BY assigned_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []*domain.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func (p *Postgres) UpdateSlot(ctx context.Context, s *domain.Slot) error {
	_, err := p.db.Exec(ctx, `
		UPDATE slots SET status = $2, payout_released_at = $3, updated_at = $4
		WHERE id = $1`,
		s.ID, string(s.Status), timePtrToPgTimestamptz(s.PayoutReleasedAt), s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update slot: %w", err)
	}
	return nil
}

const submissionColumns = `id, task_id, slot_id, worker_id, content, status,
	approved, consensus_ratio, total_evaluators, total_weight, correct_weight,
	threshold_percent, reason, submitted_at, settled_at`

func scanSubmission(row pgx.Row) (*domain.Submission, error) {
	var s domain.Submission
	var status string
	var approved pgtype.Bool
	var evaluators pgtype.Int4
	var reason pgtype.Text
	var ratio, total, correct, threshold decimal.NullDecimal
	var settled pgtype.Timestamptz
	err := row.Scan(
		&s.ID, &s.TaskID, &s.SlotID, &s.WorkerID, &s.Content, &status,
		&approved, &ratio, &evaluators, &total, &correct,
		&threshold, &reason, &s.SubmittedAt, &settled,
	)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SubmissionStatus(status)
	s.SettledAt = pgTimestamptzToTimePtr(settled)
	if approved.Valid {
		s.Result = &domain.ConsensusResult{
			Approved:         approved.Bool,
			ConsensusRatio:   nullDecimal(ratio),
			TotalEvaluators:  int(evaluators.Int32),
			TotalWeight:      nullDecimal(total),
			CorrectWeight:    nullDecimal(correct),
			ThresholdPercent: nullDecimal(threshold),
			Reason:           reason.String,
		}
	}
	return &s, nil
}

func (p *Postgres) CreateSubmission(ctx context.Context, s *domain.Submission) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO submissions (id, task_id, slot_id, worker_id, content, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.TaskID, s.SlotID, s.WorkerID, s.Content, string(s.Status), s.SubmittedAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

func (p *Postgres) GetSubmission(ctx context.Context, id uuid.UUID) (*domain.Submission, bool, error) {
	s, err := scanSubmission(p.db.QueryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get submission: %w", err)
	}
	return s, true, nil
}

func (p *Postgres) ListSubmissions(ctx context.Context, taskID uuid.UUID) ([]*domain.Submission, error) {
	rows, err := p.db.Query(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE task_id = $1 ORDER BY submitted_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()

	var subs []*domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func (p *Postgres) UpdateSubmission(ctx context.Context, s *domain.Submission) error {
	var (
		approved   pgtype.Bool
		evaluators pgtype.Int4
		reason     pgtype.Text
		ratio      decimal.NullDecimal
		total      decimal.NullDecimal
		correct    decimal.NullDecimal
		threshold  decimal.NullDecimal
	)
	if r := s.Result; r != nil {
		approved = pgtype.Bool{Bool: r.Approved, Valid: true}
		evaluators = pgtype.Int4{Int32: int32(r.TotalEvaluators), Valid: true}
		reason = pgtype.Text{String: r.Reason, Valid: true}
		ratio = decimal.NewNullDecimal(r.ConsensusRatio)
		total = decimal.NewNullDecimal(r.TotalWeight)
		correct = decimal.NewNullDecimal(r.CorrectWeight)
		threshold = decimal.NewNullDecimal(r.ThresholdPercent)
	}
	_, err := p.db.Exec(ctx, `
		UPDATE submissions
		SET status = $2, approved = $3, consensus_ratio = $4, total_evaluators = $5,
		    total_weight = $6, correct_weight = $7, threshold_percent = $8, reason = $9,
		    settled_at = $10
		WHERE id = $1`,
		s.ID, string(s.Status), approved, ratio, evaluators,
		total, correct, threshold, reason,
		timePtrToPgTimestamptz(s.SettledAt),
	)
	if err != nil {
		return fmt.Errorf("update submission: %w", err)
	}
	return nil
}

func (p *Postgres) CreateEvaluation(ctx context.Context, e *domain.Evaluation) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO evaluations (id, submission_id, evaluator_id, is_correct, evaluator_reputation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.SubmissionID, e.EvaluatorID, e.IsCorrect, e.EvaluatorReputation, e.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.ErrDuplicateEvaluation
	}
	if err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (p *Postgres) ListEvaluations(ctx context.Context, submissionID uuid.UUID) ([]domain.Evaluation, error) {
	rows, err := p.db.Query(ctx, `
		SELECT id, submission_id, evaluator_id, is_correct, evaluator_reputation, created_at
		FROM evaluations WHERE submission_id = $1 ORDER BY created_at, id`, submissionID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()

	var evals []domain.Evaluation
	for rows.Next() {
		var e domain.Evaluation
		if err := rows.Scan(&e.ID, &e.SubmissionID, &e.EvaluatorID, &e.IsCorrect, &e.EvaluatorReputation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		evals = append(evals, e)
	}
	return evals, rows.Err()
}

func (p *Postgres) RecordLedgerOperation(ctx context.Context, op *domain.LedgerOperation) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO ledger_operations (task_id, op, recipient, amount, reference, confirmed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (task_id, op, recipient) DO NOTHING`,
		op.TaskID, string(op.Op), op.Recipient, op.Amount, op.Reference, op.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("record ledger operation: %w", err)
	}
	return nil
}

func (p *Postgres) GetLedgerOperation(ctx context.Context, taskID uuid.UUID, op domain.LedgerOp, recipient string) (*domain.LedgerOperation, bool, error) {
	var l domain.LedgerOperation
	var opName string
	err := p.db.QueryRow(ctx, `
		SELECT task_id, op, recipient, amount, reference, confirmed_at
		FROM ledger_operations WHERE task_id = $1 AND op = $2 AND recipient = $3`,
		taskID, string(op), recipient,
	).Scan(&l.TaskID, &opName, &l.Recipient, &l.Amount, &l.Reference, &l.ConfirmedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get ledger operation: %w", err)
	}
	l.Op = domain.LedgerOp(opName)
	return &l, true, nil
}

func (p *Postgres) GetReputation(ctx context.Context, identityID string) (*domain.Reputation, bool, error) {
	r := domain.Reputation{IdentityID: identityID}
	err := p.db.QueryRow(ctx, `SELECT score, updated_at FROM reputations WHERE identity_id = $1`, identityID).
		Scan(&r.Score, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get reputation: %w", err)
	}
	return &r, true, nil
}

func (p *Postgres) AdjustReputation(ctx context.Context, identityID string, delta decimal.Decimal, at time.Time) (decimal.Decimal, error) {
	var score decimal.Decimal
	err := p.db.QueryRow(ctx, `
		INSERT INTO reputations (identity_id, score, updated_at)
		VALUES ($1, GREATEST($2::numeric + $3::numeric, 0), $4)
		ON CONFLICT (identity_id) DO UPDATE
		SET score = GREATEST(reputations.score + $3::numeric, 0), updated_at = $4
		RETURNING score`,
		identityID, domain.DefaultReputation, delta, at,
	).Scan(&score)
	if err != nil {
		return decimal.Zero, fmt.Errorf("adjust reputation: %w", err)
	}
	return clampScore(score), nil
}
