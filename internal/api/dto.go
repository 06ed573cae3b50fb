package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/shopspring/decimal"
)

type createTaskRequest struct {
	ClientID        string          `json:"client_id"`
	Category        string          `json:"category"`
	Instructions    string          `json:"instructions"`
	PayoutPerWorker decimal.Decimal `json:"payout_per_worker"`
	NumWorkers      int             `json:"num_workers"`
	Deadline        time.Time       `json:"deadline"`
}

func (r createTaskRequest) spec() domain.TaskSpec {
	return domain.TaskSpec{
		ClientID:        r.ClientID,
		Category:        r.Category,
		Instructions:    r.Instructions,
		PayoutPerWorker: r.PayoutPerWorker,
		NumWorkers:      r.NumWorkers,
		Deadline:        r.Deadline,
	}
}

type assignRequest struct {
	WorkerID   string          `json:"worker_id"`
	Categories []string        `json:"categories"`
	MinPayout  decimal.Decimal `json:"min_payout"`
}

type workerRequest struct {
	WorkerID string `json:"worker_id"`
}

type submitRequest struct {
	WorkerID string `json:"worker_id"`
	Content  string `json:"content"`
}

type evaluationRequest struct {
	EvaluatorID string `json:"evaluator_id"`
	IsCorrect   *bool  `json:"is_correct"`
}

type escrowResponse struct {
	AmountHeld decimal.Decimal `json:"amount_held"`
	LedgerRef  string          `json:"ledger_ref"`
	FundedAt   time.Time       `json:"funded_at"`
	ReleasedAt *time.Time      `json:"released_at,omitempty"`
	RefundedAt *time.Time      `json:"refunded_at,omitempty"`
}

type taskResponse struct {
	ID              uuid.UUID       `json:"id"`
	ClientID        string          `json:"client_id"`
	Category        string          `json:"category"`
	Instructions    string          `json:"instructions"`
	PayoutPerWorker decimal.Decimal `json:"payout_per_worker"`
	NumWorkers      int             `json:"num_workers"`
	PlatformFeeRate decimal.Decimal `json:"platform_fee_rate"`
	PlatformFee     decimal.Decimal `json:"platform_fee"`
	TotalPayout     decimal.Decimal `json:"total_payout"`
	Deadline        time.Time       `json:"deadline"`
	Status          string          `json:"status"`
	AssignedSlots   int             `json:"assigned_slots"`
	SettledSlots    int             `json:"settled_slots"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Escrow          *escrowResponse `json:"escrow,omitempty"`
	Slots           []slotResponse  `json:"slots,omitempty"`
}

func newTaskResponse(t *domain.Task, e *domain.Escrow) taskResponse {
	resp := taskResponse{
		ID:              t.ID,
		ClientID:        t.ClientID,
		Category:        t.Category,
		Instructions:    t.Instructions,
		PayoutPerWorker: t.PayoutPerWorker,
		NumWorkers:      t.NumWorkers,
		PlatformFeeRate: t.PlatformFeeRate,
		PlatformFee:     t.PlatformFee,
		TotalPayout:     t.TotalPayout,
		Deadline:        t.Deadline,
		Status:          string(t.Status),
		AssignedSlots:   t.AssignedSlots,
		SettledSlots:    t.SettledSlots,
		CreatedAt:       t.CreatedAt,
		UpdatedAt:       t.UpdatedAt,
	}
	if e != nil {
		resp.Escrow = &escrowResponse{
			AmountHeld: e.AmountHeld,
			LedgerRef:  e.LedgerRef,
			FundedAt:   e.FundedAt,
			ReleasedAt: e.ReleasedAt,
			RefundedAt: e.RefundedAt,
		}
	}
	return resp
}

type slotResponse struct {
	ID         uuid.UUID `json:"id"`
	TaskID     uuid.UUID `json:"task_id"`
	WorkerID   string    `json:"worker_id"`
	Status     string    `json:"status"`
	AssignedAt time.Time `json:"assigned_at"`
}

func newSlotResponse(s *domain.Slot) slotResponse {
	return slotResponse{
		ID:         s.ID,
		TaskID:     s.TaskID,
		WorkerID:   s.WorkerID,
		Status:     string(s.Status),
		AssignedAt: s.AssignedAt,
	}
}

type resultResponse struct {
	Approved         bool            `json:"approved"`
	ConsensusRatio   decimal.Decimal `json:"consensus_ratio"`
	TotalEvaluators  int             `json:"total_evaluators"`
	TotalWeight      decimal.Decimal `json:"total_weight"`
	CorrectWeight    decimal.Decimal `json:"correct_weight"`
	ThresholdPercent decimal.Decimal `json:"threshold_percent"`
	Reason           string          `json:"reason"`
}

func newResultResponse(r domain.ConsensusResult) *resultResponse {
	return &resultResponse{
		Approved:         r.Approved,
		ConsensusRatio:   r.ConsensusRatio,
		TotalEvaluators:  r.TotalEvaluators,
		TotalWeight:      r.TotalWeight,
		CorrectWeight:    r.CorrectWeight,
		ThresholdPercent: r.ThresholdPercent,
		Reason:           r.Reason,
	}
}

type submissionResponse struct {
	ID          uuid.UUID       `json:"id"`
	TaskID      uuid.UUID       `json:"task_id"`
	SlotID      uuid.UUID       `json:"slot_id"`
	WorkerID    string          `json:"worker_id"`
	Content     string          `json:"content"`
	Status      string          `json:"status"`
	SubmittedAt time.Time       `json:"submitted_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty"`
	Result      *resultResponse `json:"result,omitempty"`
}

func newSubmissionResponse(s *domain.Submission) submissionResponse {
	resp := submissionResponse{
		ID:          s.ID,
		TaskID:      s.TaskID,
		SlotID:      s.SlotID,
		WorkerID:    s.WorkerID,
		Content:     s.Content,
		Status:      string(s.Status),
		SubmittedAt: s.SubmittedAt,
		SettledAt:   s.SettledAt,
	}
	if s.Result != nil {
		resp.Result = newResultResponse(*s.Result)
	}
	return resp
}

type reputationResponse struct {
	IdentityID string          `json:"identity_id"`
	Score      decimal.Decimal `json:"score"`
	UpdatedAt  *time.Time      `json:"updated_at,omitempty"`
}

func newReputationResponse(r domain.Reputation) reputationResponse {
	resp := reputationResponse{IdentityID: r.IdentityID, Score: r.Score}
	if !r.UpdatedAt.IsZero() {
		resp.UpdatedAt = &r.UpdatedAt
	}
	return resp
}

type evaluationResponse struct {
	SubmissionID uuid.UUID       `json:"submission_id"`
	Status       string          `json:"status"`
	Settled      bool            `json:"settled"`
	Result       *resultResponse `json:"result"`
}

type errorResponse struct {
	Error  string          `json:"error"`
	Result *resultResponse `json:"result,omitempty"`
}
