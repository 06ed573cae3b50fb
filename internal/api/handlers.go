package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/set-night/taskescrow/internal/domain"
)

// Settlement is the part of service.SettlementService the API exposes.
type Settlement interface {
	CreateTask(ctx context.Context, spec domain.TaskSpec) (*domain.Task, error)
	FundAndPublish(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)
	AssignNext(ctx context.Context, criteria domain.AssignCriteria) (*domain.Task, error)
	StartWork(ctx context.Context, taskID uuid.UUID, workerID string) (*domain.Slot, error)
	SubmitWork(ctx context.Context, taskID uuid.UUID, workerID, content string) (*domain.Submission, error)
	Evaluate(ctx context.Context, submissionID uuid.UUID, evaluatorID string, isCorrect bool) (domain.ConsensusResult, error)
	Settle(ctx context.Context, submissionID uuid.UUID) (domain.ConsensusResult, error)
	ExpireDeadline(ctx context.Context, taskID uuid.UUID, now time.Time) (*domain.Task, error)
	Cancel(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)
	GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)
	GetEscrow(ctx context.Context, taskID uuid.UUID) (*domain.Escrow, error)
	GetSubmission(ctx context.Context, submissionID uuid.UUID) (*domain.Submission, error)
	ListSubmissions(ctx context.Context, taskID uuid.UUID) ([]*domain.Submission, error)
	ListSlots(ctx context.Context, taskID uuid.UUID) ([]*domain.Slot, error)
	GetReputation(ctx context.Context, identityID string) (domain.Reputation, error)
}

type Handler struct {
	settlement Settlement
	// now is the clock deadlines are checked against; callers cannot supply it.
	now func() time.Time
}

func NewHandler(settlement Settlement) *Handler {
	return &Handler{
		settlement: settlement,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		badRequest(w, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := h.settlement.CreateTask(r.Context(), req.spec())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTaskResponse(task, nil))
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	h.writeTask(w, r, id, http.StatusOK)
}

// writeTask renders the task with its escrow and slots.
func (h *Handler) writeTask(w http.ResponseWriter, r *http.Request, id uuid.UUID, status int) {
	ctx := r.Context()
	task, err := h.settlement.GetTask(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	escrow, err := h.settlement.GetEscrow(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slots, err := h.settlement.ListSlots(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := newTaskResponse(task, escrow)
	for _, s := range slots {
		resp.Slots = append(resp.Slots, newSlotResponse(s))
	}
	writeJSON(w, status, resp)
}

func (h *Handler) FundTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.settlement.FundAndPublish(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeTask(w, r, id, http.StatusOK)
}

func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.settlement.Cancel(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeTask(w, r, id, http.StatusOK)
}

func (h *Handler) ExpireTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.settlement.ExpireDeadline(r.Context(), id, h.now()); err != nil {
		writeError(w, r, err)
		return
	}
	h.writeTask(w, r, id, http.StatusOK)
}

func (h *Handler) AssignNext(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decodeBody(w, r, &req) {
		return
	}
	task, err := h.settlement.AssignNext(r.Context(), domain.AssignCriteria{
		WorkerID:   req.WorkerID,
		Categories: req.Categories,
		MinPayout:  req.MinPayout,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newTaskResponse(task, nil))
}

func (h *Handler) StartWork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req workerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	slot, err := h.settlement.StartWork(r.Context(), id, req.WorkerID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSlotResponse(slot))
}

func (h *Handler) SubmitWork(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sub, err := h.settlement.SubmitWork(r.Context(), id, req.WorkerID, req.Content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSubmissionResponse(sub))
}

func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	subs, err := h.settlement.ListSubmissions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := make([]submissionResponse, 0, len(subs))
	for _, s := range subs {
		resp = append(resp, newSubmissionResponse(s))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	sub, err := h.settlement.GetSubmission(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newSubmissionResponse(sub))
}

func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req evaluationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.IsCorrect == nil {
		writeError(w, r, domain.ErrInvalidEvaluation)
		return
	}
	result, err := h.settlement.Evaluate(r.Context(), id, req.EvaluatorID, *req.IsCorrect)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeEvaluation(w, r, id, result)
}

func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := h.settlement.Settle(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeEvaluation(w, r, id, result)
}

func (h *Handler) writeEvaluation(w http.ResponseWriter, r *http.Request, id uuid.UUID, result domain.ConsensusResult) {
	sub, err := h.settlement.GetSubmission(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evaluationResponse{
		SubmissionID: sub.ID,
		Status:       string(sub.Status),
		Settled:      sub.IsFinalized(),
		Result:       newResultResponse(result),
	})
}

func (h *Handler) GetReputation(w http.ResponseWriter, r *http.Request) {
	identityID := strings.TrimSpace(mux.Vars(r)["id"])
	if identityID == "" {
		badRequest(w, "invalid id")
		return
	}
	rep, err := h.settlement.GetReputation(r.Context(), identityID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReputationResponse(rep))
}
