package handler

import (
	"context"
	"time"

	"github.com/go-telegram/bot"
	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/config"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/set-night/taskescrow/internal/service"
	"github.com/set-night/taskescrow/internal/telegram"
)

// Operator is the settlement surface exposed to bot operators.
type Operator interface {
	GetTask(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)
	GetEscrow(ctx context.Context, taskID uuid.UUID) (*domain.Escrow, error)
	ListSlots(ctx context.Context, taskID uuid.UUID) ([]*domain.Slot, error)
	ListSubmissions(ctx context.Context, taskID uuid.UUID) ([]*domain.Submission, error)
	Settle(ctx context.Context, submissionID uuid.UUID) (domain.ConsensusResult, error)
	ExpireDeadline(ctx context.Context, taskID uuid.UUID, now time.Time) (*domain.Task, error)
	Cancel(ctx context.Context, taskID uuid.UUID) (*domain.Task, error)
	SweepExpired(ctx context.Context, now time.Time) (service.SweepReport, error)
	GetReputation(ctx context.Context, identityID string) (domain.Reputation, error)
}

// Messenger is the part of *bot.Bot the handlers talk through.
type Messenger interface {
	telegram.Sender
	AnswerCallbackQuery(ctx context.Context, params *bot.AnswerCallbackQueryParams) (bool, error)
}

// Handler holds all dependencies needed by command and callback handlers.
type Handler struct {
	messenger Messenger
	cfg       *config.Config
	operator  Operator
	now       func() time.Time
}

// Deps contains all dependencies required to construct a Handler.
type Deps struct {
	Messenger Messenger
	Cfg       *config.Config
	Operator  Operator
}

// New creates a new Handler from the provided dependencies.
func New(deps Deps) *Handler {
	return &Handler{
		messenger: deps.Messenger,
		cfg:       deps.Cfg,
		operator:  deps.Operator,
		now:       func() time.Time { return time.Now().UTC() },
	}
}
