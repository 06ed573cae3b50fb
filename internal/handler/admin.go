package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/set-night/taskescrow/internal/domain"
	"github.com/set-night/taskescrow/internal/telegram"
)

const helpText = "*Settlement operator commands*\n\n" +
	"/task <task id> - task, escrow, slots and submissions\n" +
	"/settle <submission id> - retry a pending settlement\n" +
	"/expire <task id> - apply the deadline to an overdue task\n" +
	"/cancel <task id> - cancel a task nobody has started\n" +
	"/sweep - expire every overdue task now\n" +
	"/reputation <identity> - show a reputation score\n\n" +
	"An IN\\_PROGRESS task past its deadline can be neither expired nor cancelled; " +
	"its escrow stays held until it is resolved with the client and worker outside the bot."

func (h *Handler) handleHelp(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	h.reply(ctx, update.Message.Chat.ID, helpText, nil)
}

func (h *Handler) handleTask(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	id, ok := h.parseID(ctx, chatID, update.Message.Text, "/task <task id>")
	if !ok {
		return
	}
	text, markup, err := h.renderTask(ctx, id)
	if err != nil {
		h.replyError(ctx, chatID, "load task", err)
		return
	}
	h.reply(ctx, chatID, text, markup)
}

func (h *Handler) handleSettle(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	id, ok := h.parseID(ctx, chatID, update.Message.Text, "/settle <submission id>")
	if !ok {
		return
	}
	h.settle(ctx, chatID, id)
}

func (h *Handler) handleExpire(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	id, ok := h.parseID(ctx, chatID, update.Message.Text, "/expire <task id>")
	if !ok {
		return
	}
	h.expire(ctx, chatID, id)
}

func (h *Handler) handleCancel(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	id, ok := h.parseID(ctx, chatID, update.Message.Text, "/cancel <task id>")
	if !ok {
		return
	}
	h.cancel(ctx, chatID, id)
}

func (h *Handler) handleSweep(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	report, err := h.operator.SweepExpired(ctx, h.now())
	if err != nil {
		h.replyError(ctx, chatID, "sweep", err)
		return
	}
	h.reply(ctx, chatID, fmt.Sprintf(
		"🧹 *Sweep finished*\n\n"+
			"Examined: %d\n"+
			"Closed: %d\n"+
			"Awaiting settlement: %d\n"+
			"Stuck: %d\n"+
			"Failed: %d",
		report.Examined, report.Closed, report.Pending, report.Stuck, report.Failed,
	), nil)
}

func (h *Handler) handleReputation(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}
	chatID := update.Message.Chat.ID

	parts := strings.Fields(update.Message.Text)
	if len(parts) < 2 {
		h.reply(ctx, chatID, "Usage: /reputation <identity>", nil)
		return
	}
	rep, err := h.operator.GetReputation(ctx, parts[1])
	if err != nil {
		h.replyError(ctx, chatID, "get reputation", err)
		return
	}
	h.reply(ctx, chatID, fmt.Sprintf("⭐ *%s*: %s", telegram.EscapeMarkdown(rep.IdentityID), rep.Score.StringFixed(2)), nil)
}

func (h *Handler) settle(ctx context.Context, chatID int64, submissionID uuid.UUID) {
	result, err := h.operator.Settle(ctx, submissionID)
	if err != nil {
		h.replyError(ctx, chatID, "settle", err)
		return
	}
	verdict := "approved"
	if !result.Approved {
		verdict = "rejected"
	}
	h.reply(ctx, chatID, fmt.Sprintf("✅ Submission `%s` %s\nConsensus: %s (%s)",
		submissionID, verdict, result.ConsensusRatio.StringFixed(2), telegram.EscapeMarkdown(result.Reason)), nil)
}

func (h *Handler) expire(ctx context.Context, chatID int64, taskID uuid.UUID) {
	task, err := h.operator.ExpireDeadline(ctx, taskID, h.now())
	if err != nil {
		h.replyError(ctx, chatID, "expire", err)
		return
	}
	h.reply(ctx, chatID, fmt.Sprintf("⏰ Task `%s` is now %s", task.ID, task.Status), nil)
}

func (h *Handler) cancel(ctx context.Context, chatID int64, taskID uuid.UUID) {
	task, err := h.operator.Cancel(ctx, taskID)
	if err != nil {
		h.replyError(ctx, chatID, "cancel", err)
		return
	}
	h.reply(ctx, chatID, fmt.Sprintf("🛑 Task `%s` is now %s", task.ID, task.Status), nil)
}

// renderTask formats a task with the actions that currently apply to it.
func (h *Handler) renderTask(ctx context.Context, id uuid.UUID) (string, models.ReplyMarkup, error) {
	task, err := h.operator.GetTask(ctx, id)
	if err != nil {
		return "", nil, err
	}
	escrow, err := h.operator.GetEscrow(ctx, id)
	if err != nil {
		return "", nil, err
	}
	slots, err := h.operator.ListSlots(ctx, id)
	if err != nil {
		return "", nil, err
	}
	subs, err := h.operator.ListSubmissions(ctx, id)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 *Task* `%s`\n\n", task.ID)
	fmt.Fprintf(&sb, "Status: *%s*\n", task.Status)
	fmt.Fprintf(&sb, "Category: %s\n", telegram.EscapeMarkdown(task.Category))
	fmt.Fprintf(&sb, "Payout: %s x %d (fee %s)\n", task.PayoutPerWorker.StringFixed(2), task.NumWorkers, task.PlatformFee.StringFixed(2))
	fmt.Fprintf(&sb, "Deadline: %s\n", task.Deadline.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&sb, "Slots: %d assigned, %d settled\n", task.AssignedSlots, task.SettledSlots)

	if task.Status == domain.TaskStatusInProgress && task.IsExpired(h.now()) {
		sb.WriteString("⚠️ Deadline passed with work in progress. Expire and cancel do not apply; the escrow stays held until resolved outside the bot.\n")
	}

	if escrow != nil {
		state := "held"
		switch {
		case escrow.ReleasedAt != nil:
			state = "released"
		case escrow.RefundedAt != nil:
			state = "refunded"
		}
		fmt.Fprintf(&sb, "Escrow: %s (%s)\n", escrow.AmountHeld.StringFixed(2), state)
	}

	if len(slots) > 0 {
		sb.WriteString("\n*Workers*\n")
		for _, s := range slots {
			fmt.Fprintf(&sb, "• %s: %s\n", telegram.EscapeMarkdown(s.WorkerID), s.Status)
		}
	}

	var rows [][]models.InlineKeyboardButton
	if len(subs) > 0 {
		sb.WriteString("\n*Submissions*\n")
		for _, s := range subs {
			fmt.Fprintf(&sb, "• `%s` %s: %s\n", s.ID, telegram.EscapeMarkdown(s.WorkerID), s.Status)
			if !s.IsFinalized() {
				rows = append(rows, telegram.SettleRow(s.ID))
			}
		}
	}

	expire := !task.Status.IsTerminal() && task.Status != domain.TaskStatusInProgress && task.IsExpired(h.now())
	var cancel bool
	switch task.Status {
	case domain.TaskStatusDraft, domain.TaskStatusFunded, domain.TaskStatusAssigned:
		cancel = true
	}
	if actions := telegram.TaskActionRow(task.ID, expire, cancel); actions != nil {
		rows = append(rows, actions)
	}

	if len(rows) == 0 {
		return sb.String(), nil, nil
	}
	return sb.String(), telegram.InlineKeyboard(rows...), nil
}

func (h *Handler) parseID(ctx context.Context, chatID int64, text, usage string) (uuid.UUID, bool) {
	parts := strings.Fields(text)
	if len(parts) < 2 {
		h.reply(ctx, chatID, "Usage: "+usage, nil)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		h.reply(ctx, chatID, "❌ Invalid id.", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string, markup models.ReplyMarkup) {
	if err := telegram.SendLongMessage(ctx, h.messenger, chatID, text, markup); err != nil {
		slog.Error("send reply", "chat_id", chatID, "error", err)
	}
}

// replyError shows domain errors as-is and hides everything else.
func (h *Handler) replyError(ctx context.Context, chatID int64, action string, err error) {
	var derr *domain.Error
	if errors.As(err, &derr) {
		h.reply(ctx, chatID, "❌ "+telegram.EscapeMarkdown(derr.Message), nil)
		return
	}
	var finalized *domain.FinalizedError
	if errors.As(err, &finalized) {
		h.reply(ctx, chatID, "ℹ️ Submission already settled: "+telegram.EscapeMarkdown(finalized.Result.Reason), nil)
		return
	}
	slog.Error("operator command failed", "action", action, "error", err)
	h.reply(ctx, chatID, "❌ Internal error, see logs.", nil)
}
