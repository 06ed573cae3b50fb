package handler

import (
	"context"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
)

// callbackTarget acknowledges the button press and returns the chat it came
// from with the id carried after prefix.
func (h *Handler) callbackTarget(ctx context.Context, update *models.Update, prefix string) (int64, uuid.UUID, bool) {
	if update.CallbackQuery == nil {
		return 0, uuid.Nil, false
	}
	h.messenger.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: update.CallbackQuery.ID,
	})

	msg := update.CallbackQuery.Message.Message
	if msg == nil {
		return 0, uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(update.CallbackQuery.Data, prefix))
	if err != nil {
		return 0, uuid.Nil, false
	}
	return msg.Chat.ID, id, true
}

func (h *Handler) handleExpireCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	chatID, id, ok := h.callbackTarget(ctx, update, callbackExpire)
	if !ok {
		return
	}
	h.expire(ctx, chatID, id)
}

func (h *Handler) handleCancelCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	chatID, id, ok := h.callbackTarget(ctx, update, callbackCancel)
	if !ok {
		return
	}
	h.cancel(ctx, chatID, id)
}

func (h *Handler) handleSettleCallback(ctx context.Context, _ *bot.Bot, update *models.Update) {
	chatID, id, ok := h.callbackTarget(ctx, update, callbackSettle)
	if !ok {
		return
	}
	h.settle(ctx, chatID, id)
}
