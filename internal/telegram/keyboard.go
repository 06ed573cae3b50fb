package telegram

import (
	"github.com/go-telegram/bot/models"
	"github.com/google/uuid"
)

// Callback data prefixes; the task or submission ID follows.
const (
	CallbackExpire = "task_expire_"
	CallbackCancel = "task_cancel_"
	CallbackSettle = "sub_settle_"
)

// InlineKeyboard creates an inline keyboard from rows of buttons.
func InlineKeyboard(rows ...[]models.InlineKeyboardButton) *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: rows,
	}
}

// SettleRow is the force-settle button for a submission still open for votes.
func SettleRow(subID uuid.UUID) []models.InlineKeyboardButton {
	return []models.InlineKeyboardButton{{
		Text:         "Settle " + subID.String()[:8],
		CallbackData: CallbackSettle + subID.String(),
	}}
}

// TaskActionRow builds the expire and cancel buttons for a task. It returns
// nil when neither action applies.
func TaskActionRow(taskID uuid.UUID, expire, cancel bool) []models.InlineKeyboardButton {
	var row []models.InlineKeyboardButton
	if expire {
		row = append(row, models.InlineKeyboardButton{Text: "⏰ Expire", CallbackData: CallbackExpire + taskID.String()})
	}
	if cancel {
		row = append(row, models.InlineKeyboardButton{Text: "🛑 Cancel", CallbackData: CallbackCancel + taskID.String()})
	}
	return row
}
