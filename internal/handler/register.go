package handler

import (
	"github.com/go-telegram/bot"
	"github.com/set-night/taskescrow/internal/telegram"
)

const (
	callbackExpire = telegram.CallbackExpire
	callbackCancel = telegram.CallbackCancel
	callbackSettle = telegram.CallbackSettle
)

// Register wires every command and callback handler into b.
func (h *Handler) Register(b *bot.Bot) {
	// Commands
	b.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, h.handleHelp)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, h.handleHelp)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/task", bot.MatchTypePrefix, h.handleTask)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/settle", bot.MatchTypePrefix, h.handleSettle)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/expire", bot.MatchTypePrefix, h.handleExpire)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/cancel", bot.MatchTypePrefix, h.handleCancel)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/sweep", bot.MatchTypePrefix, h.handleSweep)
	b.RegisterHandler(bot.HandlerTypeMessageText, "/reputation", bot.MatchTypePrefix, h.handleReputation)

	// Task action callbacks
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, callbackExpire, bot.MatchTypePrefix, h.handleExpireCallback)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, callbackCancel, bot.MatchTypePrefix, h.handleCancelCallback)
	b.RegisterHandler(bot.HandlerTypeCallbackQueryData, callbackSettle, bot.MatchTypePrefix, h.handleSettleCallback)
}
