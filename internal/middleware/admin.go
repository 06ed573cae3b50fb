package middleware

import (
	"context"
	"log/slog"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/set-night/taskescrow/internal/config"
)

// AdminOnly drops every update that does not come from a configured
// operator.
func AdminOnly(cfg *config.Config) bot.Middleware {
	return func(next bot.HandlerFunc) bot.HandlerFunc {
		return func(ctx context.Context, b *bot.Bot, update *models.Update) {
			userID, action, ok := updateSender(update)
			if !ok {
				return
			}
			if !cfg.IsAdmin(userID) {
				slog.Warn("ignored update from non-admin",
					"user_id", userID,
					"action", action,
				)
				return
			}
			next(ctx, b, update)
		}
	}
}

// updateSender returns who sent a message or pressed a button, and what
// they asked for.
func updateSender(update *models.Update) (int64, string, bool) {
	switch {
	case update.Message != nil && update.Message.From != nil:
		return update.Message.From.ID, commandName(update.Message.Text), true
	case update.CallbackQuery != nil:
		return update.CallbackQuery.From.ID, update.CallbackQuery.Data, true
	default:
		return 0, "", false
	}
}

// commandName returns the leading "/command" of text without a bot
// mention, or "" for plain text.
func commandName(text string) string {
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	name, _, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return name
}
