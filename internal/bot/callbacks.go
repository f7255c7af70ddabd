package bot

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	cmdSub   = "sub"
	cmdUnsub = "unsub"

	cbUnsubConfirm = "unsub_confirm"
	cbNoop         = "noop"
)

func (b *Bot) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	b.answer(cb.ID, "")
	if cb.Message == nil {
		return
	}
	chatID := cb.Message.Chat.ID

	action, name, ok := strings.Cut(cb.Data, ":")
	if !ok {
		return
	}

	b.log.Info("callback",
		"action", action,
		"subreddit", name,
		"chat_id", chatID,
		"user_id", cb.From.ID,
		"username", cb.From.UserName,
	)

	switch action {
	case cbUnsubConfirm:
		msg := tgbotapi.NewMessage(chatID, fmt.Sprintf("Unsubscribe from r/%s?", name))
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Yes, unsubscribe", cmdUnsub+":"+name),
				tgbotapi.NewInlineKeyboardButtonData("Cancel", cbNoop+":"),
			),
		)
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send unsubscribe confirmation", "error", err)
		}
	case cmdUnsub:
		b.unsubscribe(ctx, chatID, name)
	}
}
