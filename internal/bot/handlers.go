package bot

import (
	"context"
	"errors"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"reddit_relay/internal/model"
	"reddit_relay/internal/reddit"
	"reddit_relay/internal/subscription"
)

func (b *Bot) handleStart(chatID int64) {
	b.reply(chatID, `Welcome to Reddit Relay!

Subscribe to subreddits and get their top posts delivered here.

Quick start:
1. /sub <subreddit> to subscribe
2. /listsubs to see your subscriptions

Use /help for the full command reference.`)
}

func (b *Bot) handleHelp(chatID int64) {
	d := b.subs.Defaults()
	b.reply(chatID, fmt.Sprintf(`Subscriptions:
/sub <subreddit> [limit=N] [time=T] [filter=F] to subscribe or change options
/unsub <subreddit> to unsubscribe
/listsubs to show your subscriptions
/get <subreddit> [limit=N] [time=T] [filter=F] to fetch top posts once

Options:
limit: 1-%d posts per check
time: hour, day, week, month, year, all
filter: image, video, link, self_text, gallery, none

Defaults: %s`, model.MaxLimit, FormatOptions(d.Limit, d.Time, d.Filter)))
}

func (b *Bot) handleSub(ctx context.Context, chatID int64, args string) {
	parsed, err := ParseSubscribeArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("%v\nUsage: /sub <subreddit> [limit=N] [time=T] [filter=F]", err))
		return
	}

	sub, created, err := b.subs.Subscribe(ctx, model.ChatDestination(chatID), parsed.Subreddit, parsed.Options)
	if err != nil {
		b.reply(chatID, commandError(parsed.Subreddit, err))
		return
	}

	b.log.Info("subscribed", "chat_id", chatID, "subreddit", sub.Subreddit, "created", created)
	b.reply(chatID, FormatSubscription(sub, created))
}

func (b *Bot) handleUnsub(ctx context.Context, chatID int64, args string) {
	name, err := ParseSubredditArg(args)
	if err != nil {
		b.reply(chatID, "Usage: /unsub <subreddit>")
		return
	}
	b.unsubscribe(ctx, chatID, name)
}

func (b *Bot) unsubscribe(ctx context.Context, chatID int64, name string) {
	removed, err := b.subs.Unsubscribe(ctx, model.ChatDestination(chatID), name)
	if err != nil {
		b.log.Error("unsubscribe", "chat_id", chatID, "subreddit", name, "error", err)
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}
	name = reddit.NormalizeName(name)
	if !removed {
		b.reply(chatID, fmt.Sprintf("You are not subscribed to r/%s.", name))
		return
	}
	b.log.Info("unsubscribed", "chat_id", chatID, "subreddit", name)
	b.reply(chatID, fmt.Sprintf("Unsubscribed from r/%s.", name))
}

func (b *Bot) handleListSubs(ctx context.Context, chatID int64) {
	subs, err := b.subs.List(ctx, model.ChatDestination(chatID))
	if err != nil {
		b.reply(chatID, fmt.Sprintf("Error: %v", err))
		return
	}

	msg := tgbotapi.NewMessage(chatID, FormatSubscriptionList(subs))
	msg.DisableWebPagePreview = true
	if len(subs) > 0 {
		rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(subs))
		for _, s := range subs {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData("Unsubscribe r/"+s.Subreddit, cbUnsubConfirm+":"+s.Subreddit),
			))
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send subscription list", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) handleGet(ctx context.Context, chatID int64, args string) {
	parsed, err := ParseSubscribeArgs(args)
	if err != nil {
		b.reply(chatID, fmt.Sprintf("%v\nUsage: /get <subreddit> [limit=N] [time=T] [filter=F]", err))
		return
	}

	sub, err := b.subs.Resolve(ctx, model.ChatDestination(chatID), parsed.Subreddit, parsed.Options)
	if err != nil {
		b.reply(chatID, commandError(parsed.Subreddit, err))
		return
	}

	n, err := b.preview.Preview(ctx, *sub)
	if err != nil {
		b.reply(chatID, commandError(sub.Subreddit, err))
		return
	}
	if n == 0 {
		b.reply(chatID, fmt.Sprintf("No posts found in r/%s (%s).", sub.Subreddit, FormatOptions(sub.Limit, sub.Time, sub.Filter)))
	}
}

// commandError turns a subscription or source error into a user reply.
func commandError(name string, err error) string {
	name = reddit.NormalizeName(name)
	switch {
	case errors.Is(err, subscription.ErrInvalidName):
		return fmt.Sprintf("%q is not a valid subreddit name.", name)
	case errors.Is(err, subscription.ErrInvalidLimit):
		return fmt.Sprintf("Limit must be between 1 and %d.", model.MaxLimit)
	case errors.Is(err, reddit.ErrNotFound):
		return fmt.Sprintf("No such subreddit r/%s.", name)
	case errors.Is(err, reddit.ErrUnavailable):
		return "Reddit is unavailable right now, try again later."
	default:
		return fmt.Sprintf("Error: %v", err)
	}
}
