package bot

import (
	"fmt"
	"strings"

	"reddit_relay/internal/model"
)

// FormatOptions describes subscription options for display.
func FormatOptions(limit int, window model.TimeWindow, f *model.ItemType) string {
	s := fmt.Sprintf("limit %d, top of %s", limit, window)
	if window == model.WindowAll {
		s = fmt.Sprintf("limit %d, top of all time", limit)
	}
	if f != nil {
		s += ", only " + string(*f)
	}
	return s
}

// FormatSubscription formats the confirmation for a created or updated
// subscription.
func FormatSubscription(sub *model.Subscription, created bool) string {
	verb := "Subscribed to"
	if !created {
		verb = "Updated subscription to"
	}
	return fmt.Sprintf("%s r/%s (%s).", verb, sub.Subreddit, FormatOptions(sub.Limit, sub.Time, sub.Filter))
}

// FormatSubscriptionList formats a destination's subscriptions for display.
func FormatSubscriptionList(subs []model.Subscription) string {
	if len(subs) == 0 {
		return "You have no subscriptions yet. Use /sub <subreddit> to add one."
	}
	var b strings.Builder
	b.WriteString("Your subscriptions:\n")
	for _, s := range subs {
		fmt.Fprintf(&b, "\nr/%s  (%s)\n", s.Subreddit, FormatOptions(s.Limit, s.Time, s.Filter))
		if s.SourceError != "" {
			b.WriteString("   not reachable, check the subreddit name\n")
		}
	}
	return b.String()
}
