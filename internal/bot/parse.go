package bot

import (
	"fmt"
	"strconv"
	"strings"

	"reddit_relay/internal/model"
)

// SubscribeArgs holds the parsed arguments of /sub and /get.
type SubscribeArgs struct {
	Subreddit string
	Options   model.SubscriptionOptions
}

// ParseSubscribeArgs parses "<subreddit> [limit=N] [time=T] [filter=F]".
// Options may appear in any order; omitted ones stay zero.
func ParseSubscribeArgs(args string) (SubscribeArgs, error) {
	parts := strings.Fields(args)
	if len(parts) == 0 {
		return SubscribeArgs{}, fmt.Errorf("subreddit name is required")
	}

	out := SubscribeArgs{Subreddit: parts[0]}
	for _, p := range parts[1:] {
		key, value, ok := strings.Cut(p, "=")
		if !ok || value == "" {
			return SubscribeArgs{}, fmt.Errorf("invalid option %q, use key=value", p)
		}
		switch strings.ToLower(key) {
		case "limit":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 || n > model.MaxLimit {
				return SubscribeArgs{}, fmt.Errorf("limit must be between 1 and %d", model.MaxLimit)
			}
			out.Options.Limit = n
		case "time":
			w, err := model.ParseTimeWindow(value)
			if err != nil {
				return SubscribeArgs{}, err
			}
			out.Options.Time = w
		case "filter":
			f, err := model.ParseTypeFilter(value)
			if err != nil {
				return SubscribeArgs{}, err
			}
			out.Options.Filter = f
			out.Options.NoFilter = f == nil
		default:
			return SubscribeArgs{}, fmt.Errorf("unknown option %q, use: limit, time, filter", key)
		}
	}
	return out, nil
}

// ParseSubredditArg extracts a single subreddit name.
func ParseSubredditArg(args string) (string, error) {
	parts := strings.Fields(args)
	if len(parts) != 1 {
		return "", fmt.Errorf("exactly one subreddit name is required")
	}
	return parts[0], nil
}
