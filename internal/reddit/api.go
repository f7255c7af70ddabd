package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/loganintech/go-reddit/v2/reddit"
	"golang.org/x/time/rate"

	"reddit_relay/internal/model"
)

// APIClient uses the Reddit API through go-reddit. Without credentials it
// falls back to the read-only client.
type APIClient struct {
	client  *reddit.Client
	limiter *rate.Limiter
}

// NewAPIClient creates an API client from opts.
func NewAPIClient(opts Options) (*APIClient, error) {
	var (
		client *reddit.Client
		err    error
	)
	if opts.ClientID != "" && opts.ClientSecret != "" {
		creds := reddit.Credentials{
			ID:       opts.ClientID,
			Secret:   opts.ClientSecret,
			Username: opts.Username,
			Password: opts.Password,
		}
		client, err = reddit.NewClient(creds, reddit.WithUserAgent(opts.UserAgent))
	} else {
		client, err = reddit.NewReadonlyClient(reddit.WithUserAgent(opts.UserAgent))
	}
	if err != nil {
		return nil, fmt.Errorf("create reddit client: %w", err)
	}

	return &APIClient{client: client, limiter: newLimiter(opts.RequestInterval)}, nil
}

// TopPosts lists the subreddit's top posts for the window.
func (a *APIClient) TopPosts(ctx context.Context, subreddit string, window model.TimeWindow, limit int) ([]model.Item, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	posts, resp, err := a.client.Subreddit.TopPosts(ctx, subreddit, &reddit.ListPostOptions{
		ListOptions: reddit.ListOptions{Limit: limit},
		Time:        string(window),
	})
	if err != nil {
		return nil, apiError(ctx, resp, err)
	}

	items := make([]model.Item, 0, len(posts))
	for i, p := range posts {
		if len(items) == limit {
			break
		}
		target := p.URL
		if p.IsSelfPost {
			target = ""
		}
		it := model.Item{
			ID:        p.ID,
			Subreddit: p.SubredditName,
			Title:     p.Title,
			Permalink: p.Permalink,
			URL:       target,
			Type:      classifyURL(target, p.IsSelfPost),
			Score:     p.Score,
			Rank:      i + 1,
		}
		if p.Created != nil {
			it.CreatedAt = p.Created.Time.UTC()
		}
		items = append(items, it)
	}
	return items, nil
}

// About resolves the canonical subreddit name.
func (a *APIClient) About(ctx context.Context, subreddit string) (About, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return About{}, err
	}

	sr, resp, err := a.client.Subreddit.Get(ctx, subreddit)
	if err != nil {
		return About{}, apiError(ctx, resp, err)
	}
	if sr == nil || sr.Name == "" {
		return About{}, fmt.Errorf("%w: %s", ErrNotFound, subreddit)
	}
	return About{Name: sr.Name, NSFW: sr.NSFW}, nil
}

func apiError(ctx context.Context, resp *reddit.Response, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if resp != nil && resp.Response != nil {
		if redirectedToSearch(resp.Response) {
			return fmt.Errorf("%w: redirected to search", ErrNotFound)
		}
		if resp.StatusCode != http.StatusOK {
			return errors.Join(statusError(resp.StatusCode), err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
