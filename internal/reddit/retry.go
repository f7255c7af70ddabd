package reddit

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"reddit_relay/internal/model"
)

type retrySource struct {
	src     Source
	retries uint64
	base    time.Duration
}

// WithRetry retries ErrUnavailable failures of src up to retries times with
// exponential backoff starting at base. Other errors are returned at once.
func WithRetry(src Source, retries int, base time.Duration) Source {
	if retries <= 0 {
		return src
	}
	if base <= 0 {
		base = time.Second
	}
	return &retrySource{src: src, retries: uint64(retries), base: base}
}

func (r *retrySource) backoff() retry.Backoff {
	return retry.WithMaxRetries(r.retries, retry.NewExponential(r.base))
}

func (r *retrySource) TopPosts(ctx context.Context, subreddit string, window model.TimeWindow, limit int) ([]model.Item, error) {
	var items []model.Item
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		items, err = r.src.TopPosts(ctx, subreddit, window, limit)
		return retryable(err)
	})
	return items, err
}

func (r *retrySource) About(ctx context.Context, subreddit string) (About, error) {
	var about About
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		var err error
		about, err = r.src.About(ctx, subreddit)
		return retryable(err)
	})
	return about, err
}

func retryable(err error) error {
	if errors.Is(err, ErrUnavailable) {
		return retry.RetryableError(err)
	}
	return err
}

type cacheEntry struct {
	items   []model.Item
	fetched time.Time
}

type cachedSource struct {
	Source
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// WithCache shares TopPosts results for identical requests made within ttl,
// so destinations following the same subreddit cost one request per tick.
func WithCache(src Source, ttl time.Duration) Source {
	if ttl <= 0 {
		return src
	}
	return &cachedSource{Source: src, ttl: ttl, now: time.Now, entries: make(map[string]cacheEntry)}
}

func (c *cachedSource) TopPosts(ctx context.Context, subreddit string, window model.TimeWindow, limit int) ([]model.Item, error) {
	key := strings.ToLower(subreddit) + ":" + string(window) + ":" + strconv.Itoa(limit)

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && c.now().Sub(e.fetched) < c.ttl {
		return append([]model.Item(nil), e.items...), nil
	}

	items, err := c.Source.TopPosts(ctx, subreddit, window, limit)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	now := c.now()
	for k, old := range c.entries {
		if now.Sub(old.fetched) >= c.ttl {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{items: items, fetched: now}
	c.mu.Unlock()

	return append([]model.Item(nil), items...), nil
}
