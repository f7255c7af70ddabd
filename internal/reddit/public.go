package reddit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"reddit_relay/internal/model"
)

const maxBodySize = 5 * 1024 * 1024

// PublicClient reads the unauthenticated JSON listings of www.reddit.com.
type PublicClient struct {
	client    HTTPClient
	limiter   *rate.Limiter
	userAgent string
	baseURL   string
}

// NewPublicClient creates a client that issues at most one request per interval.
func NewPublicClient(client HTTPClient, userAgent string, interval time.Duration) *PublicClient {
	return &PublicClient{
		client:    client,
		limiter:   newLimiter(interval),
		userAgent: userAgent,
		baseURL:   BaseURL,
	}
}

type listing struct {
	Kind string `json:"kind"`
	Data struct {
		Children []struct {
			Data post `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type aboutResponse struct {
	Kind string `json:"kind"`
	Data struct {
		DisplayName string `json:"display_name"`
		Over18      bool   `json:"over18"`
	} `json:"data"`
}

// TopPosts fetches /r/{subreddit}/top.json.
func (c *PublicClient) TopPosts(ctx context.Context, subreddit string, window model.TimeWindow, limit int) ([]model.Item, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("t", string(window))
	q.Set("raw_json", "1")

	var resp listing
	if err := c.getJSON(ctx, "/r/"+url.PathEscape(subreddit)+"/top.json?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	if resp.Kind != "Listing" {
		return nil, fmt.Errorf("%w: unexpected kind %q", ErrUnavailable, resp.Kind)
	}

	items := make([]model.Item, 0, len(resp.Data.Children))
	for i, child := range resp.Data.Children {
		if len(items) == limit {
			break
		}
		items = append(items, child.Data.item(i+1))
	}
	return items, nil
}

// About fetches /r/{subreddit}/about.json.
func (c *PublicClient) About(ctx context.Context, subreddit string) (About, error) {
	var resp aboutResponse
	if err := c.getJSON(ctx, "/r/"+url.PathEscape(subreddit)+"/about.json?raw_json=1", &resp); err != nil {
		return About{}, err
	}
	// Unknown names come back as an empty search listing instead of a t5.
	if resp.Kind != "t5" || resp.Data.DisplayName == "" {
		return About{}, fmt.Errorf("%w: %s", ErrNotFound, subreddit)
	}
	return About{Name: resp.Data.DisplayName, NSFW: resp.Data.Over18}, nil
}

func (c *PublicClient) getJSON(ctx context.Context, path string, dst any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	if redirectedToSearch(resp) {
		return fmt.Errorf("%w: redirected to search", ErrNotFound)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

// newLimiter allows one request per interval with no burst; a non-positive
// interval disables limiting.
func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}
