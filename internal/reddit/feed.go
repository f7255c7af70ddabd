package reddit

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"golang.org/x/time/rate"

	"reddit_relay/internal/model"
)

// Lookup resolves subreddit metadata.
type Lookup interface {
	About(ctx context.Context, subreddit string) (About, error)
}

// FeedClient reads the Atom "top" feed, which stays reachable when the JSON
// listings are blocked for anonymous clients.
type FeedClient struct {
	client    HTTPClient
	limiter   *rate.Limiter
	userAgent string
	baseURL   string
	lookup    Lookup
}

// NewFeedClient creates a feed client. About calls go to lookup.
func NewFeedClient(client HTTPClient, userAgent string, interval time.Duration, lookup Lookup) *FeedClient {
	return &FeedClient{
		client:    client,
		limiter:   newLimiter(interval),
		userAgent: userAgent,
		baseURL:   BaseURL,
		lookup:    lookup,
	}
}

// TopPosts fetches /r/{subreddit}/top/.rss and classifies entries by their
// [link] target.
func (f *FeedClient) TopPosts(ctx context.Context, subreddit string, window model.TimeWindow, limit int) ([]model.Item, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("t", string(window))

	feed, err := f.fetch(ctx, f.baseURL+"/r/"+url.PathEscape(subreddit)+"/top/.rss?"+q.Encode())
	if err != nil {
		return nil, err
	}

	items := make([]model.Item, 0, len(feed.Items))
	for i, entry := range feed.Items {
		if len(items) == limit {
			break
		}
		items = append(items, entryItem(entry, subreddit, i+1))
	}
	return items, nil
}

// About delegates to the configured lookup.
func (f *FeedClient) About(ctx context.Context, subreddit string) (About, error) {
	if f.lookup == nil {
		return About{Name: subreddit}, nil
	}
	return f.lookup.About(ctx, subreddit)
}

func (f *FeedClient) fetch(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: http get: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode)
	}
	if redirectedToSearch(resp) {
		return nil, fmt.Errorf("%w: redirected to search", ErrNotFound)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parse feed: %v", ErrUnavailable, err)
	}
	return feed, nil
}

func entryItem(entry *gofeed.Item, subreddit string, rank int) model.Item {
	permalink := entry.Link
	if u, err := url.Parse(entry.Link); err == nil && u.Path != "" {
		permalink = u.Path
	}

	target := mediaLink(entry.Content)
	isSelf := target == "" || sameThread(target, permalink)
	if isSelf {
		target = ""
	}

	it := model.Item{
		ID:        strings.TrimPrefix(entry.GUID, "t3_"),
		Subreddit: subreddit,
		Title:     entry.Title,
		Permalink: permalink,
		URL:       target,
		Type:      classifyURL(target, isSelf),
		Rank:      rank,
	}
	// Reddit labels entries "r/<name>".
	if len(entry.Categories) > 0 {
		if name := NormalizeName(entry.Categories[0]); ValidName(name) {
			it.Subreddit = name
		}
	}
	if entry.PublishedParsed != nil {
		it.CreatedAt = entry.PublishedParsed.UTC()
	} else if entry.UpdatedParsed != nil {
		it.CreatedAt = entry.UpdatedParsed.UTC()
	}
	return it
}

// mediaLink returns the href of the "[link]" anchor Reddit puts in every
// entry body.
func mediaLink(content string) string {
	if content == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return ""
	}
	var href string
	doc.Find("a").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if strings.TrimSpace(s.Text()) != "[link]" {
			return true
		}
		href, _ = s.Attr("href")
		return false
	})
	return href
}

func sameThread(target, permalink string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(permalink, "/")
}
