// Package reddit fetches "top" listings and subreddit metadata from Reddit.
package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"reddit_relay/internal/model"
)

// BaseURL is the canonical Reddit origin used for permalinks.
const BaseURL = "https://www.reddit.com"

// Source modes.
const (
	ModeJSON = "json"
	ModeRSS  = "rss"
	ModeAPI  = "api"
)

// Errors returned by Source implementations.
var (
	// ErrNotFound means the subreddit does not exist, is private or banned.
	ErrNotFound = errors.New("subreddit not found")
	// ErrUnavailable means Reddit could not be reached or rate limited the request.
	ErrUnavailable = errors.New("reddit unavailable")
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// About is the subreddit metadata needed to validate a subscription.
type About struct {
	Name string
	NSFW bool
}

// Source is the content fetcher contract.
type Source interface {
	// TopPosts returns at most limit items of the subreddit's top listing
	// for the window, in source rank order.
	TopPosts(ctx context.Context, subreddit string, window model.TimeWindow, limit int) ([]model.Item, error)
	// About resolves a subreddit name to its canonical display name.
	About(ctx context.Context, subreddit string) (About, error)
}

// Options configures New.
type Options struct {
	Mode            string
	UserAgent       string
	ClientID        string
	ClientSecret    string
	Username        string
	Password        string
	RequestInterval time.Duration
	Retries         int
	Backoff         time.Duration
	CacheTTL        time.Duration
}

// New builds the Source selected by opts.Mode, wrapped with retries for
// ErrUnavailable and a short-lived listing cache.
func New(opts Options) (Source, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	var src Source
	switch opts.Mode {
	case ModeJSON, "":
		src = NewPublicClient(httpClient, opts.UserAgent, opts.RequestInterval)
	case ModeAPI:
		c, err := NewAPIClient(opts)
		if err != nil {
			return nil, err
		}
		src = c
	case ModeRSS:
		lookup, err := NewAPIClient(opts)
		if err != nil {
			return nil, err
		}
		src = NewFeedClient(httpClient, opts.UserAgent, opts.RequestInterval, lookup)
	default:
		return nil, fmt.Errorf("unknown reddit mode %q (use %q, %q or %q)", opts.Mode, ModeJSON, ModeRSS, ModeAPI)
	}

	return WithCache(WithRetry(src, opts.Retries, opts.Backoff), opts.CacheTTL), nil
}

var (
	namePrefix = regexp.MustCompile(`^/?r/`)
	validName  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_]{1,20}$`)
)

// NormalizeName strips r/ and /r/ prefixes and surrounding whitespace.
func NormalizeName(name string) string {
	return namePrefix.ReplaceAllString(strings.TrimSpace(name), "")
}

// ValidName reports whether name is a syntactically valid subreddit name.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

// SubredditURL returns the subreddit's front page URL.
func SubredditURL(subreddit string) string {
	return BaseURL + "/r/" + subreddit
}

// PermalinkURL joins a site-relative permalink with base, or with BaseURL
// when base is empty.
func PermalinkURL(permalink, base string) string {
	if base == "" {
		base = BaseURL
	}
	if strings.HasPrefix(permalink, "http://") || strings.HasPrefix(permalink, "https://") {
		if rest, ok := strings.CutPrefix(permalink, BaseURL); ok {
			return strings.TrimRight(base, "/") + rest
		}
		return permalink
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(permalink, "/")
}

// statusError maps a non-200 listing response to the source error taxonomy.
func statusError(code int) error {
	switch {
	case code == http.StatusNotFound, code == http.StatusForbidden,
		code == http.StatusUnavailableForLegalReasons:
		return fmt.Errorf("%w: status %d", ErrNotFound, code)
	default:
		return fmt.Errorf("%w: status %d", ErrUnavailable, code)
	}
}

// redirectedToSearch reports whether Reddit redirected an unknown subreddit
// to its search page.
func redirectedToSearch(resp *http.Response) bool {
	if resp == nil || resp.Request == nil || resp.Request.URL == nil {
		return false
	}
	return strings.HasPrefix(resp.Request.URL.Path, "/subreddits/search")
}
