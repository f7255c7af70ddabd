// Package model defines the domain types used across the application.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxLimit is the largest top-N cutoff accepted for a subscription.
const MaxLimit = 100

// DestinationID identifies a chat conversation. Telegram chats use numeric
// ids, public channels may also be addressed by their @username.
type DestinationID string

// ChatDestination returns the destination for a numeric chat id.
func ChatDestination(chatID int64) DestinationID {
	return DestinationID(strconv.FormatInt(chatID, 10))
}

// ChatID returns the numeric chat id, if the destination is numeric.
func (d DestinationID) ChatID() (int64, bool) {
	id, err := strconv.ParseInt(string(d), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// TimeWindow is the ranking period of the "top" listing.
type TimeWindow string

// Supported time windows.
const (
	WindowHour  TimeWindow = "hour"
	WindowDay   TimeWindow = "day"
	WindowWeek  TimeWindow = "week"
	WindowMonth TimeWindow = "month"
	WindowYear  TimeWindow = "year"
	WindowAll   TimeWindow = "all"
)

// ParseTimeWindow validates a time window name.
func ParseTimeWindow(s string) (TimeWindow, error) {
	switch w := TimeWindow(strings.ToLower(strings.TrimSpace(s))); w {
	case WindowHour, WindowDay, WindowWeek, WindowMonth, WindowYear, WindowAll:
		return w, nil
	}
	return "", fmt.Errorf("invalid time %q, use: hour, day, week, month, year, all", s)
}

// ItemType is the media/content category of a post.
type ItemType string

// Supported item types. ItemUnknown never matches a type filter.
const (
	ItemImage    ItemType = "image"
	ItemVideo    ItemType = "video"
	ItemLink     ItemType = "link"
	ItemSelfText ItemType = "self_text"
	ItemGallery  ItemType = "gallery"
	ItemUnknown  ItemType = "unknown"
)

// FilterNone is the type filter value that disables filtering.
const FilterNone = "none"

// ParseTypeFilter parses a type filter option. FilterNone yields nil.
func ParseTypeFilter(s string) (*ItemType, error) {
	if strings.EqualFold(strings.TrimSpace(s), FilterNone) {
		return nil, nil
	}
	t, err := ParseItemType(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseItemType validates a type filter name.
func ParseItemType(s string) (ItemType, error) {
	switch t := ItemType(strings.ToLower(strings.TrimSpace(s))); t {
	case ItemImage, ItemVideo, ItemLink, ItemSelfText, ItemGallery:
		return t, nil
	}
	return "", fmt.Errorf("invalid filter %q, use: image, video, link, self_text, gallery, none", s)
}

// SubscriptionKey identifies a subscription and its seen-item log.
type SubscriptionKey struct {
	Destination DestinationID
	Subreddit   string
}

func (k SubscriptionKey) String() string {
	return string(k.Destination) + "/r/" + k.Subreddit
}

// Subscription is a (destination, subreddit) pair with polling options.
type Subscription struct {
	Destination DestinationID
	Subreddit   string
	Limit       int
	Time        TimeWindow
	Filter      *ItemType
	CreatedAt   time.Time
	// Generation changes every time the subscription is re-created.
	Generation string
	// EstablishedAt is nil until the first successful poll completes.
	EstablishedAt *time.Time
	// SourceError holds the last fatal source error already reported to the
	// destination.
	SourceError string
}

// Key returns the subscription identity.
func (s Subscription) Key() SubscriptionKey {
	return SubscriptionKey{Destination: s.Destination, Subreddit: s.Subreddit}
}

// Fresh reports whether the subscription has not completed a poll yet.
func (s Subscription) Fresh() bool {
	return s.EstablishedAt == nil
}

// SubscriptionOptions are the user-tunable polling options.
type SubscriptionOptions struct {
	Limit  int
	Time   TimeWindow
	Filter *ItemType
	// NoFilter disables filtering even when a default filter is configured.
	NoFilter bool
}

// SeenItem records that an item was already evaluated for a subscription.
type SeenItem struct {
	Destination DestinationID
	Subreddit   string
	ItemID      string
	FirstSeenAt time.Time
}

// Item is a candidate post returned by the content source for one poll.
type Item struct {
	ID        string
	Subreddit string
	Title     string
	// Permalink is the site-relative path of the comments page.
	Permalink string
	// URL is the linked media or article, empty for text-only posts.
	URL         string
	Type        ItemType
	Score       int
	Rank        int
	CreatedAt   time.Time
	GalleryURLs []string
}
