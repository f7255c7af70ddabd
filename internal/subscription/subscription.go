// Package subscription is the mutation and read surface over stored
// subscriptions used by chat commands.
package subscription

import (
	"context"
	"errors"
	"fmt"

	"reddit_relay/internal/model"
	"reddit_relay/internal/reddit"
	"reddit_relay/internal/storage"
)

// Errors returned by Subscribe.
var (
	ErrInvalidName  = errors.New("invalid subreddit name")
	ErrInvalidLimit = fmt.Errorf("limit must be between 1 and %d", model.MaxLimit)
)

// Lookup resolves a subreddit to its canonical name.
type Lookup interface {
	About(ctx context.Context, subreddit string) (reddit.About, error)
}

// Manager validates and applies subscription commands.
type Manager struct {
	store    storage.Storage
	lookup   Lookup
	defaults model.SubscriptionOptions
}

// New creates a Manager. Zero fields of the options given to Subscribe are
// taken from defaults.
func New(store storage.Storage, lookup Lookup, defaults model.SubscriptionOptions) *Manager {
	return &Manager{store: store, lookup: lookup, defaults: defaults}
}

// Defaults returns the options applied when a command omits them.
func (m *Manager) Defaults() model.SubscriptionOptions {
	return m.defaults
}

// Resolve merges opts with the defaults and validates name against the
// content source. The returned subscription is not stored.
func (m *Manager) Resolve(ctx context.Context, dest model.DestinationID, name string, opts model.SubscriptionOptions) (*model.Subscription, error) {
	name = reddit.NormalizeName(name)
	if !reddit.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	if opts.Limit == 0 {
		opts.Limit = m.defaults.Limit
	}
	if opts.Limit < 1 || opts.Limit > model.MaxLimit {
		return nil, ErrInvalidLimit
	}
	if opts.Time == "" {
		opts.Time = m.defaults.Time
	}
	if opts.Filter == nil && !opts.NoFilter {
		opts.Filter = m.defaults.Filter
	}

	about, err := m.lookup.About(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("look up r/%s: %w", name, err)
	}

	return &model.Subscription{
		Destination: dest,
		Subreddit:   about.Name,
		Limit:       opts.Limit,
		Time:        opts.Time,
		Filter:      opts.Filter,
	}, nil
}

// Subscribe creates the subscription or updates its options in place. It
// reports whether a new subscription was created.
func (m *Manager) Subscribe(ctx context.Context, dest model.DestinationID, name string, opts model.SubscriptionOptions) (*model.Subscription, bool, error) {
	sub, err := m.Resolve(ctx, dest, name, opts)
	if err != nil {
		return nil, false, err
	}

	created, err := m.store.UpsertSubscription(ctx, sub)
	if err != nil {
		return nil, false, fmt.Errorf("save subscription: %w", err)
	}
	return sub, created, nil
}

// Unsubscribe deletes the subscription, matching the name case-insensitively.
// Seen items are kept so a later re-subscribe does not repeat old posts.
func (m *Manager) Unsubscribe(ctx context.Context, dest model.DestinationID, name string) (bool, error) {
	key := model.SubscriptionKey{Destination: dest, Subreddit: reddit.NormalizeName(name)}
	deleted, err := m.store.DeleteSubscription(ctx, key)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	return deleted, nil
}

// List returns the destination's subscriptions.
func (m *Manager) List(ctx context.Context, dest model.DestinationID) ([]model.Subscription, error) {
	subs, err := m.store.ListSubscriptions(ctx, dest)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	return subs, nil
}
