// Package dedup decides which fetched items are new for a subscription and
// records every examined item as seen.
package dedup

import (
	"context"
	"errors"
	"fmt"

	"reddit_relay/internal/model"
	"reddit_relay/internal/storage"
)

// ErrGone is returned when the subscription was deleted or re-created before
// the seen commit. Nothing is recorded and nothing must be delivered.
var ErrGone = errors.New("subscription deleted during pass")

// Store is the subset of storage.Storage the engine needs.
type Store interface {
	SeenItemIDs(ctx context.Context, key model.SubscriptionKey, ids []string) (map[string]bool, error)
	CommitSeen(ctx context.Context, sub model.Subscription, ids []string, establish bool) error
}

// Engine applies seen-set deduplication and the initial-fetch policy.
type Engine struct {
	store       Store
	skipInitial bool
}

// New creates an Engine. With skipInitial set, the first successful poll of a
// fresh subscription records its items without delivering them.
func New(store Store, skipInitial bool) *Engine {
	return &Engine{store: store, skipInitial: skipInitial}
}

// Process returns the items of the rank-ordered list that were never seen for
// sub, in the same order. All examined items are committed as seen in one
// transaction before Process returns; on error nothing is committed.
func (e *Engine) Process(ctx context.Context, sub model.Subscription, items []model.Item) ([]model.Item, error) {
	key := sub.Key()

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	seen, err := e.store.SeenItemIDs(ctx, key, ids)
	if err != nil {
		return nil, fmt.Errorf("load seen items for %s: %w", key, err)
	}
	if seen == nil {
		seen = make(map[string]bool, len(items))
	}

	var (
		fresh  []model.Item
		staged []string
	)
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		// Listings can repeat an item when ranks shift between pages.
		seen[it.ID] = true
		fresh = append(fresh, it)
		staged = append(staged, it.ID)
	}

	establish := sub.Fresh()
	if len(staged) > 0 || establish {
		if err := e.store.CommitSeen(ctx, sub, staged, establish); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, ErrGone
			}
			return nil, fmt.Errorf("commit seen items for %s: %w", key, err)
		}
	}

	if establish && e.skipInitial {
		return nil, nil
	}
	return fresh, nil
}
