// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"reddit_relay/internal/model"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("subscription not found")

// Storage is the interface for all persistence operations.
type Storage interface {
	// UpsertSubscription creates the subscription or updates its options in
	// place. It reports whether a new row was created.
	UpsertSubscription(ctx context.Context, sub *model.Subscription) (bool, error)
	GetSubscription(ctx context.Context, key model.SubscriptionKey) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context, dest model.DestinationID) ([]model.Subscription, error)
	ListAllSubscriptions(ctx context.Context) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, key model.SubscriptionKey) (bool, error)
	SetSourceError(ctx context.Context, key model.SubscriptionKey, msg string) error

	// SeenItemIDs returns the subset of ids already recorded for key.
	SeenItemIDs(ctx context.Context, key model.SubscriptionKey, ids []string) (map[string]bool, error)
	// CommitSeen records ids as seen in a single transaction and, when
	// establish is set, marks the subscription as established. It returns
	// ErrNotFound without writing anything if the subscription is gone or
	// was re-created since sub was read.
	CommitSeen(ctx context.Context, sub model.Subscription, ids []string, establish bool) error
	PruneSeen(ctx context.Context, before time.Time) (int64, error)

	Close() error
}
