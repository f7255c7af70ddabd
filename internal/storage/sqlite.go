package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration.

	"reddit_relay/internal/model"
	"reddit_relay/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

var subscriptionColumns = []string{
	"chat_id", "subreddit", "post_limit", "time_window", "type_filter",
	"created_at", "established_at", "source_error", "generation",
}

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// UpsertSubscription inserts a subscription or updates the options of an
// existing one. CreatedAt and EstablishedAt of an existing row are preserved
// and copied back into sub.
func (s *SQLite) UpsertSubscription(ctx context.Context, sub *model.Subscription) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args := selectSubscriptions().Where(keyEq(sub.Key())).MustSql()
	existing, err := scanSubscription(tx.QueryRowContext(ctx, query, args...))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	created := existing == nil
	if created {
		now := time.Now().UTC().Format(timeLayout)
		generation := uuid.NewString()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscriptions (chat_id, subreddit, post_limit, time_window, type_filter, created_at, generation)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			string(sub.Destination), sub.Subreddit, sub.Limit, string(sub.Time), filterValue(sub.Filter), now, generation,
		)
		if err != nil {
			return false, fmt.Errorf("insert subscription: %w", err)
		}
		sub.CreatedAt, _ = time.Parse(timeLayout, now)
		sub.Generation = generation
		sub.EstablishedAt = nil
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE subscriptions SET post_limit = ?, time_window = ?, type_filter = ?
			 WHERE chat_id = ? AND subreddit = ?`,
			sub.Limit, string(sub.Time), filterValue(sub.Filter), string(sub.Destination), sub.Subreddit,
		)
		if err != nil {
			return false, fmt.Errorf("update subscription: %w", err)
		}
		sub.Subreddit = existing.Subreddit
		sub.CreatedAt = existing.CreatedAt
		sub.Generation = existing.Generation
		sub.EstablishedAt = existing.EstablishedAt
		sub.SourceError = existing.SourceError
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

// GetSubscription returns a single subscription by its key.
func (s *SQLite) GetSubscription(ctx context.Context, key model.SubscriptionKey) (*model.Subscription, error) {
	query, args := selectSubscriptions().Where(keyEq(key)).MustSql()
	return scanSubscription(s.db.QueryRowContext(ctx, query, args...))
}

// ListSubscriptions returns all subscriptions of a destination.
func (s *SQLite) ListSubscriptions(ctx context.Context, dest model.DestinationID) ([]model.Subscription, error) {
	return s.querySubscriptions(ctx, selectSubscriptions().Where(sq.Eq{"chat_id": string(dest)}))
}

// ListAllSubscriptions returns every subscription, used as the per-tick snapshot.
func (s *SQLite) ListAllSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	return s.querySubscriptions(ctx, selectSubscriptions())
}

// DeleteSubscription removes a subscription. Seen items are kept.
func (s *SQLite) DeleteSubscription(ctx context.Context, key model.SubscriptionKey) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE chat_id = ? AND subreddit = ?`,
		string(key.Destination), key.Subreddit,
	)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// SetSourceError stores the last reported source error; an empty msg clears it.
// It returns ErrNotFound when the subscription does not exist.
func (s *SQLite) SetSourceError(ctx context.Context, key model.SubscriptionKey, msg string) error {
	var v *string
	if msg != "" {
		v = &msg
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET source_error = ? WHERE chat_id = ? AND subreddit = ?`,
		v, string(key.Destination), key.Subreddit,
	)
	if err != nil {
		return fmt.Errorf("set source error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeenItemIDs returns which of ids are already recorded as seen for key.
func (s *SQLite) SeenItemIDs(ctx context.Context, key model.SubscriptionKey, ids []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return seen, nil
	}

	query, args, err := sq.Select("item_id").From("seen_items").
		Where(keyEq(key)).
		Where(sq.Eq{"item_id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build seen query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query seen items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan seen item: %w", err)
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// CommitSeen records ids as seen for sub in one transaction. The subscription
// and its generation are re-checked inside the transaction so a concurrent
// unsubscribe never gets its seen rows re-created, and a subscription that was
// re-created meanwhile is not established by a pass over the old one.
func (s *SQLite) CommitSeen(ctx context.Context, sub model.Subscription, ids []string, establish bool) error {
	key := sub.Key()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE chat_id = ? AND subreddit = ? AND generation = ?`,
		string(key.Destination), key.Subreddit, sub.Generation,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check subscription: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	now := time.Now().UTC().Format(timeLayout)
	if len(ids) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT OR IGNORE INTO seen_items (chat_id, subreddit, item_id, first_seen_at) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare mark seen: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, string(key.Destination), key.Subreddit, id, now); err != nil {
				return fmt.Errorf("mark seen %s: %w", id, err)
			}
		}
	}

	if establish {
		_, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET established_at = ?
			 WHERE chat_id = ? AND subreddit = ? AND established_at IS NULL`,
			now, string(key.Destination), key.Subreddit,
		)
		if err != nil {
			return fmt.Errorf("establish subscription: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PruneSeen deletes seen items first recorded before the given time.
func (s *SQLite) PruneSeen(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM seen_items WHERE first_seen_at < ?`,
		before.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune seen items: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLite) querySubscriptions(ctx context.Context, b sq.SelectBuilder) ([]model.Subscription, error) {
	query, args, err := b.OrderBy("created_at", "subreddit").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subscriptions query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func selectSubscriptions() sq.SelectBuilder {
	return sq.Select(subscriptionColumns...).From("subscriptions")
}

func keyEq(key model.SubscriptionKey) sq.Eq {
	return sq.Eq{"chat_id": string(key.Destination), "subreddit": key.Subreddit}
}

func filterValue(f *model.ItemType) *string {
	if f == nil {
		return nil
	}
	v := string(*f)
	return &v
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var chatID, window, created string
	var filter, established, sourceErr sql.NullString
	err := row.Scan(&chatID, &sub.Subreddit, &sub.Limit, &window, &filter, &created, &established, &sourceErr, &sub.Generation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.Destination = model.DestinationID(chatID)
	sub.Time = model.TimeWindow(window)
	if filter.Valid {
		t := model.ItemType(filter.String)
		sub.Filter = &t
	}
	sub.CreatedAt, _ = time.Parse(timeLayout, created)
	if established.Valid {
		t, _ := time.Parse(timeLayout, established.String)
		sub.EstablishedAt = &t
	}
	sub.SourceError = sourceErr.String
	return &sub, nil
}
