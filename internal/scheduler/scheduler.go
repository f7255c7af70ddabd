// Package scheduler runs the periodic fetch, filter, dedup, resolve and
// deliver pass for every subscription.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"reddit_relay/internal/dedup"
	"reddit_relay/internal/filter"
	"reddit_relay/internal/media"
	"reddit_relay/internal/model"
	"reddit_relay/internal/reddit"
	"reddit_relay/internal/storage"
)

// Store is the subset of storage.Storage the scheduler reads and flags.
type Store interface {
	ListAllSubscriptions(ctx context.Context) ([]model.Subscription, error)
	SetSourceError(ctx context.Context, key model.SubscriptionKey, msg string) error
}

// Source fetches candidate items.
type Source interface {
	TopPosts(ctx context.Context, subreddit string, window model.TimeWindow, limit int) ([]model.Item, error)
}

// Deduper returns the unseen items and commits them as seen.
type Deduper interface {
	Process(ctx context.Context, sub model.Subscription, items []model.Item) ([]model.Item, error)
}

// Dispatcher delivers items and status notices.
type Dispatcher interface {
	Deliver(ctx context.Context, dest model.DestinationID, item model.Item, m *media.Media) error
	Notify(ctx context.Context, dest model.DestinationID, text string) error
}

// Config controls when passes run.
type Config struct {
	// Interval between ticks, used when Schedule is empty.
	Interval time.Duration
	// Schedule is a cron spec ("*/10 * * * *", "@every 5m").
	Schedule string
	// Concurrency caps simultaneous subscription passes per tick.
	Concurrency int
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Scheduler periodically checks every subscription and delivers new items.
type Scheduler struct {
	store      Store
	source     Source
	dedup      Deduper
	resolver   media.Resolver
	dispatcher Dispatcher
	cfg        Config
	log        *slog.Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// New creates a Scheduler.
func New(store Store, source Source, d Deduper, resolver media.Resolver, dispatcher Dispatcher, cfg Config, log *slog.Logger) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	return &Scheduler{
		store:      store,
		source:     source,
		dedup:      d,
		resolver:   resolver,
		dispatcher: dispatcher,
		cfg:        cfg,
		log:        log,
		inFlight:   make(map[string]bool),
	}
}

func (s *Scheduler) schedule() (cron.Schedule, error) {
	if s.cfg.Schedule == "" {
		return cron.Every(s.cfg.Interval), nil
	}
	sched, err := cronParser.Parse(s.cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", s.cfg.Schedule, err)
	}
	return sched, nil
}

// Run checks all subscriptions once, then on every tick until ctx is
// cancelled. It returns after in-flight passes have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := s.schedule()
	if err != nil {
		return err
	}

	logger := cronLogger{log: s.log}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	c.Schedule(sched, cron.FuncJob(func() { s.CheckAll(ctx) }))

	s.CheckAll(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// CheckAll runs one pass per subscription of a point-in-time snapshot.
// Passes are independent; a subscription whose previous pass is still
// running is skipped.
func (s *Scheduler) CheckAll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	subs, err := s.store.ListAllSubscriptions(ctx)
	if err != nil {
		s.log.Error("list subscriptions", "error", err)
		return
	}

	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		key := inFlightKey(sub.Key())
		if !s.acquire(key) {
			s.log.Debug("pass still running, skipping", "chat_id", sub.Destination, "subreddit", sub.Subreddit)
			continue
		}
		g.Go(func() error {
			defer s.release(key)
			s.Check(ctx, sub)
			return nil
		})
	}
	_ = g.Wait()
}

func inFlightKey(k model.SubscriptionKey) string {
	return string(k.Destination) + "\x00" + strings.ToLower(k.Subreddit)
}

func (s *Scheduler) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

func (s *Scheduler) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

// Check runs a single pass for sub. Steps already started finish after ctx
// is cancelled; nothing is committed once cancellation is seen before the
// dedup step, and everything committed is dispatched.
func (s *Scheduler) Check(ctx context.Context, sub model.Subscription) {
	log := s.log.With("pass_id", uuid.NewString(), "chat_id", sub.Destination, "subreddit", sub.Subreddit)
	work := context.WithoutCancel(ctx)

	log.Debug("checking subscription", "limit", sub.Limit, "time", sub.Time)

	items, err := s.source.TopPosts(work, sub.Subreddit, sub.Time, sub.Limit)
	if err != nil {
		s.sourceFailed(work, log, sub, err)
		return
	}
	s.sourceRecovered(work, log, sub)

	if ctx.Err() != nil {
		log.Info("shutting down, pass stopped before commit")
		return
	}

	fresh, err := s.dedup.Process(work, sub, filter.Apply(items, sub.Filter))
	switch {
	case errors.Is(err, dedup.ErrGone):
		log.Info("subscription removed during pass")
		return
	case err != nil:
		log.Error("dedup", "error", err)
		return
	}

	delivered := 0
	for _, item := range fresh {
		if s.deliver(work, log, sub.Destination, item) {
			delivered++
		}
	}
	if len(fresh) > 0 {
		log.Info("delivered items", "new", len(fresh), "delivered", delivered)
	}
}

// Preview fetches sub's current top items and delivers them without dedup
// and without touching seen state. It returns the number of items sent.
func (s *Scheduler) Preview(ctx context.Context, sub model.Subscription) (int, error) {
	log := s.log.With("pass_id", uuid.NewString(), "chat_id", sub.Destination, "subreddit", sub.Subreddit)

	items, err := s.source.TopPosts(ctx, sub.Subreddit, sub.Time, sub.Limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, item := range filter.Apply(items, sub.Filter) {
		if s.deliver(ctx, log, sub.Destination, item) {
			sent++
		}
	}
	return sent, nil
}

// deliver resolves media and sends one item. Resolver failures degrade to a
// link message.
func (s *Scheduler) deliver(ctx context.Context, log *slog.Logger, dest model.DestinationID, item model.Item) bool {
	m, err := s.resolver.Resolve(ctx, item)
	if err != nil {
		log.Warn("media resolution failed, sending link", "item_id", item.ID, "type", item.Type, "error", err)
		m = nil
	}
	if m == nil {
		m = media.LinkOnly()
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Error("remove media files", "item_id", item.ID, "error", err)
		}
	}()

	if err := s.dispatcher.Deliver(ctx, dest, item, m); err != nil {
		log.Debug("item not delivered", "item_id", item.ID, "error", err)
		return false
	}
	return true
}

// sourceFailed reports a missing subreddit once per streak. Other errors are
// retried on the next tick.
func (s *Scheduler) sourceFailed(ctx context.Context, log *slog.Logger, sub model.Subscription, err error) {
	if !errors.Is(err, reddit.ErrNotFound) {
		log.Warn("fetch failed, retrying next tick", "error", err)
		return
	}
	if sub.SourceError != "" {
		log.Debug("subreddit still unavailable", "error", err)
		return
	}

	if err := s.store.SetSourceError(ctx, sub.Key(), err.Error()); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("store source error", "error", err)
		}
		return
	}
	log.Warn("subreddit not found", "error", err)

	text := fmt.Sprintf("r/%s could not be fetched: it does not exist, is private or banned. "+
		"The subscription is kept; use /unsub %s to remove it.", sub.Subreddit, sub.Subreddit)
	if err := s.dispatcher.Notify(ctx, sub.Destination, text); err != nil {
		log.Debug("source error notice not delivered", "error", err)
	}
}

func (s *Scheduler) sourceRecovered(ctx context.Context, log *slog.Logger, sub model.Subscription) {
	if sub.SourceError == "" {
		return
	}
	if err := s.store.SetSourceError(ctx, sub.Key(), ""); err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Error("clear source error", "error", err)
		return
	}
	log.Info("subreddit available again")
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
