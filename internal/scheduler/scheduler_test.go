package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"reddit_relay/internal/dedup"
	"reddit_relay/internal/media"
	"reddit_relay/internal/model"
	"reddit_relay/internal/reddit"
	"reddit_relay/internal/storage"
)

type sentItem struct {
	Destination model.DestinationID
	ItemID      string
	Kind        media.Kind
}

type mockDispatcher struct {
	mu      sync.Mutex
	items   []sentItem
	notices []string
}

func (m *mockDispatcher) Deliver(_ context.Context, dest model.DestinationID, item model.Item, md *media.Media) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, sentItem{Destination: dest, ItemID: item.ID, Kind: md.Kind})
	return nil
}

func (m *mockDispatcher) Notify(_ context.Context, _ model.DestinationID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notices = append(m.notices, text)
	return nil
}

func (m *mockDispatcher) getItems() []sentItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentItem(nil), m.items...)
}

func (m *mockDispatcher) getNotices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.notices...)
}

func (m *mockDispatcher) itemIDs() []string {
	var ids []string
	for _, it := range m.getItems() {
		ids = append(ids, it.ItemID)
	}
	return ids
}

type fetchResult struct {
	items []model.Item
	err   error
}

// mockSource returns queued results per subreddit; the last one repeats.
type mockSource struct {
	mu      sync.Mutex
	results map[string][]fetchResult
	calls   map[string]int
	hook    func(subreddit string)
}

func newMockSource() *mockSource {
	return &mockSource{results: map[string][]fetchResult{}, calls: map[string]int{}}
}

func (m *mockSource) queue(subreddit string, items []model.Item, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[subreddit] = append(m.results[subreddit], fetchResult{items: items, err: err})
}

func (m *mockSource) TopPosts(_ context.Context, subreddit string, _ model.TimeWindow, limit int) ([]model.Item, error) {
	if m.hook != nil {
		m.hook(subreddit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[subreddit]++
	queue := m.results[subreddit]
	if len(queue) == 0 {
		return nil, nil
	}
	r := queue[0]
	if len(queue) > 1 {
		m.results[subreddit] = queue[1:]
	}
	if len(r.items) > limit {
		return r.items[:limit], r.err
	}
	return r.items, r.err
}

type mockResolver struct {
	failFor map[string]bool
}

func (m *mockResolver) Resolve(_ context.Context, item model.Item) (*media.Media, error) {
	if m.failFor[item.ID] {
		return nil, media.ErrTimeout
	}
	switch item.Type {
	case model.ItemVideo:
		return &media.Media{Kind: media.KindVideo}, nil
	case model.ItemImage:
		return &media.Media{Kind: media.KindPhoto}, nil
	default:
		return media.LinkOnly(), nil
	}
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type harness struct {
	store      *storage.SQLite
	source     *mockSource
	resolver   *mockResolver
	dispatcher *mockDispatcher
	sched      *Scheduler
}

func newHarness(t *testing.T, skipInitial bool) *harness {
	t.Helper()
	h := &harness{
		store:      newTestStore(t),
		source:     newMockSource(),
		resolver:   &mockResolver{failFor: map[string]bool{}},
		dispatcher: &mockDispatcher{},
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.sched = New(h.store, h.source, dedup.New(h.store, skipInitial), h.resolver, h.dispatcher,
		Config{Interval: time.Hour, Concurrency: 4}, log)
	return h
}

func (h *harness) subscribe(t *testing.T, sub model.Subscription) model.Subscription {
	t.Helper()
	if _, err := h.store.UpsertSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return sub
}

func (h *harness) seen(t *testing.T, sub model.Subscription, ids ...string) []string {
	t.Helper()
	got, err := h.store.SeenItemIDs(context.Background(), sub.Key(), ids)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	var out []string
	for _, id := range ids {
		if got[id] {
			out = append(out, id)
		}
	}
	return out
}

func post(id string, typ model.ItemType) model.Item {
	return model.Item{ID: id, Subreddit: "pics", Title: "post " + id, Permalink: "/r/pics/comments/" + id, Type: typ}
}

func TestSchedulerDeliversNewItemsInRankOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	sub := h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 3, Time: model.WindowDay})

	h.source.queue("pics", []model.Item{post("A", model.ItemImage), post("B", model.ItemImage), post("C", model.ItemImage)}, nil)
	h.source.queue("pics", []model.Item{post("A", model.ItemImage), post("B", model.ItemImage), post("D", model.ItemImage)}, nil)

	h.sched.CheckAll(ctx)
	if diff := cmp.Diff([]string{"A", "B", "C"}, h.dispatcher.itemIDs()); diff != "" {
		t.Errorf("first tick deliveries (-want +got):\n%s", diff)
	}

	h.sched.CheckAll(ctx)
	if diff := cmp.Diff([]string{"A", "B", "C", "D"}, h.dispatcher.itemIDs()); diff != "" {
		t.Errorf("second tick must deliver only D (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A", "B", "C", "D"}, h.seen(t, sub, "A", "B", "C", "D")); diff != "" {
		t.Errorf("seen set (-want +got):\n%s", diff)
	}
	for _, it := range h.dispatcher.getItems() {
		if it.Destination != "100" {
			t.Errorf("item %s sent to %s", it.ItemID, it.Destination)
		}
	}
}

func TestSchedulerSkipInitial(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, true)
	sub := h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 3, Time: model.WindowDay})

	h.source.queue("pics", []model.Item{post("A", model.ItemImage), post("B", model.ItemImage)}, nil)
	h.source.queue("pics", []model.Item{post("A", model.ItemImage), post("C", model.ItemImage)}, nil)

	h.sched.CheckAll(ctx)
	if got := h.dispatcher.itemIDs(); len(got) != 0 {
		t.Errorf("fresh subscription must not deliver, got %v", got)
	}
	if diff := cmp.Diff([]string{"A", "B"}, h.seen(t, sub, "A", "B")); diff != "" {
		t.Errorf("initial items must be seen (-want +got):\n%s", diff)
	}

	h.sched.CheckAll(ctx)
	if diff := cmp.Diff([]string{"C"}, h.dispatcher.itemIDs()); diff != "" {
		t.Errorf("second tick (-want +got):\n%s", diff)
	}
}

func TestSchedulerTypeFilter(t *testing.T) {
	h := newHarness(t, false)
	video := model.ItemVideo
	h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 3, Time: model.WindowDay, Filter: &video})

	h.source.queue("pics", []model.Item{
		post("image1", model.ItemImage),
		post("video1", model.ItemVideo),
		post("link1", model.ItemLink),
	}, nil)

	h.sched.CheckAll(context.Background())

	want := []sentItem{{Destination: "100", ItemID: "video1", Kind: media.KindVideo}}
	if diff := cmp.Diff(want, h.dispatcher.getItems()); diff != "" {
		t.Errorf("deliveries (-want +got):\n%s", diff)
	}
}

func TestSchedulerResolverFailureFallsBackToLink(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	sub := h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 2, Time: model.WindowDay})

	h.resolver.failFor["V"] = true
	h.source.queue("pics", []model.Item{post("V", model.ItemVideo), post("I", model.ItemImage)}, nil)

	h.sched.CheckAll(ctx)
	h.sched.CheckAll(ctx)

	want := []sentItem{
		{Destination: "100", ItemID: "V", Kind: media.KindLinkOnly},
		{Destination: "100", ItemID: "I", Kind: media.KindPhoto},
	}
	if diff := cmp.Diff(want, h.dispatcher.getItems()); diff != "" {
		t.Errorf("deliveries (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"V", "I"}, h.seen(t, sub, "V", "I")); diff != "" {
		t.Errorf("seen (-want +got):\n%s", diff)
	}
}

func TestSchedulerSourceNotFoundReportedOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	sub := h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "gone", Limit: 1, Time: model.WindowDay})

	h.source.queue("gone", nil, reddit.ErrNotFound)
	h.source.queue("gone", nil, reddit.ErrNotFound)
	h.source.queue("gone", nil, reddit.ErrNotFound)
	h.source.queue("gone", []model.Item{post("X", model.ItemLink)}, nil)

	for range 3 {
		h.sched.CheckAll(ctx)
	}
	notices := h.dispatcher.getNotices()
	if diff := cmp.Diff(1, len(notices)); diff != "" {
		t.Fatalf("notices (-want +got):\n%s", diff)
	}
	if !strings.Contains(notices[0], "r/gone") {
		t.Errorf("notice should name the subreddit: %q", notices[0])
	}

	got, err := h.store.GetSubscription(ctx, sub.Key())
	if err != nil {
		t.Fatalf("subscription must not be auto-removed: %v", err)
	}
	if got.SourceError == "" {
		t.Error("expected source error to be recorded")
	}

	h.sched.CheckAll(ctx)
	got, _ = h.store.GetSubscription(ctx, sub.Key())
	if got.SourceError != "" {
		t.Errorf("source error should clear after a successful fetch, got %q", got.SourceError)
	}
	if diff := cmp.Diff([]string{"X"}, h.dispatcher.itemIDs()); diff != "" {
		t.Errorf("deliveries after recovery (-want +got):\n%s", diff)
	}
}

func TestSchedulerSourceUnavailableRetriedNextTick(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	sub := h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 1, Time: model.WindowDay})

	h.source.queue("pics", nil, reddit.ErrUnavailable)
	h.source.queue("pics", []model.Item{post("A", model.ItemLink)}, nil)

	h.sched.CheckAll(ctx)
	if len(h.dispatcher.getNotices()) != 0 || len(h.dispatcher.getItems()) != 0 {
		t.Fatal("transient errors must not notify or deliver")
	}
	if seen := h.seen(t, sub, "A"); len(seen) != 0 {
		t.Fatalf("nothing may be marked seen on a failed fetch, got %v", seen)
	}

	h.sched.CheckAll(ctx)
	if diff := cmp.Diff([]string{"A"}, h.dispatcher.itemIDs()); diff != "" {
		t.Errorf("deliveries (-want +got):\n%s", diff)
	}
}

func TestSchedulerFailureIsolatedPerSubscription(t *testing.T) {
	h := newHarness(t, false)
	h.subscribe(t, model.Subscription{Destination: "1", Subreddit: "broken", Limit: 1, Time: model.WindowDay})
	h.subscribe(t, model.Subscription{Destination: "2", Subreddit: "pics", Limit: 1, Time: model.WindowDay})

	h.source.queue("broken", nil, errors.New("boom"))
	h.source.queue("pics", []model.Item{post("A", model.ItemLink)}, nil)

	h.sched.CheckAll(context.Background())

	want := []sentItem{{Destination: "2", ItemID: "A", Kind: media.KindLinkOnly}}
	if diff := cmp.Diff(want, h.dispatcher.getItems()); diff != "" {
		t.Errorf("deliveries (-want +got):\n%s", diff)
	}
}

func TestSchedulerSubscriptionDeletedDuringPass(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	sub := h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 2, Time: model.WindowDay})

	h.source.queue("pics", []model.Item{post("A", model.ItemLink), post("B", model.ItemLink)}, nil)
	h.source.hook = func(string) {
		if _, err := h.store.DeleteSubscription(ctx, sub.Key()); err != nil {
			t.Errorf("delete: %v", err)
		}
	}

	h.sched.CheckAll(ctx)

	if got := h.dispatcher.itemIDs(); len(got) != 0 {
		t.Errorf("nothing may be delivered for a deleted subscription, got %v", got)
	}
	if seen := h.seen(t, sub, "A", "B"); len(seen) != 0 {
		t.Errorf("seen rows re-created for deleted subscription: %v", seen)
	}
}

func TestSchedulerShutdownBeforeCommit(t *testing.T) {
	h := newHarness(t, false)
	sub := h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 1, Time: model.WindowDay})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.source.queue("pics", []model.Item{post("A", model.ItemLink)}, nil)
	h.source.hook = func(string) { cancel() }

	h.sched.CheckAll(ctx)

	if got := h.dispatcher.itemIDs(); len(got) != 0 {
		t.Errorf("no delivery after shutdown before commit, got %v", got)
	}
	if seen := h.seen(t, sub, "A"); len(seen) != 0 {
		t.Errorf("no partial seen state after shutdown, got %v", seen)
	}
}

func TestSchedulerCancelledContext(t *testing.T) {
	h := newHarness(t, false)
	h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 1, Time: model.WindowDay})
	h.source.queue("pics", []model.Item{post("A", model.ItemLink)}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.sched.CheckAll(ctx)

	if diff := cmp.Diff(0, h.source.calls["pics"]); diff != "" {
		t.Errorf("no pass may start after cancellation (-want +got):\n%s", diff)
	}
}

func TestSchedulerSkipsSubscriptionStillInFlight(t *testing.T) {
	h := newHarness(t, false)
	h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "slow", Limit: 1, Time: model.WindowDay})
	h.source.queue("slow", []model.Item{post("A", model.ItemLink)}, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.source.hook = func(string) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan struct{})
	go func() {
		h.sched.CheckAll(context.Background())
		close(done)
	}()

	<-entered
	h.sched.CheckAll(context.Background())
	close(release)
	<-done

	h.source.mu.Lock()
	calls := h.source.calls["slow"]
	h.source.mu.Unlock()
	if diff := cmp.Diff(1, calls); diff != "" {
		t.Errorf("overlapping pass must be skipped (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A"}, h.dispatcher.itemIDs()); diff != "" {
		t.Errorf("deliveries (-want +got):\n%s", diff)
	}
}

func TestSchedulerPreviewBypassesDedup(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, false)
	sub := model.Subscription{Destination: "100", Subreddit: "pics", Limit: 2, Time: model.WindowWeek}

	h.source.queue("pics", []model.Item{post("A", model.ItemImage), post("B", model.ItemLink)}, nil)

	for range 2 {
		n, err := h.sched.Preview(ctx, sub)
		if err != nil {
			t.Fatalf("preview: %v", err)
		}
		if diff := cmp.Diff(2, n); diff != "" {
			t.Errorf("preview count (-want +got):\n%s", diff)
		}
	}
	if diff := cmp.Diff([]string{"A", "B", "A", "B"}, h.dispatcher.itemIDs()); diff != "" {
		t.Errorf("deliveries (-want +got):\n%s", diff)
	}
	if seen := h.seen(t, sub, "A", "B"); len(seen) != 0 {
		t.Errorf("preview must not touch seen state, got %v", seen)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, false)
	h.subscribe(t, model.Subscription{Destination: "100", Subreddit: "pics", Limit: 1, Time: model.WindowDay})
	h.source.queue("pics", []model.Item{post("A", model.ItemLink)}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.sched.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
	if diff := cmp.Diff([]string{"A"}, h.dispatcher.itemIDs()); diff != "" {
		t.Errorf("initial check deliveries (-want +got):\n%s", diff)
	}
}

func TestSchedulerInvalidSchedule(t *testing.T) {
	s := New(newTestStore(t), newMockSource(), nil, &mockResolver{}, &mockDispatcher{},
		Config{Schedule: "every now and then"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected schedule parse error")
	}
}
