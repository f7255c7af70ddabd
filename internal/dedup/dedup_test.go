package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"reddit_relay/internal/filter"
	"reddit_relay/internal/model"
	"reddit_relay/internal/storage"
)

func newStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func subscribe(t *testing.T, s *storage.SQLite, sub model.Subscription) model.Subscription {
	t.Helper()
	if _, err := s.UpsertSubscription(context.Background(), &sub); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return sub
}

func reload(t *testing.T, s *storage.SQLite, sub model.Subscription) model.Subscription {
	t.Helper()
	got, err := s.GetSubscription(context.Background(), sub.Key())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return *got
}

func items(ids ...string) []model.Item {
	out := make([]model.Item, 0, len(ids))
	for i, id := range ids {
		out = append(out, model.Item{ID: id, Subreddit: "pics", Type: model.ItemImage, Rank: i + 1})
	}
	return out
}

func itemIDs(items []model.Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func seenIDs(t *testing.T, s *storage.SQLite, sub model.Subscription, ids ...string) []string {
	t.Helper()
	seen, err := s.SeenItemIDs(context.Background(), sub.Key(), ids)
	if err != nil {
		t.Fatalf("seen ids: %v", err)
	}
	var out []string
	for _, id := range ids {
		if seen[id] {
			out = append(out, id)
		}
	}
	return out
}

var pics = model.Subscription{Destination: "100", Subreddit: "pics", Limit: 3, Time: model.WindowDay}

func TestProcessDeliversNewInRankOrder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := New(s, false)
	sub := subscribe(t, s, pics)

	got, err := e.Process(ctx, sub, items("A", "B", "C"))
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "B", "C"}, itemIDs(got)); diff != "" {
		t.Errorf("first poll new items (-want +got):\n%s", diff)
	}

	sub = reload(t, s, sub)
	got, err = e.Process(ctx, sub, items("A", "B", "D"))
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if diff := cmp.Diff([]string{"D"}, itemIDs(got)); diff != "" {
		t.Errorf("second poll new items (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"A", "B", "C", "D"}, seenIDs(t, s, sub, "A", "B", "C", "D")); diff != "" {
		t.Errorf("seen set (-want +got):\n%s", diff)
	}
}

func TestProcessNeverRedeliversSeenItems(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := New(s, false)
	sub := subscribe(t, s, pics)

	if _, err := e.Process(ctx, sub, items("A", "B", "C")); err != nil {
		t.Fatalf("first poll: %v", err)
	}
	sub = reload(t, s, sub)

	// C climbs to the top, A drops out and comes back later.
	for _, poll := range [][]model.Item{items("C", "B", "E"), items("A", "E", "C"), items("E", "C", "A")} {
		got, err := e.Process(ctx, sub, poll)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		for _, it := range got {
			if it.ID != "E" {
				t.Errorf("item %s re-classified as new", it.ID)
			}
		}
	}
}

func TestProcessIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := New(s, false)
	sub := subscribe(t, s, pics)

	video := model.ItemVideo
	candidates := []model.Item{
		{ID: "v1", Type: model.ItemVideo, Rank: 1},
		{ID: "i1", Type: model.ItemImage, Rank: 2},
		{ID: "v2", Type: model.ItemVideo, Rank: 3},
	}

	first, err := e.Process(ctx, sub, filter.Apply(candidates, &video))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if diff := cmp.Diff([]string{"v1", "v2"}, itemIDs(first)); diff != "" {
		t.Errorf("first pass (-want +got):\n%s", diff)
	}

	sub = reload(t, s, sub)
	second, err := e.Process(ctx, sub, filter.Apply(candidates, &video))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second pass over unchanged input must be empty, got %v", itemIDs(second))
	}
}

func TestProcessSkipInitial(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := New(s, true)
	sub := subscribe(t, s, pics)

	got, err := e.Process(ctx, sub, items("A", "B", "C"))
	if err != nil {
		t.Fatalf("first poll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("fresh subscription must deliver nothing, got %v", itemIDs(got))
	}
	if diff := cmp.Diff([]string{"A", "B", "C"}, seenIDs(t, s, sub, "A", "B", "C")); diff != "" {
		t.Errorf("initial items must be recorded (-want +got):\n%s", diff)
	}

	sub = reload(t, s, sub)
	if sub.Fresh() {
		t.Fatal("subscription must be established after the first poll")
	}
	got, err = e.Process(ctx, sub, items("A", "B", "D"))
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if diff := cmp.Diff([]string{"D"}, itemIDs(got)); diff != "" {
		t.Errorf("second poll (-want +got):\n%s", diff)
	}
}

func TestProcessSkipInitialEmptyFirstPoll(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := New(s, true)
	sub := subscribe(t, s, pics)

	if _, err := e.Process(ctx, sub, nil); err != nil {
		t.Fatalf("empty poll: %v", err)
	}
	if reload(t, s, sub).Fresh() {
		t.Error("an empty successful poll still establishes the subscription")
	}
}

func TestProcessDeletedSubscription(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := New(s, false)
	sub := subscribe(t, s, pics)

	if _, err := s.DeleteSubscription(ctx, sub.Key()); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got, err := e.Process(ctx, sub, items("A", "B"))
	if !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("nothing may be delivered for a deleted subscription, got %v", itemIDs(got))
	}
	if seen := seenIDs(t, s, sub, "A", "B"); len(seen) != 0 {
		t.Errorf("seen rows re-created for deleted subscription: %v", seen)
	}
}

func TestProcessRecreatedSubscription(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	e := New(s, true)
	old := subscribe(t, s, pics)

	if _, err := s.DeleteSubscription(ctx, old.Key()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recreated := subscribe(t, s, pics)

	got, err := e.Process(ctx, old, items("A", "B"))
	if !errors.Is(err, ErrGone) {
		t.Fatalf("expected ErrGone, got %v", err)
	}
	if len(got) != 0 {
		t.Errorf("nothing may be delivered for a replaced subscription, got %v", itemIDs(got))
	}
	if !reload(t, s, recreated).Fresh() {
		t.Fatal("a pass over the old subscription must not establish the new one")
	}

	// The new subscription still gets its own initial fetch.
	got, err = e.Process(ctx, recreated, items("A", "B"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("initial fetch must not deliver, got %v", itemIDs(got))
	}
	if reload(t, s, recreated).Fresh() {
		t.Error("expected the new subscription to be established")
	}
}

type failingStore struct {
	seen      map[string]bool
	commitErr error
	committed [][]string
}

func (f *failingStore) SeenItemIDs(context.Context, model.SubscriptionKey, []string) (map[string]bool, error) {
	return f.seen, nil
}

func (f *failingStore) CommitSeen(_ context.Context, _ model.Subscription, ids []string, _ bool) error {
	if f.commitErr != nil {
		return f.commitErr
	}
	f.committed = append(f.committed, ids)
	return nil
}

func TestProcessCommitFailure(t *testing.T) {
	store := &failingStore{commitErr: errors.New("disk I/O error")}
	e := New(store, false)

	got, err := e.Process(context.Background(), pics, items("A"))
	if err == nil {
		t.Fatal("expected commit error")
	}
	if got != nil {
		t.Errorf("failed commit must not return items, got %v", itemIDs(got))
	}
}

func TestProcessStagesOnlyUnseen(t *testing.T) {
	established := pics
	at := time.Now()
	established.EstablishedAt = &at

	store := &failingStore{seen: map[string]bool{"B": true}}
	e := New(store, true)

	got, err := e.Process(context.Background(), established, items("A", "B", "A", "C"))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if diff := cmp.Diff([]string{"A", "C"}, itemIDs(got)); diff != "" {
		t.Errorf("new items (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"A", "C"}}, store.committed); diff != "" {
		t.Errorf("committed ids (-want +got):\n%s", diff)
	}
}
