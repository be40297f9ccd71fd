package loopii

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testItem struct {
	id        Id
	createdAt time.Time
	favourite bool
	seen      bool
}

func testAdapter() *CollectionAdapter[*testItem] {
	return &CollectionAdapter[*testItem]{
		ItemId: func(item *testItem) Id {
			return item.id
		},
		ItemTime: func(item *testItem) time.Time {
			return item.createdAt
		},
		ItemFavourite: func(item *testItem) bool {
			return item.favourite
		},
		ItemUnseen: func(item *testItem) bool {
			return !item.seen
		},
		Merge: func(existing *testItem, update *testItem) *testItem {
			next := *existing
			next.favourite = update.favourite
			next.seen = update.seen
			if !update.createdAt.IsZero() {
				next.createdAt = update.createdAt
			}
			return &next
		},
	}
}

// scripted page source: each call pops the next page or error
type testPager struct {
	pages []func() (*CollectionPage[*testItem], error)
	calls int
}

func (self *testPager) fetchPage(ctx context.Context, limit int, afterId string) (*CollectionPage[*testItem], error) {
	self.calls += 1
	if len(self.pages) == 0 {
		return &CollectionPage[*testItem]{
			Items:   []*testItem{},
			HasMore: false,
			Total:   -1,
			Unseen:  -1,
		}, nil
	}
	page := self.pages[0]
	self.pages = self.pages[1:]
	return page()
}

func newTestStore(ctx context.Context, pager *testPager) *CollectionStore[*testItem] {
	return NewCollectionStore[*testItem](ctx, "[test]", 10, testAdapter(), pager.fetchPage)
}

func staticPage(items []*testItem, hasMore bool, cursor string) func() (*CollectionPage[*testItem], error) {
	return func() (*CollectionPage[*testItem], error) {
		return &CollectionPage[*testItem]{
			Items:      items,
			HasMore:    hasMore,
			NextCursor: cursor,
			Total:      -1,
			Unseen:     -1,
		}, nil
	}
}

func TestCollectionSortOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	// a: not favourite, newest
	// b: favourite, older
	// c: favourite, newer
	a := &testItem{id: NewId(), createdAt: t0.Add(3 * time.Hour)}
	b := &testItem{id: NewId(), createdAt: t0.Add(1 * time.Hour), favourite: true}
	c := &testItem{id: NewId(), createdAt: t0.Add(2 * time.Hour), favourite: true}

	pager := &testPager{
		pages: []func() (*CollectionPage[*testItem], error){
			staticPage([]*testItem{a, b, c}, false, ""),
		},
	}
	store := newTestStore(ctx, pager)

	err := store.LoadInitial()
	assert.Equal(t, err, nil)

	items := store.Items()
	assert.Equal(t, 3, len(items))
	// favourites first ordered by recency, then the rest by recency
	assert.Equal(t, c.id, items[0].id)
	assert.Equal(t, b.id, items[1].id)
	assert.Equal(t, a.id, items[2].id)
}

func TestCollectionCursorAdvance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	first := []*testItem{}
	second := []*testItem{}
	for i := 0; i < 3; i += 1 {
		first = append(first, &testItem{id: NewId(), createdAt: t0.Add(time.Duration(10-i) * time.Hour)})
		second = append(second, &testItem{id: NewId(), createdAt: t0.Add(time.Duration(5-i) * time.Hour)})
	}

	pager := &testPager{
		pages: []func() (*CollectionPage[*testItem], error){
			staticPage(first, true, "cursor-1"),
			staticPage(second, false, ""),
		},
	}
	store := newTestStore(ctx, pager)

	err := store.LoadInitial()
	assert.Equal(t, err, nil)
	pageState := store.PageState()
	assert.Equal(t, true, pageState.Initialized)
	assert.Equal(t, false, pageState.End)
	assert.Equal(t, "cursor-1", pageState.Cursor)

	err = store.LoadMore()
	assert.Equal(t, err, nil)
	assert.Equal(t, 6, len(store.Items()))
	pageState = store.PageState()
	assert.Equal(t, true, pageState.End)

	// at the end, load more is a no-op
	err = store.LoadMore()
	assert.Equal(t, err, nil)
	assert.Equal(t, 2, pager.calls)
}

func TestCollectionLoadErrorKeepsItems(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	item := &testItem{id: NewId(), createdAt: time.Now()}
	pager := &testPager{
		pages: []func() (*CollectionPage[*testItem], error){
			staticPage([]*testItem{item}, true, "cursor-1"),
			func() (*CollectionPage[*testItem], error) {
				return nil, errors.New("boom")
			},
		},
	}
	store := newTestStore(ctx, pager)

	err := store.LoadInitial()
	assert.Equal(t, err, nil)

	err = store.LoadMore()
	assert.NotEqual(t, err, nil)
	// held items survive a failed page
	assert.Equal(t, 1, len(store.Items()))
	pageState := store.PageState()
	assert.Equal(t, false, pageState.Loading)
	assert.Equal(t, false, pageState.End)
}

func TestCollectionInitOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pager := &testPager{
		pages: []func() (*CollectionPage[*testItem], error){
			staticPage([]*testItem{{id: NewId(), createdAt: time.Now()}}, false, ""),
		},
	}
	store := newTestStore(ctx, pager)

	err := store.InitOnce()
	assert.Equal(t, err, nil)
	err = store.InitOnce()
	assert.Equal(t, err, nil)
	assert.Equal(t, 1, pager.calls)
}

func TestCollectionUpsertIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pager := &testPager{}
	store := newTestStore(ctx, pager)

	item := &testItem{id: NewId(), createdAt: time.Now()}

	inserted := store.Upsert(item)
	assert.Equal(t, true, inserted)
	inserted = store.Upsert(item)
	assert.Equal(t, false, inserted)

	assert.Equal(t, 1, len(store.Items()))
	total, unseen := store.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, unseen)

	// an upsert that marks the item seen adjusts the unseen count once
	seen := *item
	seen.seen = true
	store.Upsert(&seen)
	store.Upsert(&seen)
	total, unseen = store.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 0, unseen)
}

func TestCollectionUnseenFloor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pager := &testPager{}
	store := newTestStore(ctx, pager)

	store.AdjustUnseenCount(-5)
	_, unseen := store.Counts()
	assert.Equal(t, 0, unseen)

	store.AdjustUnseenCount(2)
	store.AdjustUnseenCount(-10)
	_, unseen = store.Counts()
	assert.Equal(t, 0, unseen)
}

func TestCollectionRefreshDiscardsStaleResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	staleItem := &testItem{id: NewId(), createdAt: t0}
	freshItem := &testItem{id: NewId(), createdAt: t0.Add(time.Hour)}

	staleStarted := make(chan struct{})
	staleRelease := make(chan struct{})

	pager := &testPager{
		pages: []func() (*CollectionPage[*testItem], error){
			func() (*CollectionPage[*testItem], error) {
				close(staleStarted)
				<-staleRelease
				return &CollectionPage[*testItem]{
					Items:   []*testItem{staleItem},
					HasMore: false,
					Total:   -1,
					Unseen:  -1,
				}, nil
			},
			staticPage([]*testItem{freshItem}, false, ""),
		},
	}
	store := newTestStore(ctx, pager)

	staleDone := make(chan error)
	go func() {
		staleDone <- store.LoadInitial()
	}()
	<-staleStarted

	// refresh while the first load is still in flight
	err := store.Refresh()
	assert.Equal(t, err, nil)
	assert.Equal(t, freshItem.id, store.Items()[0].id)

	// release the superseded request; its result must be discarded
	close(staleRelease)
	assert.Equal(t, nil, <-staleDone)
	items := store.Items()
	assert.Equal(t, 1, len(items))
	assert.Equal(t, freshItem.id, items[0].id)
}

func TestCollectionDedupeMergesPages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	shared := &testItem{id: NewId(), createdAt: t0.Add(2 * time.Hour)}
	other := &testItem{id: NewId(), createdAt: t0.Add(1 * time.Hour)}

	sharedUpdate := *shared
	sharedUpdate.seen = true

	pager := &testPager{
		pages: []func() (*CollectionPage[*testItem], error){
			staticPage([]*testItem{shared}, true, "cursor-1"),
			staticPage([]*testItem{&sharedUpdate, other}, false, ""),
		},
	}
	store := newTestStore(ctx, pager)

	assert.Equal(t, nil, store.LoadInitial())
	assert.Equal(t, nil, store.LoadMore())

	items := store.Items()
	assert.Equal(t, 2, len(items))
	// the overlapping row was merged, later page wins the scalar fields
	match, ok := store.Find(shared.id)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, match.seen)
}

func TestCollectionUpdateAdjustsUnseen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pager := &testPager{}
	store := newTestStore(ctx, pager)

	item := &testItem{id: NewId(), createdAt: time.Now()}
	store.Upsert(item)
	_, unseen := store.Counts()
	assert.Equal(t, 1, unseen)

	found := store.Update(item.id, func(item *testItem) *testItem {
		next := *item
		next.seen = true
		return &next
	})
	assert.Equal(t, true, found)
	_, unseen = store.Counts()
	assert.Equal(t, 0, unseen)

	found = store.Update(NewId(), func(item *testItem) *testItem {
		return item
	})
	assert.Equal(t, false, found)
}

func TestRunOptimisticRollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pager := &testPager{}
	store := newTestStore(ctx, pager)
	tasks := NewTaskSupervisor(ctx, nil)

	item := &testItem{id: NewId(), createdAt: time.Now()}
	store.Upsert(item)

	failures := 0
	runOptimistic(
		tasks,
		"test_remove",
		store.snapshot,
		func() bool {
			return store.removeLocal(item.id)
		},
		func(ctx context.Context) error {
			// removal must be observable before the command resolves
			assert.Equal(t, 0, len(store.Items()))
			return fmt.Errorf("server rejected")
		},
		store.restore,
		func(err error) {
			failures += 1
		},
	)

	tasks.Close()

	// full snapshot restored, counts included
	assert.Equal(t, 1, len(store.Items()))
	total, unseen := store.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, unseen)
	assert.Equal(t, 1, failures)
}

func TestRunOptimisticNoopSkipsCommand(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pager := &testPager{}
	store := newTestStore(ctx, pager)
	tasks := NewTaskSupervisor(ctx, nil)

	commands := 0
	runOptimistic(
		tasks,
		"test_remove",
		store.snapshot,
		func() bool {
			return store.removeLocal(NewId())
		},
		func(ctx context.Context) error {
			commands += 1
			return nil
		},
		store.restore,
		nil,
	)

	tasks.Close()
	assert.Equal(t, 0, commands)
}
