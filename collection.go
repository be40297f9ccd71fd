package loopii

import (
	"bytes"
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/golang/glog"
)

type StoreStatus string

const (
	StoreStatusUnloaded StoreStatus = "unloaded"
	StoreStatusLoading  StoreStatus = "loading"
	StoreStatusLoaded   StoreStatus = "loaded"
	StoreStatusError    StoreStatus = "error"
)

// cursor pagination state. `Loading` is true for at most one in-flight page
// request per store. `End` is terminal until a refresh resets the state.
type PageState struct {
	Limit       int
	End         bool
	Loading     bool
	Initialized bool
	Cursor      string
}

type CollectionPage[T any] struct {
	Items      []T
	HasMore    bool
	NextCursor string
	// -1 when the endpoint does not report totals
	Total  int
	Unseen int
}

type FetchPageFunction[T any] func(ctx context.Context, limit int, afterId string) (*CollectionPage[T], error)

// per-type hooks for the generic store, in the manner of the cmp functions
// passed into queue constructors
type CollectionAdapter[T any] struct {
	ItemId        func(item T) Id
	ItemTime      func(item T) time.Time
	ItemFavourite func(item T) bool
	ItemUnseen    func(item T) bool
	// dedupe contract: later-applied scalar fields win, nested sub-records
	// are merged field by field so partial updates do not clobber
	Merge func(existing T, update T) T
}

// cursor-paginated, sortable, dedupe-by-id collection with realtime upserts.
// All mutation goes through the exported operations; items are single-owner
// state local to the store.
type CollectionStore[T any] struct {
	ctx context.Context

	adapter   *CollectionAdapter[T]
	fetchPage FetchPageFunction[T]

	log LogFunction

	stateLock sync.Mutex
	items     []T
	pageState PageState
	status    StoreStatus
	total     int
	unseen    int
	// incremented by Refresh so superseded page results are discarded
	generation int

	updateMonitor *Monitor
}

func NewCollectionStore[T any](
	ctx context.Context,
	tag string,
	limit int,
	adapter *CollectionAdapter[T],
	fetchPage FetchPageFunction[T],
) *CollectionStore[T] {
	return &CollectionStore[T]{
		ctx:       ctx,
		adapter:   adapter,
		fetchPage: fetchPage,
		log:       LogFn(tag),
		items:     []T{},
		pageState: PageState{
			Limit: limit,
		},
		status:        StoreStatusUnloaded,
		updateMonitor: NewMonitor(),
	}
}

func (self *CollectionStore[T]) UpdateMonitor() *Monitor {
	return self.updateMonitor
}

func (self *CollectionStore[T]) Status() StoreStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *CollectionStore[T]) PageState() PageState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.pageState
}

func (self *CollectionStore[T]) Items() []T {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]T, len(self.items))
	copy(out, self.items)
	return out
}

func (self *CollectionStore[T]) Counts() (total int, unseen int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.total, self.unseen
}

func (self *CollectionStore[T]) Find(itemId Id) (T, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, item := range self.items {
		if self.adapter.ItemId(item) == itemId {
			return item, true
		}
	}
	var empty T
	return empty, false
}

// first-visit guard: only loads when the store has never loaded
func (self *CollectionStore[T]) InitOnce() error {
	self.stateLock.Lock()
	if self.status != StoreStatusUnloaded {
		self.stateLock.Unlock()
		return nil
	}
	self.stateLock.Unlock()
	return self.LoadInitial()
}

func (self *CollectionStore[T]) LoadInitial() error {
	self.stateLock.Lock()
	if self.pageState.Loading {
		self.stateLock.Unlock()
		return nil
	}
	self.pageState.Loading = true
	self.status = StoreStatusLoading
	generation := self.generation
	limit := self.pageState.Limit
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	page, err := self.fetchPage(self.ctx, limit, "")

	self.stateLock.Lock()
	if generation != self.generation {
		// a refresh superseded this request
		self.stateLock.Unlock()
		return nil
	}
	self.pageState.Loading = false
	if err != nil {
		// previously loaded items stay untouched
		self.status = StoreStatusError
		self.stateLock.Unlock()
		self.updateMonitor.NotifyAll()
		self.log("initial load error = %s", err)
		return err
	}

	self.items = self.sorted(self.deduped(page.Items))
	self.pageState.Initialized = true
	self.pageState.End = !page.HasMore
	self.pageState.Cursor = page.NextCursor
	self.applyCounts(page)
	self.status = StoreStatusLoaded
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	glog.V(2).Infof("[store]initial load %d items\n", len(page.Items))
	return nil
}

func (self *CollectionStore[T]) LoadMore() error {
	self.stateLock.Lock()
	if self.pageState.Loading || self.pageState.End {
		self.stateLock.Unlock()
		return nil
	}
	self.pageState.Loading = true
	generation := self.generation
	limit := self.pageState.Limit
	cursor := self.pageState.Cursor
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	page, err := self.fetchPage(self.ctx, limit, cursor)

	self.stateLock.Lock()
	if generation != self.generation {
		self.stateLock.Unlock()
		return nil
	}
	self.pageState.Loading = false
	if err != nil {
		// existing items stay intact, just stop loading
		self.stateLock.Unlock()
		self.updateMonitor.NotifyAll()
		self.log("load more error = %s", err)
		return err
	}

	merged := append(slices.Clone(self.items), page.Items...)
	self.items = self.sorted(self.deduped(merged))
	self.pageState.End = !page.HasMore
	if page.NextCursor != "" {
		self.pageState.Cursor = page.NextCursor
	}
	self.applyCounts(page)
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	glog.V(2).Infof("[store]load more %d items\n", len(page.Items))
	return nil
}

// discards all held items first so a brief empty state is visible.
// An in-flight page request is superseded, not waited for: bumping the
// generation makes its eventual result a discard.
func (self *CollectionStore[T]) Refresh() error {
	self.stateLock.Lock()
	self.generation += 1
	self.items = []T{}
	self.pageState = PageState{
		Limit: self.pageState.Limit,
	}
	self.status = StoreStatusUnloaded
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	return self.LoadInitial()
}

// insert-or-merge keyed by stable id, used by the realtime bridge.
// Returns whether the item was newly inserted. Idempotent under
// at-least-once event delivery.
func (self *CollectionStore[T]) Upsert(item T) bool {
	itemId := self.adapter.ItemId(item)

	self.stateLock.Lock()
	inserted := true
	next := slices.Clone(self.items)
	for i, existing := range next {
		if self.adapter.ItemId(existing) == itemId {
			wasUnseen := self.adapter.ItemUnseen(existing)
			next[i] = self.adapter.Merge(existing, item)
			nowUnseen := self.adapter.ItemUnseen(next[i])
			if wasUnseen && !nowUnseen {
				self.unseen = max(0, self.unseen-1)
			} else if !wasUnseen && nowUnseen {
				self.unseen += 1
			}
			inserted = false
			break
		}
	}
	if inserted {
		next = append(next, item)
		self.total += 1
		if self.adapter.ItemUnseen(item) {
			self.unseen += 1
		}
	}
	self.items = self.sorted(next)
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	glog.V(2).Infof("[store]upsert %s inserted=%t\n", itemId, inserted)
	return inserted
}

// in-place update by id, e.g. marking an item seen from a popup action
func (self *CollectionStore[T]) Update(itemId Id, update func(item T) T) bool {
	self.stateLock.Lock()
	found := false
	next := slices.Clone(self.items)
	for i, existing := range next {
		if self.adapter.ItemId(existing) == itemId {
			wasUnseen := self.adapter.ItemUnseen(existing)
			next[i] = update(existing)
			nowUnseen := self.adapter.ItemUnseen(next[i])
			if wasUnseen && !nowUnseen {
				self.unseen = max(0, self.unseen-1)
			} else if !wasUnseen && nowUnseen {
				self.unseen += 1
			}
			found = true
			break
		}
	}
	if found {
		self.items = self.sorted(next)
	}
	self.stateLock.Unlock()
	if found {
		self.updateMonitor.NotifyAll()
	}
	return found
}

// clamped at a floor of zero
func (self *CollectionStore[T]) AdjustUnseenCount(delta int) {
	self.stateLock.Lock()
	self.unseen = max(0, self.unseen+delta)
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()
}

type collectionSnapshot[T any] struct {
	items  []T
	total  int
	unseen int
}

func (self *CollectionStore[T]) snapshot() *collectionSnapshot[T] {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return &collectionSnapshot[T]{
		items:  slices.Clone(self.items),
		total:  self.total,
		unseen: self.unseen,
	}
}

func (self *CollectionStore[T]) restore(snapshot *collectionSnapshot[T]) {
	self.stateLock.Lock()
	self.items = snapshot.items
	self.total = snapshot.total
	self.unseen = snapshot.unseen
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()
}

// removes the item and adjusts counts before any network call
func (self *CollectionStore[T]) removeLocal(itemId Id) bool {
	self.stateLock.Lock()
	found := false
	next := []T{}
	for _, existing := range self.items {
		if self.adapter.ItemId(existing) == itemId {
			found = true
			self.total = max(0, self.total-1)
			if self.adapter.ItemUnseen(existing) {
				self.unseen = max(0, self.unseen-1)
			}
			continue
		}
		next = append(next, existing)
	}
	self.items = next
	self.stateLock.Unlock()
	if found {
		self.updateMonitor.NotifyAll()
	}
	return found
}

func (self *CollectionStore[T]) applyCounts(page *CollectionPage[T]) {
	if 0 <= page.Total {
		self.total = page.Total
	}
	if 0 <= page.Unseen {
		self.unseen = page.Unseen
	}
}

func (self *CollectionStore[T]) deduped(items []T) []T {
	out := []T{}
	index := map[Id]int{}
	for _, item := range items {
		itemId := self.adapter.ItemId(item)
		if i, ok := index[itemId]; ok {
			out[i] = self.adapter.Merge(out[i], item)
			continue
		}
		index[itemId] = len(out)
		out = append(out, item)
	}
	return out
}

// favourite first, then newest, with an id tie-break for deterministic order
func (self *CollectionStore[T]) sorted(items []T) []T {
	slices.SortStableFunc(items, func(a T, b T) int {
		aFav := self.adapter.ItemFavourite(a)
		bFav := self.adapter.ItemFavourite(b)
		if aFav != bFav {
			if aFav {
				return -1
			}
			return 1
		}
		aTime := self.adapter.ItemTime(a)
		bTime := self.adapter.ItemTime(b)
		if !aTime.Equal(bTime) {
			if aTime.After(bTime) {
				return -1
			}
			return 1
		}
		aId := self.adapter.ItemId(a)
		bId := self.adapter.ItemId(b)
		return bytes.Compare(aId.Bytes(), bId.Bytes())
	})
	return items
}

// optimistic command: capture a snapshot of affected state, apply the local
// change synchronously, then run the command in the background. On failure
// the snapshot is restored in full, not patched.
func runOptimistic[S any](
	tasks *TaskSupervisor,
	tag string,
	snapshot func() S,
	apply func() bool,
	command func(ctx context.Context) error,
	restore func(snapshot S),
	onFailure func(err error),
) {
	before := snapshot()
	if !apply() {
		return
	}
	tasks.Spawn(tag, func(ctx context.Context) error {
		if err := command(ctx); err != nil {
			restore(before)
			if onFailure != nil {
				onFailure(err)
			}
			return err
		}
		return nil
	})
}
