package loopii

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// records descriptors instead of rendering them
type testPopupSurface struct {
	stateLock   sync.Mutex
	descriptors []*NotificationDescriptor
}

func (self *testPopupSurface) Add(descriptor *NotificationDescriptor) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.descriptors = append(self.descriptors, descriptor)
}

func (self *testPopupSurface) Descriptors() []*NotificationDescriptor {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*NotificationDescriptor, len(self.descriptors))
	copy(out, self.descriptors)
	return out
}

func testLoopItem(createdAt time.Time) *LoopItem {
	return &LoopItem{
		Loop: &Loop{
			Id:        NewId(),
			CreatedAt: createdAt,
		},
		Profile: &Peer{
			Id:       NewId(),
			Username: "ada",
		},
	}
}

type testLoopBackend struct {
	stateLock sync.Mutex

	page         *GetUserLoopsResult
	deleteStatus int
	deletes      []string
	updates      []string

	server *httptest.Server
}

func newTestLoopBackend() *testLoopBackend {
	self := &testLoopBackend{
		page: &GetUserLoopsResult{
			Items: []*LoopItem{},
		},
		deleteStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/loop/get-user-loops", func(w http.ResponseWriter, r *http.Request) {
		self.stateLock.Lock()
		page := self.page
		self.stateLock.Unlock()
		json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("/loop/delete/", func(w http.ResponseWriter, r *http.Request) {
		self.stateLock.Lock()
		self.deletes = append(self.deletes, r.URL.Path)
		status := self.deleteStatus
		self.stateLock.Unlock()

		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"detail": "delete failed"}`))
			return
		}
		json.NewEncoder(w).Encode(&DeleteLoopResult{Deleted: true})
	})
	mux.HandleFunc("/loop/update-state/", func(w http.ResponseWriter, r *http.Request) {
		self.stateLock.Lock()
		self.updates = append(self.updates, r.URL.Path)
		self.stateLock.Unlock()
		json.NewEncoder(w).Encode(&UpdateLoopStateResult{})
	})

	self.server = httptest.NewServer(mux)
	return self
}

func (self *testLoopBackend) Close() {
	self.server.Close()
}

func newTestLoopsStore(ctx context.Context, backend *testLoopBackend) (*LoopsStore, *TaskSupervisor, *testPopupSurface, *MemoryPreferences) {
	api := NewLoopiiApiWithContext(ctx, backend.server.URL)
	tasks := NewTaskSupervisor(ctx, nil)
	popups := &testPopupSurface{}
	prefs := NewMemoryPreferences()
	store := NewLoopsStore(ctx, api, tasks, popups, prefs)
	return store, tasks, popups, prefs
}

func TestLoopsDeleteOptimistic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newTestLoopBackend()
	defer backend.Close()

	item := testLoopItem(time.Now())
	backend.page = &GetUserLoopsResult{
		Items:       []*LoopItem{item},
		Total:       1,
		UnseenTotal: 1,
	}

	store, tasks, popups, _ := newTestLoopsStore(ctx, backend)
	assert.Equal(t, nil, store.LoadInitial())

	store.Delete(item.Loop.Id)
	tasks.Close()

	assert.Equal(t, 0, len(store.Items()))
	total, unseen := store.Counts()
	assert.Equal(t, 0, total)
	assert.Equal(t, 0, unseen)
	assert.Equal(t, 1, len(backend.deletes))
	assert.Equal(t, 0, len(popups.Descriptors()))
}

func TestLoopsDeleteRollback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newTestLoopBackend()
	defer backend.Close()
	backend.deleteStatus = http.StatusInternalServerError

	item := testLoopItem(time.Now())
	backend.page = &GetUserLoopsResult{
		Items:       []*LoopItem{item},
		Total:       1,
		UnseenTotal: 1,
	}

	store, tasks, popups, _ := newTestLoopsStore(ctx, backend)
	assert.Equal(t, nil, store.LoadInitial())

	store.Delete(item.Loop.Id)
	tasks.Close()

	// full snapshot restored, with a failure toast
	items := store.Items()
	assert.Equal(t, 1, len(items))
	assert.Equal(t, item.Loop.Id, items[0].Loop.Id)
	total, unseen := store.Counts()
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, unseen)

	descriptors := popups.Descriptors()
	assert.Equal(t, 1, len(descriptors))
	assert.Equal(t, VariantBanner, descriptors[0].Variant)
}

func TestLoopsRequestDeleteConfirm(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newTestLoopBackend()
	defer backend.Close()

	item := testLoopItem(time.Now())
	backend.page = &GetUserLoopsResult{
		Items: []*LoopItem{item},
		Total: 1,
	}

	store, tasks, popups, prefs := newTestLoopsStore(ctx, backend)
	assert.Equal(t, nil, store.LoadInitial())

	store.RequestDelete(item.Loop.Id)

	// nothing deleted yet, a confirm modal was surfaced
	assert.Equal(t, 1, len(store.Items()))
	descriptors := popups.Descriptors()
	assert.Equal(t, 1, len(descriptors))
	assert.Equal(t, VariantModal, descriptors[0].Variant)
	assert.Equal(t, 3, len(descriptors[0].Actions))

	// the opt-out action persists the preference and deletes
	descriptors[0].Actions[2].Action()
	tasks.Close()
	assert.Equal(t, 0, len(store.Items()))

	skip, ok := prefs.Get(prefSkipDeleteConfirm)
	assert.Equal(t, true, ok)
	assert.Equal(t, "true", skip)
}

func TestLoopsRequestDeleteSkipsConfirm(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newTestLoopBackend()
	defer backend.Close()

	item := testLoopItem(time.Now())
	backend.page = &GetUserLoopsResult{
		Items: []*LoopItem{item},
		Total: 1,
	}

	store, tasks, popups, prefs := newTestLoopsStore(ctx, backend)
	assert.Equal(t, nil, store.LoadInitial())

	prefs.Set(prefSkipDeleteConfirm, "true")
	store.RequestDelete(item.Loop.Id)
	tasks.Close()

	// deleted immediately, no modal
	assert.Equal(t, 0, len(store.Items()))
	assert.Equal(t, 0, len(popups.Descriptors()))
	assert.Equal(t, 1, len(backend.deletes))
}

func TestLoopsMarkSeen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newTestLoopBackend()
	defer backend.Close()

	item := testLoopItem(time.Now())
	backend.page = &GetUserLoopsResult{
		Items:       []*LoopItem{item},
		Total:       1,
		UnseenTotal: 1,
	}

	store, tasks, _, _ := newTestLoopsStore(ctx, backend)
	assert.Equal(t, nil, store.LoadInitial())

	store.MarkSeen(item.Loop.Id)
	tasks.Close()

	match, ok := store.Find(item.Loop.Id)
	assert.Equal(t, true, ok)
	assert.Equal(t, true, match.Loop.IsSeen)
	_, unseen := store.Counts()
	assert.Equal(t, 0, unseen)
	assert.Equal(t, 1, len(backend.updates))

	// marking again does not underflow the badge
	store.MarkSeen(item.Loop.Id)
	tasks.Close()
	_, unseen = store.Counts()
	assert.Equal(t, 0, unseen)
}

func TestLoopsSetFavouriteReorders(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newTestLoopBackend()
	defer backend.Close()

	t0 := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	older := testLoopItem(t0)
	newer := testLoopItem(t0.Add(time.Hour))
	backend.page = &GetUserLoopsResult{
		Items: []*LoopItem{older, newer},
		Total: 2,
	}

	store, tasks, _, _ := newTestLoopsStore(ctx, backend)
	assert.Equal(t, nil, store.LoadInitial())
	assert.Equal(t, newer.Loop.Id, store.Items()[0].Loop.Id)

	store.SetFavourite(older.Loop.Id, true)
	tasks.Close()

	// favourite floats above newer non-favourites
	items := store.Items()
	assert.Equal(t, older.Loop.Id, items[0].Loop.Id)
	assert.Equal(t, true, items[0].Loop.IsFavourite)
}
