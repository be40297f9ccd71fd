package loopii

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const LoopsPageLimit = 24

const prefSkipDeleteConfirm = "loops.skip_delete_confirm"

func loopsAdapter() *CollectionAdapter[*LoopItem] {
	return &CollectionAdapter[*LoopItem]{
		ItemId: func(item *LoopItem) Id {
			return item.Loop.Id
		},
		ItemTime: func(item *LoopItem) time.Time {
			return item.Loop.CreatedAt
		},
		ItemFavourite: func(item *LoopItem) bool {
			return item.Loop.IsFavourite
		},
		ItemUnseen: func(item *LoopItem) bool {
			return !item.Loop.IsSeen
		},
		Merge: mergeLoopItem,
	}
}

// later-applied scalar fields win; the nested loop and profile records are
// merged rather than wholesale replaced so a partial update from one source
// does not clobber fields written by another
func mergeLoopItem(existing *LoopItem, update *LoopItem) *LoopItem {
	next := *existing
	if update.Profile != nil {
		next.Profile = update.Profile
	}
	if update.Loop != nil {
		if next.Loop == nil {
			next.Loop = update.Loop
		} else {
			merged := *next.Loop
			merged.IsSeen = update.Loop.IsSeen
			merged.IsFavourite = update.Loop.IsFavourite
			if !update.Loop.CreatedAt.IsZero() {
				merged.CreatedAt = update.Loop.CreatedAt
			}
			next.Loop = &merged
		}
	}
	return &next
}

type LoopsStore struct {
	*CollectionStore[*LoopItem]

	api    *LoopiiApi
	tasks  *TaskSupervisor
	popups PopupSurface
	prefs  PreferenceStore

	selectedLock sync.Mutex
	selected     *LoopItem
}

func NewLoopsStore(
	ctx context.Context,
	api *LoopiiApi,
	tasks *TaskSupervisor,
	popups PopupSurface,
	prefs PreferenceStore,
) *LoopsStore {
	store := &LoopsStore{
		api:    api,
		tasks:  tasks,
		popups: popups,
		prefs:  prefs,
	}
	store.CollectionStore = NewCollectionStore[*LoopItem](
		ctx,
		"[loops]",
		LoopsPageLimit,
		loopsAdapter(),
		store.fetchPage,
	)
	return store
}

func (self *LoopsStore) fetchPage(ctx context.Context, limit int, afterId string) (*CollectionPage[*LoopItem], error) {
	result, err := self.api.GetUserLoopsSync(&PageArgs{
		Limit:   limit,
		AfterId: afterId,
	})
	if err != nil {
		return nil, err
	}
	return &CollectionPage[*LoopItem]{
		Items:      result.Items,
		HasMore:    result.HasMore,
		NextCursor: result.NextCursor,
		Total:      result.Total,
		Unseen:     result.UnseenTotal,
	}, nil
}

// the loop currently open in the detail view
func (self *LoopsStore) SetSelected(item *LoopItem) {
	self.selectedLock.Lock()
	self.selected = item
	self.selectedLock.Unlock()
}

func (self *LoopsStore) Selected() *LoopItem {
	self.selectedLock.Lock()
	defer self.selectedLock.Unlock()
	return self.selected
}

// asks for confirmation via a modal descriptor unless the user opted out.
// The modal offers cancel, delete, and delete-without-asking-again.
func (self *LoopsStore) RequestDelete(loopId Id) {
	if skip, ok := self.prefs.Get(prefSkipDeleteConfirm); ok && skip == "true" {
		self.Delete(loopId)
		return
	}

	item, ok := self.Find(loopId)
	if !ok {
		return
	}

	username := "this user"
	if item.Profile != nil && item.Profile.Username != "" {
		username = item.Profile.Username
	}

	self.popups.Add(&NotificationDescriptor{
		Variant:     VariantModal,
		Text:        fmt.Sprintf("Delete your loop with %s?", username),
		Description: "This cannot be undone.",
		Actions: []LabeledAction{
			{
				Label:  "Cancel",
				Action: func() {},
			},
			{
				Label: "Delete",
				Action: func() {
					self.Delete(loopId)
				},
			},
			{
				Label: "Delete and don't ask again",
				Action: func() {
					self.prefs.Set(prefSkipDeleteConfirm, "true")
					self.Delete(loopId)
				},
			},
		},
	})
}

// optimistic: the loop disappears from the list immediately. A failed delete
// restores the full snapshot and surfaces a failure toast, since leaving a
// destructive operation silently un-applied is not acceptable.
func (self *LoopsStore) Delete(loopId Id) {
	runOptimistic(
		self.tasks,
		"loop_delete",
		self.snapshot,
		func() bool {
			return self.removeLocal(loopId)
		},
		func(ctx context.Context) error {
			_, err := self.api.DeleteLoopSync(loopId)
			return err
		},
		self.restore,
		func(err error) {
			self.popups.Add(&NotificationDescriptor{
				Variant:  VariantBanner,
				Text:     "Could not delete the loop.",
				AutoHide: 5 * time.Second,
			})
		},
	)
}

// marks the loop seen locally, decrements the unseen badge if it was unseen,
// and persists in the background. A lost write here is accepted.
func (self *LoopsStore) MarkSeen(loopId Id) {
	self.Update(loopId, func(item *LoopItem) *LoopItem {
		next := *item
		loop := *next.Loop
		loop.IsSeen = true
		next.Loop = &loop
		return &next
	})

	isSeen := true
	self.tasks.Spawn("loop_mark_seen", func(ctx context.Context) error {
		_, err := self.api.UpdateLoopStateSync(loopId, &UpdateLoopStateArgs{
			IsSeen: &isSeen,
		})
		return err
	})
}

// optimistic favourite toggle with rollback
func (self *LoopsStore) SetFavourite(loopId Id, favourite bool) {
	runOptimistic(
		self.tasks,
		"loop_set_favourite",
		self.snapshot,
		func() bool {
			return self.Update(loopId, func(item *LoopItem) *LoopItem {
				next := *item
				loop := *next.Loop
				loop.IsFavourite = favourite
				next.Loop = &loop
				return &next
			})
		},
		func(ctx context.Context) error {
			_, err := self.api.UpdateLoopStateSync(loopId, &UpdateLoopStateArgs{
				IsFavourite: &favourite,
			})
			return err
		},
		self.restore,
		nil,
	)
}
