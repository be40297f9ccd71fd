package loopii

import (
	"context"
	"sync"
	"time"
)

const RequestsPageLimit = 18

func requestsAdapter() *CollectionAdapter[*RequestItem] {
	return &CollectionAdapter[*RequestItem]{
		ItemId: func(item *RequestItem) Id {
			return item.Decision.Id
		},
		ItemTime: func(item *RequestItem) time.Time {
			return item.Decision.CreatedAt
		},
		ItemFavourite: func(item *RequestItem) bool {
			return false
		},
		ItemUnseen: func(item *RequestItem) bool {
			return !item.Decision.IsSeen
		},
		Merge: mergeRequestItem,
	}
}

func mergeRequestItem(existing *RequestItem, update *RequestItem) *RequestItem {
	next := *existing
	if update.Profile != nil {
		next.Profile = update.Profile
	}
	if update.Decision != nil {
		if next.Decision == nil {
			next.Decision = update.Decision
		} else {
			merged := *next.Decision
			merged.IsSeen = update.Decision.IsSeen
			if update.Decision.DeciderId != (Id{}) {
				merged.DeciderId = update.Decision.DeciderId
			}
			if !update.Decision.CreatedAt.IsZero() {
				merged.CreatedAt = update.Decision.CreatedAt
			}
			next.Decision = &merged
		}
	}
	return &next
}

// incoming loop requests: one-sided connect decisions waiting on this user
type RequestsStore struct {
	*CollectionStore[*RequestItem]

	api   *LoopiiApi
	tasks *TaskSupervisor

	selectedLock sync.Mutex
	selected     *RequestItem
}

// the request currently open in the detail view
func (self *RequestsStore) SetSelected(item *RequestItem) {
	self.selectedLock.Lock()
	self.selected = item
	self.selectedLock.Unlock()
}

func (self *RequestsStore) Selected() *RequestItem {
	self.selectedLock.Lock()
	defer self.selectedLock.Unlock()
	return self.selected
}

func NewRequestsStore(
	ctx context.Context,
	api *LoopiiApi,
	tasks *TaskSupervisor,
) *RequestsStore {
	store := &RequestsStore{
		api:   api,
		tasks: tasks,
	}
	store.CollectionStore = NewCollectionStore[*RequestItem](
		ctx,
		"[requests]",
		RequestsPageLimit,
		requestsAdapter(),
		store.fetchPage,
	)
	return store
}

func (self *RequestsStore) fetchPage(ctx context.Context, limit int, afterId string) (*CollectionPage[*RequestItem], error) {
	result, err := self.api.GetUserRequestsSync(&PageArgs{
		Limit:   limit,
		AfterId: afterId,
	})
	if err != nil {
		return nil, err
	}
	return &CollectionPage[*RequestItem]{
		Items:      result.Items,
		HasMore:    result.HasMore,
		NextCursor: result.NextCursor,
		Total:      result.Total,
		Unseen:     result.UnseenTotal,
	}, nil
}

// marks the request seen locally, adjusting the badge. Requests have no
// server-side seen state to persist; the badge is a client affordance.
func (self *RequestsStore) MarkSeen(requestId Id) {
	self.Update(requestId, func(item *RequestItem) *RequestItem {
		next := *item
		decision := *next.Decision
		decision.IsSeen = true
		next.Decision = &decision
		return &next
	})
}
