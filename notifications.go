package loopii

import (
	"context"
	"time"
)

const NotificationsPageLimit = 20

func notificationsAdapter() *CollectionAdapter[*Notification] {
	return &CollectionAdapter[*Notification]{
		ItemId: func(item *Notification) Id {
			return item.Id
		},
		ItemTime: func(item *Notification) time.Time {
			return item.CreatedAt
		},
		ItemFavourite: func(item *Notification) bool {
			return false
		},
		ItemUnseen: func(item *Notification) bool {
			return !item.IsRead
		},
		Merge: mergeNotification,
	}
}

func mergeNotification(existing *Notification, update *Notification) *Notification {
	next := *existing
	next.IsRead = update.IsRead
	if update.Type != "" {
		next.Type = update.Type
	}
	if !update.CreatedAt.IsZero() {
		next.CreatedAt = update.CreatedAt
	}
	if update.Data != nil {
		if next.Data == nil {
			next.Data = update.Data
		} else {
			merged := *next.Data
			if update.Data.LoopId != nil {
				merged.LoopId = update.Data.LoopId
			}
			if update.Data.DeciderId != nil {
				merged.DeciderId = update.Data.DeciderId
			}
			if update.Data.DecisionId != nil {
				merged.DecisionId = update.Data.DecisionId
			}
			if update.Data.Message != "" {
				merged.Message = update.Data.Message
			}
			next.Data = &merged
		}
	}
	return &next
}

type NotificationsStore struct {
	*CollectionStore[*Notification]

	api    *LoopiiApi
	tasks  *TaskSupervisor
	popups PopupSurface
}

func NewNotificationsStore(
	ctx context.Context,
	api *LoopiiApi,
	tasks *TaskSupervisor,
	popups PopupSurface,
) *NotificationsStore {
	store := &NotificationsStore{
		api:    api,
		tasks:  tasks,
		popups: popups,
	}
	store.CollectionStore = NewCollectionStore[*Notification](
		ctx,
		"[notifications]",
		NotificationsPageLimit,
		notificationsAdapter(),
		store.fetchPage,
	)
	return store
}

func (self *NotificationsStore) fetchPage(ctx context.Context, limit int, afterId string) (*CollectionPage[*Notification], error) {
	result, err := self.api.GetUserNotificationsSync(&PageArgs{
		Limit:   limit,
		AfterId: afterId,
	})
	if err != nil {
		return nil, err
	}
	return &CollectionPage[*Notification]{
		Items:      result.Items,
		HasMore:    result.HasMore,
		NextCursor: result.NextCursor,
		Total:      result.TotalCount,
		Unseen:     result.UnreadCount,
	}, nil
}

// marks read locally and persists in the background. A lost write is
// accepted; the next full load reconciles.
func (self *NotificationsStore) MarkRead(notificationId Id) {
	self.Update(notificationId, func(item *Notification) *Notification {
		next := *item
		next.IsRead = true
		return &next
	})

	self.tasks.Spawn("notification_mark_read", func(ctx context.Context) error {
		_, err := self.api.MarkNotificationReadSync(notificationId)
		return err
	})
}

// optimistic: all items flip to read and the badge clears immediately;
// a failed call restores the previous items and counts in full
func (self *NotificationsStore) MarkAllRead() {
	runOptimistic(
		self.tasks,
		"notifications_mark_all_read",
		self.snapshot,
		func() bool {
			changed := false
			for _, item := range self.Items() {
				if !item.IsRead {
					changed = true
					itemId := item.Id
					self.Update(itemId, func(item *Notification) *Notification {
						next := *item
						next.IsRead = true
						return &next
					})
				}
			}
			return changed
		},
		func(ctx context.Context) error {
			_, err := self.api.MarkAllNotificationsReadSync()
			return err
		},
		self.restore,
		func(err error) {
			self.popups.Add(&NotificationDescriptor{
				Variant:  VariantBanner,
				Text:     "Could not mark notifications as read.",
				AutoHide: 5 * time.Second,
			})
		},
	)
}

// optimistic: read items disappear immediately, with full rollback on failure
func (self *NotificationsStore) DeleteAllRead() {
	runOptimistic(
		self.tasks,
		"notifications_delete_all_read",
		self.snapshot,
		func() bool {
			readIds := []Id{}
			for _, item := range self.Items() {
				if item.IsRead {
					readIds = append(readIds, item.Id)
				}
			}
			for _, itemId := range readIds {
				self.removeLocal(itemId)
			}
			return 0 < len(readIds)
		},
		func(ctx context.Context) error {
			_, err := self.api.DeleteAllReadNotificationsSync()
			return err
		},
		self.restore,
		func(err error) {
			self.popups.Add(&NotificationDescriptor{
				Variant:  VariantBanner,
				Text:     "Could not clear read notifications.",
				AutoHide: 5 * time.Second,
			})
		},
	)
}
