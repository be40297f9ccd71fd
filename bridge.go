package loopii

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

const UserNotificationsChannel = "user-notifications"

// where a popup action sends the user
const (
	RouteLoops         = "/loops"
	RouteRequests      = "/requests"
	RouteNotifications = "/notifications"
)

type NavigateFunction func(route string)

// subscribes once per authenticated session to the user's realtime channel,
// hydrates each insert event into a full record via the gateway, applies it
// to the owning store, and only then emits a popup. An event whose hydration
// fails is dropped silently: a popup must never reference data that failed
// to load.
//
// This is the explicitly owned realtime session manager: constructed at the
// composition root, with Init/Teardown instead of module-level globals.
type NotificationBridge struct {
	ctx context.Context

	session       *Session
	api           *LoopiiApi
	realtime      *RealtimeClient
	loops         *LoopsStore
	requests      *RequestsStore
	notifications *NotificationsStore
	popups        PopupSurface
	tasks         *TaskSupervisor
	navigate      NavigateFunction

	stateLock     sync.Mutex
	authSyncBound bool
	subscribed    bool
	// per-entity tails so events for the same entity apply in receipt order
	// while distinct entities hydrate concurrently
	entityTails map[Id]chan struct{}
}

func NewNotificationBridge(
	ctx context.Context,
	session *Session,
	api *LoopiiApi,
	realtime *RealtimeClient,
	loops *LoopsStore,
	requests *RequestsStore,
	notifications *NotificationsStore,
	popups PopupSurface,
	tasks *TaskSupervisor,
	navigate NavigateFunction,
) *NotificationBridge {
	return &NotificationBridge{
		ctx:           ctx,
		session:       session,
		api:           api,
		realtime:      realtime,
		loops:         loops,
		requests:      requests,
		notifications: notifications,
		popups:        popups,
		tasks:         tasks,
		navigate:      navigate,
		entityTails:   map[Id]chan struct{}{},
	}
}

// idempotent. Aborts silently when there is no authenticated user yet.
func (self *NotificationBridge) Init() {
	self.stateLock.Lock()
	if self.subscribed {
		self.stateLock.Unlock()
		return
	}

	if !self.authSyncBound {
		// one-time registration, intentionally kept across Teardown
		self.session.AddTokenListener(func(sessionJwt string) {
			if userId, ok := self.session.UserId(); ok {
				self.realtime.SetAuth(sessionJwt, userId)
			}
		})
		self.authSyncBound = true
	}

	userId, ok := self.session.UserId()
	if !ok {
		// not yet authenticated
		self.stateLock.Unlock()
		return
	}
	self.realtime.SetAuth(self.session.Token(), userId)

	self.subscribed = true
	self.stateLock.Unlock()

	self.realtime.Subscribe(UserNotificationsChannel, self.handleEvent)
}

// tears down the channel handle; the auth binding registration stays
func (self *NotificationBridge) Teardown() {
	self.stateLock.Lock()
	if !self.subscribed {
		self.stateLock.Unlock()
		return
	}
	self.subscribed = false
	self.stateLock.Unlock()

	self.realtime.Unsubscribe(UserNotificationsChannel)
}

func (self *NotificationBridge) handleEvent(event *RealtimeEvent) {
	// the notification row itself always lands in the notifications store;
	// upsert is idempotent under redelivery
	self.notifications.Upsert(&Notification{
		Id:        event.Id,
		Type:      event.Type,
		CreatedAt: event.CreatedAt,
		IsRead:    false,
		Data:      event.Data,
	})

	switch event.Type {
	case "loop":
		if event.Data == nil || event.Data.LoopId == nil {
			glog.Infof("[bridge]loop event %s missing loop_id, dropped\n", event.Id)
			return
		}
		loopId := *event.Data.LoopId
		self.serialize(loopId, "bridge_loop_event", func(ctx context.Context) error {
			return self.handleLoopEvent(loopId)
		})
	case "request":
		if event.Data == nil || event.Data.DeciderId == nil {
			glog.Infof("[bridge]request event %s missing decider_id, dropped\n", event.Id)
			return
		}
		deciderId := *event.Data.DeciderId
		self.serialize(deciderId, "bridge_request_event", func(ctx context.Context) error {
			return self.handleRequestEvent(deciderId)
		})
	default:
		self.emitGenericPopup(event)
	}
}

// chains work per entity id so redeliveries and updates for one entity apply
// in receipt order. Distinct entities run concurrently.
func (self *NotificationBridge) serialize(entityId Id, tag string, work func(ctx context.Context) error) {
	self.stateLock.Lock()
	prev := self.entityTails[entityId]
	done := make(chan struct{})
	self.entityTails[entityId] = done
	self.stateLock.Unlock()

	self.tasks.Spawn(tag, func(ctx context.Context) error {
		defer func() {
			close(done)
			self.stateLock.Lock()
			if self.entityTails[entityId] == done {
				delete(self.entityTails, entityId)
			}
			self.stateLock.Unlock()
		}()

		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return work(ctx)
	})
}

func (self *NotificationBridge) handleLoopEvent(loopId Id) error {
	result, err := self.api.GetProfileFromLoopSync(loopId)
	if err != nil {
		glog.Infof("[bridge]loop %s hydration failed, dropped = %s\n", loopId, err)
		return nil
	}
	if result.Loop == nil || result.Profile == nil {
		glog.Infof("[bridge]loop %s hydration incomplete, dropped\n", loopId)
		return nil
	}

	item := &LoopItem{
		Loop:    result.Loop,
		Profile: result.Profile,
	}

	// the destination view must already have the data when the user
	// clicks through, so upsert before showing anything
	self.loops.Upsert(item)

	username := "someone"
	if result.Profile.Username != "" {
		username = result.Profile.Username
	}

	self.popups.Add(&NotificationDescriptor{
		Variant:     VariantPopup,
		Text:        fmt.Sprintf("You looped with %s!", username),
		Description: "Click to view their profile.",
		Payload:     item,
		OnAction: func() {
			self.openLoop(loopId, item)
		},
	})
	return nil
}

// locates the loop in the store, falling back to the hydrated item if it was
// pruned or not yet paginated in, marks it seen, and navigates
func (self *NotificationBridge) openLoop(loopId Id, hydrated *LoopItem) {
	match, ok := self.loops.Find(loopId)
	if !ok {
		match = hydrated
	}
	self.loops.SetSelected(match)
	// MarkSeen adjusts the badge only if the loop was previously unseen,
	// and persists the seen state in the background
	self.loops.MarkSeen(loopId)

	if self.navigate != nil {
		self.navigate(RouteLoops)
	}
}

func (self *NotificationBridge) handleRequestEvent(deciderId Id) error {
	result, err := self.api.GetRequestByDeciderSync(deciderId)
	if err != nil {
		glog.Infof("[bridge]request by %s hydration failed, dropped = %s\n", deciderId, err)
		return nil
	}
	if result.Decision == nil || result.Profile == nil {
		glog.Infof("[bridge]request by %s hydration incomplete, dropped\n", deciderId)
		return nil
	}

	item := &RequestItem{
		Decision: result.Decision,
		Profile:  result.Profile,
	}
	requestId := result.Decision.Id

	self.requests.Upsert(item)

	username := "Someone"
	if result.Profile.Username != "" {
		username = result.Profile.Username
	}

	self.popups.Add(&NotificationDescriptor{
		Variant:     VariantPopup,
		Text:        fmt.Sprintf("%s wants to loop with you!", username),
		Description: "Click to view their request.",
		Payload:     item,
		OnAction: func() {
			match, ok := self.requests.Find(requestId)
			if !ok {
				match = item
			}
			self.requests.SetSelected(match)
			self.requests.MarkSeen(requestId)

			if self.navigate != nil {
				self.navigate(RouteRequests)
			}
		},
	})
	return nil
}

func (self *NotificationBridge) emitGenericPopup(event *RealtimeEvent) {
	text := "You have a new notification."
	if event.Data != nil && event.Data.Message != "" {
		text = event.Data.Message
	}

	notificationId := event.Id
	self.popups.Add(&NotificationDescriptor{
		Variant:  VariantBanner,
		Text:     text,
		AutoHide: DefaultToastAutoHide,
		OnAction: func() {
			self.notifications.MarkRead(notificationId)
			if self.navigate != nil {
				self.navigate(RouteNotifications)
			}
		},
	})
}
