package loopii

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultToastAutoHide = 5 * time.Second

type NotificationVariant string

const (
	VariantBanner NotificationVariant = "banner"
	VariantPopup  NotificationVariant = "popup"
	VariantModal  NotificationVariant = "modal"
)

type LabeledAction struct {
	Label  string
	Action func()
}

// display-ready popup. Owned by the surface for its display lifetime;
// the producer holds no reference after Add returns.
type NotificationDescriptor struct {
	Variant     NotificationVariant
	Text        string
	Description string
	// 0 means sticky until dismissed
	AutoHide time.Duration
	// renderable payload, e.g. the hydrated profile for a profile card
	Payload   any
	OnAction  func()
	OnDismiss func()
	Actions   []LabeledAction
}

// accepts descriptors and is responsible purely for rendering, timing and
// dismissal. The sdk ships ToastList; a UI layer can provide its own.
type PopupSurface interface {
	Add(descriptor *NotificationDescriptor)
}

type Toast struct {
	Id         string
	Descriptor *NotificationDescriptor
}

type ToastListener func(toasts []*Toast)

// newest first, like the original toast stream
type ToastList struct {
	stateLock sync.Mutex
	toasts    []*Toast
	nextId    int

	listeners *CallbackList[*toastListenerEntry]
}

type toastListenerEntry struct {
	listener ToastListener
}

func NewToastList() *ToastList {
	return &ToastList{
		toasts:    []*Toast{},
		listeners: NewCallbackList[*toastListenerEntry](),
	}
}

func (self *ToastList) Add(descriptor *NotificationDescriptor) {
	if descriptor == nil {
		return
	}

	self.stateLock.Lock()
	self.nextId += 1
	toast := &Toast{
		Id:         fmt.Sprintf("toast-%d", self.nextId),
		Descriptor: self.wrap(descriptor),
	}
	self.toasts = append([]*Toast{toast}, self.toasts...)
	self.stateLock.Unlock()

	self.notify()

	if 0 < descriptor.AutoHide {
		toastId := toast.Id
		time.AfterFunc(descriptor.AutoHide, func() {
			self.Dismiss(toastId)
		})
	}
}

// rebind the callbacks so that both action and dismiss close the toast,
// and a panicking handler cannot leave the toast stuck
func (self *ToastList) wrap(descriptor *NotificationDescriptor) *NotificationDescriptor {
	wrapped := *descriptor
	toastIndex := self.nextId
	toastId := fmt.Sprintf("toast-%d", toastIndex)

	onAction := descriptor.OnAction
	if onAction != nil {
		wrapped.OnAction = func() {
			defer func() {
				if r := recover(); r != nil {
					glog.Errorf("[toast]action handler panic = %v\n", r)
				}
			}()
			defer self.Dismiss(toastId)
			onAction()
		}
	}

	onDismiss := descriptor.OnDismiss
	wrapped.OnDismiss = func() {
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("[toast]dismiss handler panic = %v\n", r)
			}
		}()
		defer self.Dismiss(toastId)
		if onDismiss != nil {
			onDismiss()
		}
	}

	return &wrapped
}

func (self *ToastList) Dismiss(toastId string) {
	self.stateLock.Lock()
	changed := false
	nextToasts := []*Toast{}
	for _, toast := range self.toasts {
		if toast.Id == toastId {
			changed = true
			continue
		}
		nextToasts = append(nextToasts, toast)
	}
	self.toasts = nextToasts
	self.stateLock.Unlock()

	if changed {
		self.notify()
	}
}

func (self *ToastList) Toasts() []*Toast {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	out := make([]*Toast, len(self.toasts))
	copy(out, self.toasts)
	return out
}

func (self *ToastList) AddListener(listener ToastListener) func() {
	entry := &toastListenerEntry{
		listener: listener,
	}
	self.listeners.Add(entry)
	return func() {
		self.listeners.Remove(entry)
	}
}

func (self *ToastList) notify() {
	toasts := self.Toasts()
	for _, entry := range self.listeners.Get() {
		entry.listener(toasts)
	}
}
