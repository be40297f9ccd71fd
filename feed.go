package loopii

import (
	"context"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/golang/glog"
)

type FeedStatus string

const (
	FeedStatusUnloaded FeedStatus = "unloaded"
	FeedStatusLoading  FeedStatus = "loading"
	FeedStatusLoaded   FeedStatus = "loaded"
	FeedStatusEmpty    FeedStatus = "empty"
	FeedStatusError    FeedStatus = "error"
	// profile hidden or suspended (403 from the feed endpoints).
	// recoverable with a refresh once the profile is visible again.
	FeedStatusHidden FeedStatus = "hidden"
)

type FeedQueueSettings struct {
	// peers requested per batch
	BatchSize int
	// refill in the background when the remaining queue drops below this
	QueueMin int
}

func DefaultFeedQueueSettings() *FeedQueueSettings {
	return &FeedQueueSettings{
		BatchSize: 10,
		QueueMin:  5,
	}
}

type FetchOutcome struct {
	Added int
	Err   error
}

// a single in-flight batch fetch shared by coalesced callers
type inflightFetch struct {
	done    chan struct{}
	outcome FetchOutcome
}

// prefetched, deduplicated queue of unseen candidate peers with an
// at-most-one-in-flight decision/advance protocol. The queue head is the
// current peer and stays in place until a decision removes it.
type FeedQueue struct {
	ctx context.Context

	api   *LoopiiApi
	tasks *TaskSupervisor

	settings *FeedQueueSettings

	stateLock sync.Mutex
	current   *Peer
	queue     []*Peer
	status    FeedStatus
	// peer ids submitted to the backend but not yet resolved. Only used to
	// bias exclusion on the next fetch, not a correctness guarantee.
	ongoingEvaluations map[Id]bool
	inflight           *inflightFetch
	// incremented by Refresh so a stale fetch completion is discarded
	generation int

	updateMonitor *Monitor
}

func NewFeedQueueWithDefaults(ctx context.Context, api *LoopiiApi, tasks *TaskSupervisor) *FeedQueue {
	return NewFeedQueue(ctx, api, tasks, DefaultFeedQueueSettings())
}

func NewFeedQueue(ctx context.Context, api *LoopiiApi, tasks *TaskSupervisor, settings *FeedQueueSettings) *FeedQueue {
	return &FeedQueue{
		ctx:                ctx,
		api:                api,
		tasks:              tasks,
		settings:           settings,
		queue:              []*Peer{},
		status:             FeedStatusUnloaded,
		ongoingEvaluations: map[Id]bool{},
		updateMonitor:      NewMonitor(),
	}
}

func (self *FeedQueue) UpdateMonitor() *Monitor {
	return self.updateMonitor
}

func (self *FeedQueue) Current() *Peer {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.current
}

func (self *FeedQueue) Status() FeedStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

func (self *FeedQueue) QueueSize() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.queue)
}

func (self *FeedQueue) setStatus(status FeedStatus) {
	self.stateLock.Lock()
	self.status = status
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()
}

// requests one batch of peers not already queued or under evaluation and
// appends them in server order. At most one fetch is in flight; a caller
// issued while one is outstanding waits for the in-flight result instead of
// issuing a duplicate request.
func (self *FeedQueue) FetchBatch() *FetchOutcome {
	self.stateLock.Lock()
	if inflight := self.inflight; inflight != nil {
		self.stateLock.Unlock()
		<-inflight.done
		outcome := inflight.outcome
		return &outcome
	}

	inflight := &inflightFetch{
		done: make(chan struct{}),
	}
	self.inflight = inflight
	generation := self.generation

	excludeIds := []Id{}
	for _, peer := range self.queue {
		excludeIds = append(excludeIds, peer.Id)
	}
	excludeIds = append(excludeIds, maps.Keys(self.ongoingEvaluations)...)
	self.stateLock.Unlock()

	result, err := self.api.GetFeedSync(&GetFeedArgs{
		ExcludeIds: excludeIds,
		Limit:      self.settings.BatchSize,
	})

	outcome := FetchOutcome{}
	self.stateLock.Lock()
	if self.inflight == inflight {
		self.inflight = nil
	}
	stale := generation != self.generation
	if !stale {
		if err == nil {
			self.queue = append(self.queue, result.Peers...)
			outcome.Added = len(result.Peers)
		} else {
			outcome.Err = err
			if IsForbidden(err) {
				self.status = FeedStatusHidden
			}
		}
	}
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	if err != nil && !stale {
		glog.Infof("[fq]fetch error = %s\n", err)
	} else if !stale {
		glog.V(2).Infof("[fq]fetched %d peers\n", outcome.Added)
	}

	inflight.outcome = outcome
	close(inflight.done)
	return &outcome
}

// promotes the queue head to the current peer without removing it, and
// triggers a background refill near the low-water mark
func (self *FeedQueue) SetNextPeer() *Peer {
	self.stateLock.Lock()
	if len(self.queue) == 0 {
		self.current = nil
		self.status = FeedStatusEmpty
		self.stateLock.Unlock()
		self.updateMonitor.NotifyAll()
		return nil
	}

	next := self.queue[0]
	self.current = next
	self.status = FeedStatusLoaded
	remainingAfterCurrent := len(self.queue) - 1
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	if remainingAfterCurrent < self.settings.QueueMin {
		self.tasks.Spawn("feed_refill", func(ctx context.Context) error {
			outcome := self.FetchBatch()
			return outcome.Err
		})
	}

	return next
}

func (self *FeedQueue) Init() {
	self.setStatus(FeedStatusLoading)
	self.populateFromFetch()
}

func (self *FeedQueue) populateFromFetch() {
	outcome := self.FetchBatch()
	if outcome.Err != nil {
		self.stateLock.Lock()
		self.current = nil
		if IsForbidden(outcome.Err) {
			self.status = FeedStatusHidden
		} else {
			self.status = FeedStatusError
		}
		self.stateLock.Unlock()
		self.updateMonitor.NotifyAll()
		return
	}

	self.stateLock.Lock()
	if outcome.Added == 0 && len(self.queue) == 0 {
		self.current = nil
		self.status = FeedStatusEmpty
		self.stateLock.Unlock()
		self.updateMonitor.NotifyAll()
		return
	}
	self.stateLock.Unlock()

	self.SetNextPeer()
}

// records the connect/skip decision for the current peer and advances
// immediately. The evaluation is submitted in the background; a failed
// submission is accepted as a lost update, never rolled back.
func (self *FeedQueue) HandleDecision(connect bool) {
	self.stateLock.Lock()
	if self.current == nil {
		self.stateLock.Unlock()
		return
	}
	peerId := self.current.Id
	self.ongoingEvaluations[peerId] = true
	if 0 < len(self.queue) {
		self.queue = self.queue[1:]
	}
	queueEmpty := len(self.queue) == 0
	self.stateLock.Unlock()

	glog.V(2).Infof("[fq]decision %s connect=%t\n", peerId, connect)

	self.tasks.Spawn("evaluate_peer", func(ctx context.Context) error {
		defer func() {
			self.stateLock.Lock()
			delete(self.ongoingEvaluations, peerId)
			self.stateLock.Unlock()
		}()

		result, err := self.api.EvaluatePeerSync(&EvaluatePeerArgs{
			PeerId:  peerId,
			Connect: connect,
		})
		if err != nil {
			return err
		}
		if result.Looped {
			glog.V(2).Infof("[fq]looped with %s\n", peerId)
		}
		return nil
	})

	if queueEmpty {
		self.stateLock.Lock()
		self.current = nil
		self.status = FeedStatusLoading
		self.stateLock.Unlock()
		self.updateMonitor.NotifyAll()

		self.tasks.Spawn("feed_repopulate", func(ctx context.Context) error {
			self.populateFromFetch()
			return nil
		})
	} else {
		self.SetNextPeer()
	}
}

// hard reset: drops coalescing state, the current peer and the queue,
// then reloads from scratch
func (self *FeedQueue) Refresh() {
	self.stateLock.Lock()
	self.generation += 1
	self.inflight = nil
	self.current = nil
	self.queue = []*Peer{}
	self.status = FeedStatusLoading
	self.stateLock.Unlock()
	self.updateMonitor.NotifyAll()

	self.Init()
}
