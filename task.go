package loopii

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"github.com/prometheus/client_golang/prometheus"
)

// background work that must not block the caller still has to be visible to
// an observability layer. Every spawn is counted, every failure is counted
// and logged, and panics are recovered so a bad submission cannot take down
// the host application.

type TaskMetrics struct {
	tasksSpawned *prometheus.CounterVec
	tasksFailed  *prometheus.CounterVec
}

func NewTaskMetrics(reg prometheus.Registerer) *TaskMetrics {
	m := &TaskMetrics{
		tasksSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopii_background_tasks_spawned_total",
			Help: "Background tasks spawned, by tag.",
		}, []string{"tag"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loopii_background_tasks_failed_total",
			Help: "Background tasks that returned an error or panicked, by tag.",
		}, []string{"tag"}),
	}
	if reg != nil {
		reg.MustRegister(m.tasksSpawned, m.tasksFailed)
	}
	return m
}

type TaskSupervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	metrics *TaskMetrics

	pending sync.WaitGroup
}

func NewTaskSupervisor(ctx context.Context, metrics *TaskMetrics) *TaskSupervisor {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &TaskSupervisor{
		ctx:     cancelCtx,
		cancel:  cancel,
		metrics: metrics,
	}
}

// fire-and-forget with a supervised error sink.
// errors are logged and counted, never surfaced to the caller.
func (self *TaskSupervisor) Spawn(tag string, task func(ctx context.Context) error) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	if self.metrics != nil {
		self.metrics.tasksSpawned.WithLabelValues(tag).Inc()
	}
	self.pending.Add(1)
	go func() {
		defer self.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				if self.metrics != nil {
					self.metrics.tasksFailed.WithLabelValues(tag).Inc()
				}
				glog.Errorf("[task]%s panic = %v\n", tag, r)
			}
		}()

		if err := task(self.ctx); err != nil {
			if self.metrics != nil {
				self.metrics.tasksFailed.WithLabelValues(tag).Inc()
			}
			glog.Infof("[task]%s error = %s\n", tag, err)
		}
	}()
}

// stops accepting new tasks and waits for pending tasks to drain
func (self *TaskSupervisor) Close() {
	self.cancel()
	self.pending.Wait()
}
