package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meepleai/meeple-backend/internal/models"
	"github.com/meepleai/meeple-backend/internal/tasks"
	"github.com/meepleai/meeple-backend/pkg/logger"

	"github.com/google/uuid"
)

// Func is one unit of background work. The context is cancelled when the
// task is cancelled or the scheduler shuts down; implementations honor it
// at network-call granularity.
type Func = func(ctx context.Context) error

type task struct {
	id         string
	name       string
	documentID string
	fn         Func
	ctx        context.Context
	cancel     context.CancelFunc
}

// Scheduler decouples HTTP requests from pipeline stages: handlers
// enqueue work and return immediately, a fixed worker pool executes it.
// Tasks are fire-and-forget with no cross-task ordering; a task can be
// cancelled by id before it starts, and a running task's context is
// cancelled so in-flight network calls abort.
type Scheduler struct {
	queue chan *task
	store tasks.TaskStore
	log   *logger.Logger

	mu        sync.Mutex
	stopped   bool
	cancelled map[string]bool
	cancels   map[string]context.CancelFunc

	baseCtx  context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a Scheduler and starts its worker pool.
func New(workers, queueSize int, store tasks.TaskStore, log *logger.Logger) *Scheduler {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if store == nil {
		store = tasks.NoopTaskStore{}
	}

	baseCtx, stopBase := context.WithCancel(context.Background())
	s := &Scheduler{
		queue:     make(chan *task, queueSize),
		store:     store,
		log:       log,
		cancelled: make(map[string]bool),
		cancels:   make(map[string]context.CancelFunc),
		baseCtx:   baseCtx,
		stopBase:  stopBase,
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Schedule enqueues fn and returns its task id. Blocks only when the
// queue is full (backpressure against runaway upload bursts). After Stop
// the task is recorded as cancelled and never enqueued, so Schedule is
// safe to call from handlers racing a shutdown.
func (s *Scheduler) Schedule(name, documentID string, fn Func) string {
	ctx, cancel := context.WithCancel(s.baseCtx)
	t := &task{
		id:         uuid.New().String(),
		name:       name,
		documentID: documentID,
		fn:         fn,
		ctx:        ctx,
		cancel:     cancel,
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		record := &models.TaskRecord{
			ID:          t.id,
			Name:        name,
			DocumentID:  documentID,
			Status:      models.TaskStatusCancelled,
			Error:       "scheduler stopped",
			SubmittedAt: time.Now(),
		}
		if err := s.store.Create(context.Background(), record); err != nil {
			s.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to record scheduled task")
		}
		return t.id
	}
	s.cancels[t.id] = cancel
	s.mu.Unlock()

	record := &models.TaskRecord{
		ID:          t.id,
		Name:        name,
		DocumentID:  documentID,
		Status:      models.TaskStatusPending,
		SubmittedAt: time.Now(),
	}
	if err := s.store.Create(context.Background(), record); err != nil {
		s.log.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Failed to record scheduled task")
	}

	s.queue <- t
	return t.id
}

// Cancel prevents a not-yet-started task from running and cancels the
// context of a running one. Returns false when the task id is unknown
// or already finished.
func (s *Scheduler) Cancel(taskID string) bool {
	s.mu.Lock()
	cancel, ok := s.cancels[taskID]
	if ok {
		s.cancelled[taskID] = true
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// Stop cancels all outstanding work and waits for the workers to exit.
// The queue channel is never closed, so a Schedule racing Stop can at
// worst record a task that never runs, not panic. Stop is idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.stopBase()
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.baseCtx.Done():
			s.drain()
			return
		case t := <-s.queue:
			s.run(t)
		}
	}
}

// drain marks everything still queued at shutdown as cancelled so task
// records do not stay pending forever.
func (s *Scheduler) drain() {
	for {
		select {
		case t := <-s.queue:
			t.cancel()
			s.finish(t, models.TaskStatusCancelled, "scheduler stopped")
		default:
			return
		}
	}
}

func (s *Scheduler) run(t *task) {
	defer func() {
		t.cancel()
		s.mu.Lock()
		delete(s.cancels, t.id)
		delete(s.cancelled, t.id)
		s.mu.Unlock()
	}()

	s.mu.Lock()
	skip := s.cancelled[t.id]
	s.mu.Unlock()
	if skip || t.ctx.Err() != nil {
		s.finish(t, models.TaskStatusCancelled, "cancelled before start")
		return
	}

	now := time.Now()
	if rec, err := s.store.GetByID(context.Background(), t.id); err == nil && rec != nil {
		rec.Status = models.TaskStatusRunning
		rec.StartedAt = &now
		_ = s.store.Update(context.Background(), rec)
	}

	err := s.safeRun(t)
	switch {
	case err == nil:
		s.finish(t, models.TaskStatusCompleted, "")
	case t.ctx.Err() != nil:
		s.finish(t, models.TaskStatusCancelled, err.Error())
	default:
		s.log.WithDocument(t.documentID).WithError(models.ErrorInfo{Message: err.Error()}).Error(fmt.Sprintf("Task '%s' failed", t.name))
		s.finish(t, models.TaskStatusFailed, err.Error())
	}
}

// safeRun converts a panicking task into an error so one bad document
// cannot take a worker down.
func (s *Scheduler) safeRun(t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

func (s *Scheduler) finish(t *task, status models.TaskStatus, errMsg string) {
	rec, err := s.store.GetByID(context.Background(), t.id)
	if err != nil || rec == nil {
		return
	}
	now := time.Now()
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = &now
	_ = s.store.Update(context.Background(), rec)
}
