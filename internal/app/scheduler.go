package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/yourusername/teledm-go/internal/domain"
	"github.com/yourusername/teledm-go/pkg/logger"
)

// worker is the scheduler's handle on one running transfer
type worker struct {
	sig  *taskSignal
	done chan struct{}
}

// Scheduler admits queued tasks in FIFO order into a bounded set of workers
// and routes user commands to them. Claims, commands and worker exits are
// serialized by mu, so a task is never claimed while a command is changing
// its row.
type Scheduler struct {
	repo        domain.TaskRepository
	transfer    *Transfer
	bus         *EventBus
	limit       int // 0 = unbounded
	logger      *zap.Logger
	multiLogger *logger.MultiLogger
	onFatal     func(error)

	mu       sync.Mutex
	active   map[string]*worker
	running  bool
	stopped  bool
	wake     chan struct{}
	stopChan chan struct{}
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	loopWg   sync.WaitGroup
}

// NewScheduler creates a scheduler. onFatal is called once per store failure.
func NewScheduler(
	repo domain.TaskRepository,
	transfer *Transfer,
	bus *EventBus,
	limit int,
	logger *zap.Logger,
	multiLogger *logger.MultiLogger,
	onFatal func(error),
) *Scheduler {
	return &Scheduler{
		repo:        repo,
		transfer:    transfer,
		bus:         bus,
		limit:       limit,
		logger:      logger,
		multiLogger: multiLogger,
		onFatal:     onFatal,
		active:      make(map[string]*worker),
		wake:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
	}
}

// Start re-queues tasks interrupted by a previous process and begins admission
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || s.stopped {
		return fmt.Errorf("scheduler already started")
	}

	n, err := s.repo.ResetInterrupted()
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Re-queued interrupted downloads", zap.Int64("count", n))
	}

	workerCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.multiLogger.LogQueueEvent("scheduler_started", zap.Int("max_concurrent", s.limit))

	s.loopWg.Add(1)
	go s.dispatch(workerCtx)
	s.Wake()
	return nil
}

// Wake asks the dispatcher to look for queued tasks
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ActiveCount returns the number of running workers
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer s.loopWg.Done()

	for {
		select {
		case <-ctx.Done():
			s.multiLogger.LogQueueEvent("scheduler_stopped", zap.String("reason", "context_cancelled"))
			return
		case <-s.stopChan:
			s.multiLogger.LogQueueEvent("scheduler_stopped", zap.String("reason", "stop_signal"))
			return
		case <-s.wake:
			if err := s.fill(ctx); err != nil {
				s.halt(err)
			}
		}
	}
}

// fill claims queued tasks until the pool is full or the queue is empty
func (s *Scheduler) fill(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.stopped && (s.limit == 0 || len(s.active) < s.limit) {
		task, err := s.repo.ClaimNextQueued()
		if err != nil {
			return err
		}
		if task == nil {
			return nil
		}
		s.startWorker(ctx, task)
	}
	return nil
}

// startWorker must be called with mu held
func (s *Scheduler) startWorker(ctx context.Context, task *domain.DownloadTask) {
	w := &worker{sig: newTaskSignal(), done: make(chan struct{})}
	s.active[task.ID] = w

	s.logger.Info("Processing download",
		zap.String("id", task.ID),
		zap.String("source", task.SourceRef),
		zap.Int64("offset", task.BytesDownloaded))
	s.multiLogger.LogQueueEvent("task_started",
		zap.String("task_id", task.ID),
		zap.Int64("offset", task.BytesDownloaded))
	s.bus.Publish(statusChanged(task, domain.StatusQueued))

	s.workerWg.Add(1)
	go func() {
		defer s.workerWg.Done()

		err := s.transfer.Run(ctx, task, w.sig)

		s.mu.Lock()
		delete(s.active, task.ID)
		close(w.done)
		s.mu.Unlock()

		if err != nil {
			s.halt(err)
			return
		}
		s.Wake()
	}()
}

// halt stops admission after a store failure and tells running workers to
// leave their tasks queued
func (s *Scheduler) halt(err error) {
	s.mu.Lock()
	first := !s.stopped
	s.stopped = true
	for _, w := range s.active {
		w.sig.RequestShutdown()
	}
	s.mu.Unlock()

	s.logger.Error("Task store failure, engine stopped", zap.Error(err))
	s.multiLogger.LogAppError("storage_unavailable", zap.Error(err))
	if first && s.onFatal != nil {
		s.onFatal(err)
	}
}

// Pause asks a running worker to stop at its next chunk boundary, or pauses
// a queued task directly. Pausing a task that is already stopped is a no-op.
func (s *Scheduler) Pause(id string) error {
	for {
		s.mu.Lock()
		if w, ok := s.active[id]; ok {
			if w.sig.Request(stopPause) {
				s.mu.Unlock()
				return nil
			}
			done := w.done
			s.mu.Unlock()
			<-done
			continue
		}

		err := s.transitionStored(id, func(task *domain.DownloadTask) (bool, error) {
			switch task.Status {
			case domain.StatusQueued, domain.StatusDownloading:
				task.MarkStopped(domain.StatusPaused)
				return true, nil
			default:
				return false, nil
			}
		})
		s.mu.Unlock()
		return err
	}
}

// Cancel stops a task for good. Terminal tasks cannot be cancelled.
func (s *Scheduler) Cancel(id string) error {
	for {
		s.mu.Lock()
		if w, ok := s.active[id]; ok {
			if w.sig.Request(stopCancel) {
				s.mu.Unlock()
				return nil
			}
			done := w.done
			s.mu.Unlock()
			<-done
			continue
		}

		err := s.transitionStored(id, func(task *domain.DownloadTask) (bool, error) {
			if task.Status.IsTerminal() {
				return false, fmt.Errorf("%w: cannot cancel %s task", domain.ErrInvalidState, task.Status)
			}
			task.MarkStopped(domain.StatusCancelled)
			return true, nil
		})
		s.mu.Unlock()
		return err
	}
}

// Resume re-queues a paused or failed task. A pause the worker has not yet
// observed is simply withdrawn.
func (s *Scheduler) Resume(id string) error {
	for {
		s.mu.Lock()
		if w, ok := s.active[id]; ok {
			if w.sig.Withdraw() {
				s.mu.Unlock()
				return nil
			}
			if !w.sig.Taken() {
				s.mu.Unlock()
				return fmt.Errorf("%w: task is downloading", domain.ErrInvalidState)
			}
			done := w.done
			s.mu.Unlock()
			<-done
			continue
		}

		err := s.transitionStored(id, func(task *domain.DownloadTask) (bool, error) {
			if task.Status != domain.StatusPaused && task.Status != domain.StatusFailed {
				return false, fmt.Errorf("%w: cannot resume %s task", domain.ErrInvalidState, task.Status)
			}
			task.MarkQueued()
			return true, nil
		})
		s.mu.Unlock()
		if err == nil {
			s.Wake()
		}
		return err
	}
}

// transitionStored applies a command to a task no worker holds. Must be
// called with mu held.
func (s *Scheduler) transitionStored(id string, apply func(*domain.DownloadTask) (bool, error)) error {
	task, err := s.repo.FindByID(id)
	if err != nil {
		return err
	}

	old := task.Status
	changed, err := apply(task)
	if err != nil || !changed {
		return err
	}
	if err := s.repo.Update(task); err != nil {
		return err
	}

	s.multiLogger.LogQueueEvent("task_"+string(task.Status),
		zap.String("task_id", task.ID),
		zap.String("from", string(old)))
	s.bus.Publish(statusChanged(task, old))
	return nil
}

// Remove cancels the task if it is running, waits for its worker to exit
// and deletes the row. It returns the task as it was last persisted.
func (s *Scheduler) Remove(id string) (*domain.DownloadTask, error) {
	for {
		s.mu.Lock()
		if w, ok := s.active[id]; ok {
			w.sig.Request(stopCancel)
			done := w.done
			s.mu.Unlock()
			<-done
			continue
		}

		task, err := s.repo.FindByID(id)
		if err == nil {
			err = s.repo.Delete(id)
		}
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return task, nil
	}
}

// ClearTerminal deletes every completed, failed and cancelled task
func (s *Scheduler) ClearTerminal() ([]*domain.DownloadTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.DeleteTerminal()
}

// Shutdown stops admission and asks every worker to stop at its next chunk
// boundary, leaving its task queued. If ctx ends first the in-flight
// requests are cancelled; workers still persist their task before exiting.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.stopped = true
	for _, w := range s.active {
		w.sig.RequestShutdown()
	}
	close(s.stopChan)
	s.mu.Unlock()

	s.loopWg.Wait()

	done := make(chan struct{})
	go func() {
		s.workerWg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("Shutdown deadline reached, cancelling in-flight requests")
		s.cancel()
		<-done
	}
	s.cancel()
	return err
}
