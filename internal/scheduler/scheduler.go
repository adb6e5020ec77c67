// Package scheduler runs background work (message persistence, fact/insight
// extraction, summarization, cache warms) off the request path, generalizing
// the ticker+stop-channel cleanup-goroutine idiom used throughout the cache
// and middleware packages into a bounded task queue with retry.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oceanic-labs/mariner-core/internal/apperr"
)

const (
	defaultQueueCapacity = 256
	defaultWorkers       = 4
	maxRetries           = 1
)

// Task is a unit of background work. Returning an apperr-transient error
// schedules one retry; any other error (or a retry that also fails) is
// logged and dropped.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Scheduler runs submitted tasks on a fixed worker pool and drains the queue
// on shutdown rather than abandoning in-flight work.
type Scheduler struct {
	queue   chan scheduledTask
	wg      sync.WaitGroup
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

type scheduledTask struct {
	task    Task
	attempt int
}

// New creates a Scheduler with the given number of workers and starts them.
// workers <= 0 falls back to defaultWorkers.
func New(workers int) *Scheduler {
	if workers <= 0 {
		workers = defaultWorkers
	}
	s := &Scheduler{
		queue:  make(chan scheduledTask, defaultQueueCapacity),
		stopCh: make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Submit enqueues a task for background execution. It is a no-op (task is
// dropped and logged) if the scheduler has been stopped or the queue is
// full — background work never blocks the request path.
func (s *Scheduler) Submit(task Task) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		slog.Warn("scheduler: task submitted after shutdown, dropped", "task", task.Name)
		return
	}

	select {
	case s.queue <- scheduledTask{task: task}:
	default:
		slog.Error("scheduler: queue full, task dropped", "task", task.Name)
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case st := <-s.queue:
					s.run(st)
				default:
					return
				}
			}
		case st := <-s.queue:
			s.run(st)
		}
	}
}

func (s *Scheduler) run(st scheduledTask) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := st.task.Run(ctx)
	if err == nil {
		return
	}

	if st.attempt < maxRetries && apperr.IsTransient(err) {
		slog.Warn("scheduler: task failed, retrying", "task", st.task.Name, "error", err)
		select {
		case s.queue <- scheduledTask{task: st.task, attempt: st.attempt + 1}:
		default:
			slog.Error("scheduler: retry queue full, task dropped", "task", st.task.Name)
		}
		return
	}

	slog.Error("scheduler: task failed permanently", "task", st.task.Name, "attempt", st.attempt, "error", err)
}

// Shutdown stops accepting new tasks and blocks until the queue is drained
// (up to the given deadline).
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
