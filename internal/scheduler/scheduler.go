// Package scheduler polls for due pending tasks and dispatches them. Each
// candidate is claimed with a compare-and-swap on its status before any
// work starts, so concurrent pollers and manual API executions never run
// the same task twice.
package scheduler

import (
	"context"
	"sync"
	"time"

	"webrunner/internal/logging"
	"webrunner/internal/types"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	DuePendingTasks(now time.Time, limit int) ([]*types.Task, error)
	ClaimTask(id string) (bool, error)
}

// Executor runs a claimed task.
type Executor interface {
	Execute(ctx context.Context, taskID string) (*types.ExecutionSummary, error)
}

// Scheduler polls the store on an interval and executes due tasks.
type Scheduler struct {
	store    Store
	executor Executor
	interval time.Duration
	maxTick  int

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. maxPerTick bounds how many tasks one poll may
// dispatch; zero or negative means no bound, every due task fires.
func New(store Store, executor Executor, interval time.Duration, maxPerTick int) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		store:    store,
		executor: executor,
		interval: interval,
		maxTick:  maxPerTick,
	}
}

// Start launches the polling loop. Calling Start on a running scheduler is
// a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(ctx)
	logging.Scheduler("started: interval=%v max_per_tick=%d", s.interval, s.maxTick)
}

// Stop halts polling and waits for in-flight executions to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	s.wg.Wait()
	logging.Scheduler("stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick claims and dispatches due tasks. Claim losses are expected under
// contention and skipped silently.
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.store.DuePendingTasks(time.Now().UTC(), s.maxTick)
	if err != nil {
		logging.Scheduler("poll failed: %v", err)
		return
	}
	if len(due) == 0 {
		return
	}
	logging.SchedulerDebug("poll found %d due task(s)", len(due))

	for _, task := range due {
		claimed, err := s.store.ClaimTask(task.ID)
		if err != nil {
			logging.Scheduler("claim %s failed: %v", task.ID, err)
			continue
		}
		if !claimed {
			// Someone else took it between the poll and the claim.
			logging.SchedulerDebug("claim %s lost, already taken", task.ID)
			continue
		}

		s.wg.Add(1)
		go func(id string) {
			defer s.wg.Done()
			if _, err := s.executor.Execute(ctx, id); err != nil {
				logging.Scheduler("execute %s: %v", id, err)
			}
		}(task.ID)
	}
}
