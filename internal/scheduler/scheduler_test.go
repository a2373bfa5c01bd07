package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"webrunner/internal/types"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeStore struct {
	mu        sync.Mutex
	due       []*types.Task
	claims    map[string]bool // id -> claim result
	claimed   []string
	pollErr   error
	lastLimit int
}

func (f *fakeStore) DuePendingTasks(now time.Time, limit int) ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastLimit = limit
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	out := f.due
	f.due = nil // each batch is handed out once
	return out, nil
}

func (f *fakeStore) ClaimTask(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, known := f.claims[id]
	if !known {
		ok = true
	}
	if ok {
		f.claimed = append(f.claimed, id)
	}
	return ok, nil
}

func (f *fakeStore) claimedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.claimed...)
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	block    chan struct{} // when set, Execute waits on it
}

func (f *fakeExecutor) Execute(ctx context.Context, taskID string) (*types.ExecutionSummary, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, taskID)
	return &types.ExecutionSummary{TaskID: taskID, Status: types.StatusCompleted}, nil
}

func (f *fakeExecutor) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSchedulerExecutesDueTasks(t *testing.T) {
	st := &fakeStore{
		due: []*types.Task{{ID: "a"}, {ID: "b"}},
	}
	ex := &fakeExecutor{}
	s := New(st, ex, 10*time.Millisecond, 10)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return len(ex.executedIDs()) == 2 })

	ids := ex.executedIDs()
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("expected both tasks executed, got %v", ids)
	}
}

func TestSchedulerDispatchesAllDueWithoutCap(t *testing.T) {
	var due []*types.Task
	for i := 0; i < 25; i++ {
		due = append(due, &types.Task{ID: fmt.Sprintf("t%02d", i)})
	}
	st := &fakeStore{due: due}
	ex := &fakeExecutor{}
	s := New(st, ex, 10*time.Millisecond, 0)

	s.Start(context.Background())
	defer s.Stop()

	// Every due task fires on the first tick, none waits for the next one,
	// and the poll itself asks the store for an unbounded batch.
	waitFor(t, func() bool { return len(ex.executedIDs()) == 25 })
	st.mu.Lock()
	limit := st.lastLimit
	st.mu.Unlock()
	if limit > 0 {
		t.Fatalf("poll must not impose a limit, got %d", limit)
	}
}

func TestSchedulerSkipsLostClaims(t *testing.T) {
	st := &fakeStore{
		due:    []*types.Task{{ID: "won"}, {ID: "lost"}},
		claims: map[string]bool{"won": true, "lost": false},
	}
	ex := &fakeExecutor{}
	s := New(st, ex, 10*time.Millisecond, 10)

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, func() bool { return len(ex.executedIDs()) == 1 })
	time.Sleep(30 * time.Millisecond)

	ids := ex.executedIDs()
	if len(ids) != 1 || ids[0] != "won" {
		t.Fatalf("only the claimed task may run, got %v", ids)
	}
}

func TestSchedulerStopDrainsInflight(t *testing.T) {
	block := make(chan struct{})
	st := &fakeStore{due: []*types.Task{{ID: "slow"}}}
	ex := &fakeExecutor{block: block}
	s := New(st, ex, 10*time.Millisecond, 10)

	s.Start(context.Background())
	waitFor(t, func() bool { return len(st.claimedIDs()) == 1 })

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop must wait for in-flight executions")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after executions drained")
	}

	if got := ex.executedIDs(); len(got) != 1 {
		t.Fatalf("expected the in-flight task to finish, got %v", got)
	}
}

func TestSchedulerPollErrorKeepsRunning(t *testing.T) {
	st := &fakeStore{pollErr: fmt.Errorf("db locked")}
	ex := &fakeExecutor{}
	s := New(st, ex, 10*time.Millisecond, 10)

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)

	// Clear the error and feed a task; the loop must still be alive.
	st.mu.Lock()
	st.pollErr = nil
	st.due = []*types.Task{{ID: "recovered"}}
	st.mu.Unlock()

	waitFor(t, func() bool { return len(ex.executedIDs()) == 1 })
	s.Stop()
}

func TestSchedulerDoubleStartAndStop(t *testing.T) {
	st := &fakeStore{}
	ex := &fakeExecutor{}
	s := New(st, ex, 10*time.Millisecond, 10)

	s.Start(context.Background())
	s.Start(context.Background()) // no-op
	s.Stop()
	s.Stop() // no-op
}
