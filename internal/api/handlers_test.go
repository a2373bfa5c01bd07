package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"webrunner/internal/store"
	"webrunner/internal/types"

	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	keys map[string]*types.APIKey
	errs map[string]error
}

func (f *fakeAuth) AuthenticateKey(key string) (*types.APIKey, error) {
	if err, ok := f.errs[key]; ok {
		return nil, err
	}
	if k, ok := f.keys[key]; ok {
		return k, nil
	}
	return nil, store.ErrUnauthorized
}

type fakeTasks struct {
	mu       sync.Mutex
	tasks    map[string]*types.Task
	results  map[string]*types.TaskResult
	logs     map[string][]*types.TaskLog
	executed []string
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		tasks:   map[string]*types.Task{},
		results: map[string]*types.TaskResult{},
		logs:    map[string][]*types.TaskLog{},
	}
}

func (f *fakeTasks) Create(task *types.Task) error {
	if strings.TrimSpace(task.Name) == "" || strings.TrimSpace(task.URL) == "" {
		return fmt.Errorf("%w: name and url are required", store.ErrValidation)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if task.ID == "" {
		task.ID = fmt.Sprintf("task-%d", len(f.tasks)+1)
	}
	task.Status = types.StatusPending
	f.tasks[task.ID] = task
	return nil
}

func (f *fakeTasks) Get(id string) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTasks) List(userID string, status types.TaskStatus) ([]*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*types.Task
	for _, t := range f.tasks {
		if userID != "" && t.UserID != userID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeTasks) Update(id string, fields map[string]interface{}) (*types.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if name, ok := fields["name"].(string); ok {
		t.Name = name
	}
	return t, nil
}

func (f *fakeTasks) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeTasks) Result(taskID string) (*types.TaskResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.results[taskID], nil
}

func (f *fakeTasks) Logs(taskID string) ([]*types.TaskLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs[taskID], nil
}

func (f *fakeTasks) Execute(ctx context.Context, taskID string) (*types.ExecutionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, taskID)
	return &types.ExecutionSummary{TaskID: taskID, Status: types.StatusCompleted}, nil
}

func (f *fakeTasks) executedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type fakeClaimer struct {
	mu     sync.Mutex
	claims map[string]bool
}

func (f *fakeClaimer) ClaimTask(id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ok, known := f.claims[id]
	if !known {
		return true, nil
	}
	return ok, nil
}

type fakeAI struct {
	processOut interface{}
}

func (f *fakeAI) ProcessData(ctx context.Context, rawData interface{}, aiTask, outputFormat string, schema json.RawMessage) (interface{}, error) {
	return f.processOut, nil
}

func (f *fakeAI) GenerateAutomationInstructions(ctx context.Context, taskDescription string) (interface{}, error) {
	return map[string]interface{}{"steps": []interface{}{}}, nil
}

func (f *fakeAI) AnalyzeWebpage(ctx context.Context, pageHTML, pageURL string) (interface{}, error) {
	return map[string]interface{}{"regions": []interface{}{}}, nil
}

type testEnv struct {
	handler http.Handler
	tasks   *fakeTasks
	claims  *fakeClaimer
}

func newTestEnv(t *testing.T, ai AIService) *testEnv {
	t.Helper()
	auth := &fakeAuth{
		keys: map[string]*types.APIKey{
			"key-alice": {Key: "key-alice", UserID: "alice", Active: true},
		},
		errs: map[string]error{
			"key-off": store.ErrKeyInactive,
			"key-old": store.ErrKeyExpired,
		},
	}
	ft := newFakeTasks()
	fc := &fakeClaimer{claims: map[string]bool{}}
	h := NewHandlers(auth, ft, fc, ai)
	srv := NewServer("127.0.0.1", 0, h)
	return &testEnv{handler: srv.Handler(), tasks: ft, claims: fc}
}

func (e *testEnv) do(method, path, key, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do("GET", "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("GET", "/api/tasks", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do("GET", "/api/tasks", "bogus", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do("GET", "/api/tasks", "key-off", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do("GET", "/api/tasks", "key-old", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateTask(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do("POST", "/api/tasks", "key-alice",
		`{"name":"scrape","url":"https://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "alice", created.UserID)
	require.Equal(t, types.StatusPending, created.Status)

	rec = env.do("POST", "/api/tasks", "key-alice", `{"url":"https://example.com"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do("POST", "/api/tasks", "key-alice", `not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do("POST", "/api/tasks", "key-alice",
		`{"name":"x","url":"https://example.com","scheduled_for":"tomorrow"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskOwnership(t *testing.T) {
	env := newTestEnv(t, nil)
	foreign := &types.Task{Name: "theirs", URL: "https://x.example", UserID: "bob"}
	require.NoError(t, env.tasks.Create(foreign))

	rec := env.do("GET", "/api/tasks/"+foreign.ID, "key-alice", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do("GET", "/api/tasks/missing", "key-alice", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateAndDeleteTask(t *testing.T) {
	env := newTestEnv(t, nil)
	task := &types.Task{Name: "mine", URL: "https://x.example", UserID: "alice"}
	require.NoError(t, env.tasks.Create(task))

	rec := env.do("PUT", "/api/tasks/"+task.ID, "key-alice", `{"name":"renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var updated types.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.Equal(t, "renamed", updated.Name)

	rec = env.do("DELETE", "/api/tasks/"+task.ID, "key-alice", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do("GET", "/api/tasks/"+task.ID, "key-alice", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteTaskAcceptedAndDetached(t *testing.T) {
	env := newTestEnv(t, nil)
	task := &types.Task{Name: "run-me", URL: "https://x.example", UserID: "alice"}
	require.NoError(t, env.tasks.Create(task))

	rec := env.do("POST", "/api/tasks/"+task.ID+"/execute", "key-alice", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, task.ID, body["task_id"])
	require.Equal(t, "running", body["status"])

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(env.tasks.executedIDs()) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, []string{task.ID}, env.tasks.executedIDs())
}

func TestExecuteTaskConflictWhenNotPending(t *testing.T) {
	env := newTestEnv(t, nil)
	task := &types.Task{Name: "busy", URL: "https://x.example", UserID: "alice"}
	require.NoError(t, env.tasks.Create(task))
	env.claims.claims[task.ID] = false

	rec := env.do("POST", "/api/tasks/"+task.ID+"/execute", "key-alice", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, env.tasks.executedIDs())
}

func TestTaskResultNotFoundBeforeFirstRun(t *testing.T) {
	env := newTestEnv(t, nil)
	task := &types.Task{Name: "new", URL: "https://x.example", UserID: "alice"}
	require.NoError(t, env.tasks.Create(task))

	rec := env.do("GET", "/api/tasks/"+task.ID+"/result", "key-alice", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	env.tasks.results[task.ID] = &types.TaskResult{
		ID: "r1", TaskID: task.ID, Status: types.StatusCompleted,
	}
	rec = env.do("GET", "/api/tasks/"+task.ID+"/result", "key-alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAIEndpointsWithoutBackend(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/api/ai/process", "/api/ai/instructions", "/api/ai/analyze"} {
		rec := env.do("POST", path, "key-alice", `{}`)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestAIEndpoints(t *testing.T) {
	env := newTestEnv(t, &fakeAI{processOut: map[string]interface{}{"n": float64(1)}})

	rec := env.do("POST", "/api/ai/process", "key-alice", `{"data":{"a":"b"}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do("POST", "/api/ai/process", "key-alice", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do("POST", "/api/ai/instructions", "key-alice", `{"goal":"log in"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var instr map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &instr))
	_, ok := instr["instructions"].(map[string]interface{})
	require.True(t, ok, "instructions must be a structured value, not a string")

	rec = env.do("POST", "/api/ai/instructions", "key-alice", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do("POST", "/api/ai/analyze", "key-alice", `{"html":"<h1>x</h1>","url":"https://x"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var analysis map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &analysis))
	_, ok = analysis["analysis"].(map[string]interface{})
	require.True(t, ok, "analysis must be a structured value, not a string")
}
