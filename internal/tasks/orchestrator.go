// Package tasks runs automation tasks through their lifecycle. An execution
// moves a task from pending to running and then to exactly one terminal
// status, recording one result row no matter how the inner work ends.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"webrunner/internal/browser"
	"webrunner/internal/logging"
	"webrunner/internal/types"

	"github.com/google/uuid"
)

// Store is the persistence surface an orchestrator needs.
type Store interface {
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks(userID string, status types.TaskStatus) ([]*types.Task, error)
	UpdateTask(id string, fields map[string]interface{}) (*types.Task, error)
	DeleteTask(id string) error
	MarkRunning(id string) error
	FinishTask(result *types.TaskResult) error
	LatestResult(taskID string) (*types.TaskResult, error)
	AppendLog(taskID, level, message string, metadata json.RawMessage) error
	ListLogs(taskID string) ([]*types.TaskLog, error)
	GetCredential(domain string) (*types.Credential, error)
}

// ExecContext is one execution's browser surface.
type ExecContext interface {
	Navigate(ctx context.Context, url string) error
	Login(ctx context.Context, creds *types.LoginCredentials) error
	RestoreSession(ctx context.Context, domain string) error
	ApplyStoredStorage(ctx context.Context)
	ExtractData(ctx context.Context, selectors []types.SelectorSpec) (map[string]interface{}, error)
	Screenshot(ctx context.Context, fullPage bool) (string, error)
	SaveUserData(ctx context.Context, domain string) error
	Domain() string
	Close()
}

// Driver opens browser contexts for executions.
type Driver interface {
	Open(ctx context.Context) (ExecContext, error)
}

// DataProcessor post-processes extracted data through a model.
type DataProcessor interface {
	ProcessData(ctx context.Context, rawData interface{}, aiTask, outputFormat string, schema json.RawMessage) (interface{}, error)
}

// RodDriver adapts a browser.Driver to the Driver interface.
type RodDriver struct {
	Inner *browser.Driver
}

// Open hands out a fresh incognito context.
func (d RodDriver) Open(ctx context.Context) (ExecContext, error) {
	return d.Inner.NewContext(ctx)
}

// Orchestrator coordinates task CRUD and execution.
type Orchestrator struct {
	store     Store
	driver    Driver
	processor DataProcessor
}

// New wires an orchestrator. The processor may be nil when no model backend
// is configured; tasks requesting AI processing then fail with a clear error.
func New(store Store, driver Driver, processor DataProcessor) *Orchestrator {
	return &Orchestrator{store: store, driver: driver, processor: processor}
}

// Create validates and persists a new task.
func (o *Orchestrator) Create(task *types.Task) error {
	return o.store.CreateTask(task)
}

// Get returns a task by ID.
func (o *Orchestrator) Get(id string) (*types.Task, error) {
	return o.store.GetTask(id)
}

// List returns tasks filtered by owner and status. Empty filters match all.
func (o *Orchestrator) List(userID string, status types.TaskStatus) ([]*types.Task, error) {
	return o.store.ListTasks(userID, status)
}

// Update applies a partial update and returns the stored row.
func (o *Orchestrator) Update(id string, fields map[string]interface{}) (*types.Task, error) {
	return o.store.UpdateTask(id, fields)
}

// Delete removes a task with its results and logs.
func (o *Orchestrator) Delete(id string) error {
	return o.store.DeleteTask(id)
}

// Result returns the most recent result for a task, or nil when none exists.
func (o *Orchestrator) Result(taskID string) (*types.TaskResult, error) {
	return o.store.LatestResult(taskID)
}

// Logs returns a task's execution log, oldest first.
func (o *Orchestrator) Logs(taskID string) ([]*types.TaskLog, error) {
	return o.store.ListLogs(taskID)
}

// innerOutcome carries the result of the isolated execution phase. Failures
// inside the browser and processing work land here instead of propagating,
// so the surrounding bookkeeping always runs.
type innerOutcome struct {
	rawData    map[string]interface{}
	normalized interface{}
	err        error
}

// Execute runs a task end to end. The returned summary describes the
// execution outcome; a non-nil error means the run could not be recorded,
// not that the task failed. A failed task yields a summary with
// StatusFailed and a nil error.
func (o *Orchestrator) Execute(ctx context.Context, taskID string) (*types.ExecutionSummary, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		// Best effort. The row may be gone entirely.
		_, _ = o.store.UpdateTask(taskID, map[string]interface{}{"status": types.StatusFailed})
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	if err := o.store.MarkRunning(task.ID); err != nil {
		return nil, fmt.Errorf("mark task %s running: %w", task.ID, err)
	}
	_ = o.store.AppendLog(task.ID, "info", "execution started", nil)
	logging.Tasks("task %s (%s) started", task.ID, task.Name)

	start := time.Now()
	outcome := o.runInner(ctx, task)
	elapsed := time.Since(start)

	result := &types.TaskResult{
		ID:             uuid.NewString(),
		TaskID:         task.ID,
		ProcessingTime: elapsed,
	}
	if outcome.rawData != nil {
		if encoded, err := json.Marshal(outcome.rawData); err == nil {
			result.RawData = encoded
		}
	}
	if outcome.normalized != nil {
		if encoded, err := json.Marshal(outcome.normalized); err == nil {
			result.NormalizedData = encoded
		}
	}
	if outcome.err != nil {
		result.Status = types.StatusFailed
		result.Error = outcome.err.Error()
	} else {
		result.Status = types.StatusCompleted
	}

	if err := o.store.FinishTask(result); err != nil {
		return nil, fmt.Errorf("record result for task %s: %w", task.ID, err)
	}

	if outcome.err != nil {
		_ = o.store.AppendLog(task.ID, "error", "execution failed: "+outcome.err.Error(), nil)
		logging.TasksError("task %s failed after %v: %v", task.ID, elapsed, outcome.err)
	} else {
		_ = o.store.AppendLog(task.ID, "info", fmt.Sprintf("execution completed in %v", elapsed), nil)
		logging.Tasks("task %s completed in %v", task.ID, elapsed)
	}

	return &types.ExecutionSummary{
		TaskID:         task.ID,
		ResultID:       result.ID,
		Status:         result.Status,
		ProcessingTime: elapsed,
		Error:          result.Error,
		RawData:        result.RawData,
		NormalizedData: result.NormalizedData,
	}, nil
}

// resolveCredentials fills in username and password from the credential
// store when the task config omits them. The config blob then only needs a
// domain reference and the secret stays encrypted at rest.
func (o *Orchestrator) resolveCredentials(creds *types.LoginCredentials) (*types.LoginCredentials, error) {
	if creds.Username != "" && creds.Password != "" {
		return creds, nil
	}
	stored, err := o.store.GetCredential(creds.Domain)
	if err != nil {
		return nil, fmt.Errorf("resolve credentials for %q: %w", creds.Domain, err)
	}
	merged := *creds
	if merged.Username == "" {
		merged.Username = stored.Username
	}
	if merged.Password == "" {
		merged.Password = stored.Password
	}
	return &merged, nil
}

// runInner performs the browser and processing work. Panics from the
// automation layer are converted to a failed outcome.
func (o *Orchestrator) runInner(ctx context.Context, task *types.Task) (out innerOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = innerOutcome{err: fmt.Errorf("execution panic: %v", r)}
		}
	}()

	cfg := task.Config

	bc, err := o.driver.Open(ctx)
	if err != nil {
		return innerOutcome{err: fmt.Errorf("open browser context: %w", err)}
	}
	defer bc.Close()

	sessionKey := cfg.UserDataKey
	if sessionKey == "" && cfg.Credentials != nil && cfg.Credentials.SaveSession {
		sessionKey = cfg.Credentials.Domain
	}

	if sessionKey != "" {
		// Stale or corrupt snapshots must not block the run.
		if err := bc.RestoreSession(ctx, sessionKey); err != nil {
			_ = o.store.AppendLog(task.ID, "warn", "session restore failed: "+err.Error(), nil)
		}
	}

	// Login runs before the target navigation so extraction sees the
	// authenticated page, not the post-login landing page.
	if cfg.Credentials != nil {
		creds, err := o.resolveCredentials(cfg.Credentials)
		if err != nil {
			return innerOutcome{err: err}
		}
		if err := bc.Login(ctx, creds); err != nil {
			return innerOutcome{err: err}
		}
		_ = o.store.AppendLog(task.ID, "info", "login completed", nil)
	}

	if err := bc.Navigate(ctx, task.URL); err != nil {
		return innerOutcome{err: err}
	}
	bc.ApplyStoredStorage(ctx)
	_ = o.store.AppendLog(task.ID, "info", "navigated to "+task.URL, nil)

	rawData, err := bc.ExtractData(ctx, cfg.Selectors)
	if err != nil {
		return innerOutcome{err: err}
	}
	_ = o.store.AppendLog(task.ID, "info", fmt.Sprintf("extracted %d fields", len(rawData)), nil)

	if cfg.TakeScreenshot {
		path, err := bc.Screenshot(ctx, cfg.FullPageScreenshot)
		if err != nil {
			_ = o.store.AppendLog(task.ID, "warn", "screenshot failed: "+err.Error(), nil)
		} else {
			rawData["_screenshot"] = path
			meta, _ := json.Marshal(map[string]string{"path": path})
			_ = o.store.AppendLog(task.ID, "info", "screenshot captured", meta)
		}
	}

	out = innerOutcome{rawData: rawData}

	if cfg.ProcessWithAI {
		if o.processor == nil {
			out.err = fmt.Errorf("ai processing requested but no model backend is configured")
			return out
		}
		normalized, err := o.processor.ProcessData(ctx, rawData, cfg.AITask, cfg.OutputFormat, cfg.OutputSchema)
		if err != nil {
			out.err = fmt.Errorf("ai processing: %w", err)
			return out
		}
		out.normalized = normalized
		_ = o.store.AppendLog(task.ID, "info", "ai processing completed", nil)
	}

	if sessionKey != "" {
		if err := bc.SaveUserData(ctx, sessionKey); err != nil {
			_ = o.store.AppendLog(task.ID, "warn", "session save failed: "+err.Error(), nil)
		}
	}

	return out
}
