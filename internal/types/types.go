// Package types holds the shared data model for webrunner: tasks, their
// results and logs, the extraction/login configuration blob, and the
// execution summary returned by the orchestrator.
package types

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a task.
// Transitions are pending -> running -> {completed, failed}.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// SelectorType selects how a matched element is read.
type SelectorType string

const (
	SelectorText      SelectorType = "text"
	SelectorHTML      SelectorType = "html"
	SelectorAttribute SelectorType = "attribute"
)

// SelectorSpec describes one field to extract from a page.
type SelectorSpec struct {
	Name      string       `json:"name"`
	Selector  string       `json:"selector"`
	Type      SelectorType `json:"type"`
	Attribute string       `json:"attribute,omitempty"`
	Multiple  bool         `json:"multiple,omitempty"`
}

// LoginCredentials drives the optional login flow before extraction.
type LoginCredentials struct {
	URL              string `json:"url"`
	UsernameSelector string `json:"usernameSelector"`
	PasswordSelector string `json:"passwordSelector"`
	SubmitSelector   string `json:"submitSelector"`
	Username         string `json:"username"`
	Password         string `json:"password"`
	SuccessSelector  string `json:"successSelector,omitempty"`
	SaveSession      bool   `json:"saveSession,omitempty"`
	Domain           string `json:"domain,omitempty"`
}

// TaskConfig is the task configuration blob stored alongside a task row.
type TaskConfig struct {
	Selectors          []SelectorSpec    `json:"selectors,omitempty"`
	Credentials        *LoginCredentials `json:"credentials,omitempty"`
	ProcessWithAI      bool              `json:"processWithAI,omitempty"`
	AITask             string            `json:"aiTask,omitempty"`
	OutputFormat       string            `json:"outputFormat,omitempty"`
	OutputSchema       json.RawMessage   `json:"outputSchema,omitempty"`
	TakeScreenshot     bool              `json:"takeScreenshot,omitempty"`
	FullPageScreenshot bool              `json:"fullPageScreenshot,omitempty"`
	UserDataKey        string            `json:"userDataKey,omitempty"`
}

// Task is a unit of automation work with a target URL and lifecycle status.
type Task struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id,omitempty"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	URL          string     `json:"url"`
	Status       TaskStatus `json:"status"`
	Config       TaskConfig `json:"config"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TaskResult is one execution outcome. Rows are immutable once written;
// reads return the most recent row for a task.
type TaskResult struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	Status         TaskStatus      `json:"status"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
	NormalizedData json.RawMessage `json:"normalized_data,omitempty"`
	ProcessingTime time.Duration   `json:"processing_time"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TaskLog is one append-only log entry attached to a task.
type TaskLog struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// SessionData is the persisted browser state snapshot for one domain:
// the full cookie set plus localStorage key/value pairs. A save replaces
// the previous snapshot wholesale.
type SessionData struct {
	Domain       string            `json:"domain"`
	Cookies      json.RawMessage   `json:"cookies"`
	LocalStorage map[string]string `json:"local_storage"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Credential is a stored login credential reference for a domain.
// The password is obfuscated at rest; key management is out of scope here.
type Credential struct {
	ID        string            `json:"id"`
	Domain    string            `json:"domain"`
	Username  string            `json:"username"`
	Password  string            `json:"-"`
	Extra     map[string]string `json:"extra,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// APIKey authenticates REST callers and resolves them to a user identity.
type APIKey struct {
	Key        string     `json:"key"`
	UserID     string     `json:"user_id"`
	Active     bool       `json:"active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ExecutionSummary is what the orchestrator returns from one Execute call.
type ExecutionSummary struct {
	TaskID         string          `json:"task_id"`
	ResultID       string          `json:"result_id"`
	Status         TaskStatus      `json:"status"`
	ProcessingTime time.Duration   `json:"processing_time"`
	Error          string          `json:"error,omitempty"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
	NormalizedData json.RawMessage `json:"normalized_data,omitempty"`
}
