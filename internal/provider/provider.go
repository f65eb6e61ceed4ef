package provider

import (
	"context"

	"github.com/rendis/cascade/pkg/schema"
)

// ThreadMode selects whether a conversation call starts a new thread or
// continues the current one (question answers are injected in continue mode).
type ThreadMode string

const (
	ThreadModeNew      ThreadMode = "new"
	ThreadModeContinue ThreadMode = "continue"
)

// RunRequest is one conversation call against a provider.
type RunRequest struct {
	ContextID      string            `json:"context_id"`
	NodeID         string            `json:"node_id"`
	Message        string            `json:"message"`
	ThreadMode     ThreadMode        `json:"thread_mode"`
	TemplateVars   map[string]string `json:"template_vars,omitempty"`
	StoreInHistory bool              `json:"store_in_history"`
}

// ConversationRunner is the standard execution path: a synchronous chat-style
// call scoped to a conversation context. The returned result may carry an
// interrupt (clarifying question, long-running background signal) instead of
// a terminal response.
type ConversationRunner interface {
	Run(ctx context.Context, req RunRequest) (*schema.ExecutionResult, error)
	// Poll reads the current state of a background response by response ID.
	Poll(ctx context.Context, responseID string) (*schema.ExecutionResult, error)
	// Cancel signals the provider to abort an in-flight background response.
	// Best-effort: errors are logged, not acted upon.
	Cancel(ctx context.Context, responseID string) error
}

// TaskState is the lifecycle state of an external agentic task.
type TaskState string

const (
	TaskStateQueued        TaskState = "queued"
	TaskStateRunning       TaskState = "running"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCancelled     TaskState = "cancelled"
	TaskStateRequiresInput TaskState = "requires_input"
)

// Terminal reports whether the state will never change again on its own.
// requires_input is terminal for unattended cascade runs: the engine rejects
// it rather than waiting for interactive input.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateRequiresInput:
		return true
	}
	return false
}

// Task is a remote agentic task handle.
type Task struct {
	ID          string              `json:"id"`
	State       TaskState           `json:"state"`
	Result      string              `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
	URL         string              `json:"url,omitempty"`
	Attachments []schema.Attachment `json:"attachments,omitempty"`
}

// TaskRequest creates a remote agentic task.
type TaskRequest struct {
	NodeID       string            `json:"node_id"`
	Instructions string            `json:"instructions"`
	TemplateVars map[string]string `json:"template_vars,omitempty"`
}

// TaskClient is the external agentic execution path: an opaque long-running
// task created remotely and observed until a terminal state.
type TaskClient interface {
	CreateTask(ctx context.Context, req TaskRequest) (*Task, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	CancelTask(ctx context.Context, taskID string) error
}

// SessionRefresher refreshes provider credentials before each attempt.
// Implementations backed by non-expiring credentials may no-op.
type SessionRefresher interface {
	RefreshSession(ctx context.Context) error
}

// NoopSessionRefresher satisfies SessionRefresher without doing anything.
type NoopSessionRefresher struct{}

func (NoopSessionRefresher) RefreshSession(context.Context) error { return nil }
