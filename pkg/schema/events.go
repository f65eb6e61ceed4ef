package schema

// RunStatus represents the lifecycle state of a cascade run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// NodeStatus represents the lifecycle state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusWaiting   NodeStatus = "waiting" // interrupt sub-protocol in flight
	NodeStatusRetrying  NodeStatus = "retrying"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// TraceStatus represents the terminal state of an execution trace.
type TraceStatus string

const (
	TraceStatusRunning   TraceStatus = "running"
	TraceStatusCompleted TraceStatus = "completed"
	TraceStatusFailed    TraceStatus = "failed"
)

// SpanStatus represents the terminal state of a single attempt span.
type SpanStatus string

const (
	SpanStatusRunning SpanStatus = "running"
	SpanStatusSuccess SpanStatus = "success"
	SpanStatusFailed  SpanStatus = "failed"
	SpanStatusSkipped SpanStatus = "skipped"
)

// Stream event types published on the event hub.
const (
	EventTreeRefreshNeeded   = "tree-refresh-needed"
	EventPromptResultUpdated = "prompt-result-updated"
	EventVariablesUpdated    = "variables-updated"
	EventResponseCompleted   = "response-completed"
	EventTaskStatus          = "task-status"

	EventRunStarted   = "run-started"
	EventRunCompleted = "run-completed"
	EventRunFailed    = "run-failed"
	EventRunCancelled = "run-cancelled"
)
