package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Nodes
	CreateNode(ctx context.Context, node *Node) error
	GetNode(ctx context.Context, id string) (*Node, error)
	UpdateNode(ctx context.Context, id string, update NodeUpdate) error
	ListNodes(ctx context.Context, filter NodeFilter) ([]*Node, error)
	ListChildren(ctx context.Context, parentID string, includeExcluded bool) ([]*Node, error)
	SoftDeleteNode(ctx context.Context, id string) error

	// Node variables (stored per-node overrides and assignments)
	SetNodeVariable(ctx context.Context, nodeID, name, value string) error
	GetNodeVariables(ctx context.Context, nodeID string) (map[string]string, error)
	DeleteNodeVariable(ctx context.Context, nodeID, name string) error

	// Settings (key-value configuration)
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error

	// Traces (one per cascade run, append-only spans underneath)
	CreateTrace(ctx context.Context, trace *Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	CompleteTrace(ctx context.Context, id string, status string, errJSON []byte) error
	ListTraces(ctx context.Context, filter TraceFilter) ([]*Trace, error)
	GetActiveTrace(ctx context.Context, rootNodeID string) (*Trace, error)

	// Spans
	CreateSpan(ctx context.Context, span *Span) error
	UpdateSpan(ctx context.Context, id string, update SpanUpdate) error
	ListSpans(ctx context.Context, traceID string) ([]*Span, error)
	ListNodeSpans(ctx context.Context, nodeID string, limit int) ([]*Span, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
