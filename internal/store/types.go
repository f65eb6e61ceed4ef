package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/cascade/pkg/schema"
)

// Node is the persisted representation of a prompt node in the tree.
type Node struct {
	ID               string                   `json:"id"`
	ParentID         string                   `json:"parent_id,omitempty"`
	OrderKey         float64                  `json:"order_key"`
	Name             string                   `json:"name"`
	AdminPrompt      string                   `json:"admin_prompt,omitempty"`
	UserPrompt       string                   `json:"user_prompt,omitempty"`
	Provider         string                   `json:"provider,omitempty"`
	Role             schema.NodeRole          `json:"role,omitempty"`
	Type             schema.NodeType          `json:"type,omitempty"`
	PostAction       string                   `json:"post_action,omitempty"`
	PostActionConfig *schema.PostActionConfig `json:"post_action_config,omitempty"`
	Excluded         bool                     `json:"excluded,omitempty"`
	ExcludeIf        string                   `json:"exclude_if,omitempty"`
	AutoRunChildren  bool                     `json:"auto_run_children,omitempty"`
	MaxQuestions     int                      `json:"max_questions,omitempty"`
	SystemVars       map[string]string        `json:"system_vars,omitempty"`
	Deleted          bool                     `json:"deleted,omitempty"`

	// Last-run state. UserResult is the rendered user prompt as it was sent,
	// echoed back for cross-references and display.
	Output           string               `json:"output,omitempty"`
	UserResult       string               `json:"user_result,omitempty"`
	ResponseID       string               `json:"response_id,omitempty"`
	Status           schema.NodeStatus    `json:"status,omitempty"`
	LastActionResult *schema.ActionResult `json:"last_action_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsContextCarrier reports whether the node only carries conversational
// context and is never executed (assistant role at the root level).
func (n *Node) IsContextCarrier() bool {
	return n.ParentID == "" && n.Role == schema.NodeRoleAssistant
}

// NodeUpdate specifies mutable fields of a node. Nil pointers leave the
// corresponding column untouched.
type NodeUpdate struct {
	Name             *string                  `json:"name,omitempty"`
	AdminPrompt      *string                  `json:"admin_prompt,omitempty"`
	UserPrompt       *string                  `json:"user_prompt,omitempty"`
	Provider         *string                  `json:"provider,omitempty"`
	PostAction       *string                  `json:"post_action,omitempty"`
	PostActionConfig *schema.PostActionConfig `json:"post_action_config,omitempty"`
	Excluded         *bool                    `json:"excluded,omitempty"`
	ExcludeIf        *string                  `json:"exclude_if,omitempty"`
	AutoRunChildren  *bool                    `json:"auto_run_children,omitempty"`
	OrderKey         *float64                 `json:"order_key,omitempty"`
	Output           *string                  `json:"output,omitempty"`
	UserResult       *string                  `json:"user_result,omitempty"`
	ResponseID       *string                  `json:"response_id,omitempty"`
	Status           *schema.NodeStatus       `json:"status,omitempty"`
	LastActionResult *schema.ActionResult     `json:"last_action_result,omitempty"`
	Deleted          *bool                    `json:"deleted,omitempty"`
}

// NodeFilter specifies criteria for listing nodes.
type NodeFilter struct {
	ParentID        *string `json:"parent_id,omitempty"` // nil = any, "" = roots only
	IncludeDeleted  bool    `json:"include_deleted,omitempty"`
	IncludeExcluded bool    `json:"include_excluded,omitempty"`
	Limit           int     `json:"limit,omitempty"`
}

// Trace is the audit record of one cascade run over a subtree.
type Trace struct {
	ID          string             `json:"id"`
	RootNodeID  string             `json:"root_node_id"`
	Status      schema.TraceStatus `json:"status"`
	Error       json.RawMessage    `json:"error,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// Span is the audit record of one execution attempt against a provider.
// Attempts of the same node are linked through PrevSpanID.
type Span struct {
	ID          string            `json:"id"`
	TraceID     string            `json:"trace_id"`
	NodeID      string            `json:"node_id"`
	NodeName    string            `json:"node_name,omitempty"`
	Attempt     int               `json:"attempt"`
	PrevSpanID  string            `json:"prev_span_id,omitempty"`
	Status      schema.SpanStatus `json:"status"`
	Provider    string            `json:"provider,omitempty"`
	Prompt      string            `json:"prompt,omitempty"`
	Response    string            `json:"response,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// SpanUpdate specifies mutable fields of a span.
type SpanUpdate struct {
	Status      *schema.SpanStatus `json:"status,omitempty"`
	Response    *string            `json:"response,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// TraceFilter specifies criteria for listing traces.
type TraceFilter struct {
	RootNodeID string              `json:"root_node_id,omitempty"`
	Status     *schema.TraceStatus `json:"status,omitempty"`
	Since      *time.Time          `json:"since,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
}

// ScheduledRun is a cron-triggered cascade execution.
type ScheduledRun struct {
	ID             string     `json:"id"`
	RootNodeID     string     `json:"root_node_id"`
	CronExpression string     `json:"cron_expression"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	RootNodeID string `json:"root_node_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
