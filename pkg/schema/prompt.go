package schema

import "encoding/json"

// NodeType enumerates the kinds of prompt nodes.
type NodeType string

const (
	NodeTypePlain  NodeType = "plain"
	NodeTypeAction NodeType = "action"
)

// NodeRole marks a node's conversational role. A level-0 node with the
// assistant role carries the conversation's system context and is never
// executed as a cascade step.
type NodeRole string

const (
	NodeRoleDefault   NodeRole = ""
	NodeRoleAssistant NodeRole = "assistant"
)

// StrategyKind selects the execution path for a node's provider.
type StrategyKind string

const (
	StrategyStandard     StrategyKind = "standard"
	StrategyExternalTask StrategyKind = "external_task"
)

// Post-action identifiers understood by the post-action processor.
const (
	PostActionAssignVars     = "assign_vars"
	PostActionCreateChildren = "create_children"
)

// PostActionConfig configures the structured post-action of an action node.
type PostActionConfig struct {
	// ResultPath is an optional jq program selecting the action payload from
	// the extracted JSON. Empty means the whole extracted document.
	ResultPath string `json:"result_path,omitempty"`
	// Schema is an optional JSON Schema the selected payload must satisfy.
	Schema json.RawMessage `json:"schema,omitempty"`
	// Assign maps variable names to expr programs evaluated against the
	// payload; results are written back to the node's stored variables.
	Assign map[string]string `json:"assign,omitempty"`
	// Children configures child materialization for create_children actions.
	Children *ChildSpawnConfig `json:"children,omitempty"`
	// SkipPreview suppresses the user confirmation step for this action.
	SkipPreview bool `json:"skip_preview,omitempty"`
}

// ChildSpawnConfig describes how a create_children post-action materializes
// new nodes from the action payload.
type ChildSpawnConfig struct {
	// TargetParentID is the parent under which children are created.
	// Empty means the acting node itself.
	TargetParentID string `json:"target_parent_id,omitempty"`
	// ItemsPath is an optional jq program selecting the array of child
	// templates from the payload. Empty means the payload itself must be
	// the array.
	ItemsPath string `json:"items_path,omitempty"`
}

// ChildTemplate is one element of a create_children payload array.
type ChildTemplate struct {
	Name        string            `json:"name"`
	AdminPrompt string            `json:"admin_prompt,omitempty"`
	UserPrompt  string            `json:"user_prompt,omitempty"`
	Provider    string            `json:"provider,omitempty"`
	Type        NodeType          `json:"type,omitempty"`
	SystemVars  map[string]string `json:"system_vars,omitempty"`
}

// ActionResult is the persisted outcome of a node's last post-action.
type ActionResult struct {
	Status         string `json:"status"` // success | failed | cancelled
	Message        string `json:"message,omitempty"`
	CreatedCount   int    `json:"created_count,omitempty"`
	TargetParentID string `json:"target_parent_id,omitempty"`
}

const (
	ActionStatusSuccess   = "success"
	ActionStatusFailed    = "failed"
	ActionStatusCancelled = "cancelled"
)
