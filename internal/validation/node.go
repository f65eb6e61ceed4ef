package validation

import (
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

// CheckNode performs pre-execution consistency checks on a node. Divergence
// between node type and post-action configuration is deliberately lenient:
// it yields a warning and the node still executes.
func CheckNode(node *store.Node) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if node == nil {
		result.AddError("", "nil_node", "node is nil")
		return result
	}

	if node.PostAction != "" && node.Type != schema.NodeTypeAction {
		result.AddWarning("type", "post_action_divergence",
			"node has a post-action configured but its type is not \"action\"; the action will run anyway")
	}
	if node.Type == schema.NodeTypeAction && node.PostAction == "" {
		result.AddWarning("post_action", "post_action_missing",
			"node type is \"action\" but no post-action is configured")
	}

	switch node.PostAction {
	case "", schema.PostActionAssignVars, schema.PostActionCreateChildren:
	default:
		result.AddError("post_action", "unknown_post_action",
			"unknown post-action \""+node.PostAction+"\"")
	}

	if node.PostAction == schema.PostActionCreateChildren {
		if node.PostActionConfig == nil || node.PostActionConfig.Children == nil {
			result.AddWarning("post_action_config", "children_config_missing",
				"create_children action has no child spawn configuration; the payload must be a template array")
		}
	}

	if node.MaxQuestions < 0 {
		result.AddError("max_questions", "negative_max_questions",
			"max_questions must not be negative")
	}

	return result
}
