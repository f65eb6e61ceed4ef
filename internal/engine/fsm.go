package engine

import (
	"github.com/rendis/cascade/pkg/schema"
)

// ValidRunTransitions defines the run lifecycle state machine.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning, schema.RunStatusCancelled, schema.RunStatusFailed},
	schema.RunStatusRunning:   {schema.RunStatusPaused, schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusPaused:    {schema.RunStatusRunning, schema.RunStatusCancelled, schema.RunStatusFailed},
	schema.RunStatusCompleted: {},
	schema.RunStatusFailed:    {},
	schema.RunStatusCancelled: {},
}

// ValidNodeTransitions defines the per-node lifecycle state machine within a run.
// Completed and failed nodes may re-enter pending because a later run (or a
// user-requested retry) starts them over.
var ValidNodeTransitions = map[schema.NodeStatus][]schema.NodeStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusSkipped},
	schema.NodeStatusRunning:   {schema.NodeStatusWaiting, schema.NodeStatusRetrying, schema.NodeStatusCompleted, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusWaiting:   {schema.NodeStatusRunning, schema.NodeStatusCompleted, schema.NodeStatusFailed},
	schema.NodeStatusRetrying:  {schema.NodeStatusRunning, schema.NodeStatusFailed, schema.NodeStatusSkipped},
	schema.NodeStatusCompleted: {schema.NodeStatusPending, schema.NodeStatusRunning},
	schema.NodeStatusFailed:    {schema.NodeStatusPending, schema.NodeStatusRunning, schema.NodeStatusRetrying, schema.NodeStatusSkipped},
	schema.NodeStatusSkipped:   {schema.NodeStatusPending, schema.NodeStatusRunning},
}

// ValidateRunTransition checks a run state transition against the table.
func ValidateRunTransition(from, to schema.RunStatus) error {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// ValidateNodeTransition checks a node state transition against the table.
func ValidateNodeTransition(from, to schema.NodeStatus) error {
	for _, a := range ValidNodeTransitions[from] {
		if a == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid node transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// IsTerminalRunStatus reports whether a run status has no outgoing transitions.
func IsTerminalRunStatus(s schema.RunStatus) bool {
	return len(ValidRunTransitions[s]) == 0
}
