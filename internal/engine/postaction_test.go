package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cascade/internal/expressions"
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/internal/streaming"
	"github.com/rendis/cascade/internal/validation"
	"github.com/rendis/cascade/pkg/schema"
)

func newTestProcessor(t *testing.T, s store.Store, interactor Interactor) *PostActionProcessor {
	t.Helper()
	if interactor == nil {
		interactor = &scriptedInteractor{approve: true}
	}
	return NewPostActionProcessor(
		s, expressions.NewGoJQEngine(), expressions.NewExprEngine(),
		validation.NewPayloadValidator(), streaming.NewMemoryHub(), interactor, nil)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantKey string
		wantErr bool
	}{
		{"bare object", `{"k": "v"}`, "k", false},
		{"fenced block", "Here you go:\n```json\n{\"k\": \"v\"}\n```\nDone.", "k", false},
		{"embedded in prose", `The result is {"k": "v"} as requested.`, "k", false},
		{"braces inside strings", `{"k": "closing } inside"}`, "k", false},
		{"no json at all", "just words here", "", true},
		{"empty text", "   ", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := ExtractJSON(tt.text)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			m, ok := doc.(map[string]any)
			require.True(t, ok)
			assert.Contains(t, m, tt.wantKey)
		})
	}
}

func TestExtractJSON_Array(t *testing.T) {
	doc, err := ExtractJSON(`Items: [{"name": "a"}, {"name": "b"}]`)
	require.NoError(t, err)
	arr, ok := doc.([]any)
	require.True(t, ok)
	assert.Len(t, arr, 2)
}

func TestPostAction_MalformedJSONIsSoftFailure(t *testing.T) {
	s := newEngineStore(t)
	p := newTestProcessor(t, s, nil)
	node := seedTreeNode(t, s, "", "n", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionCreateChildren
	})

	outcome, err := p.Process(context.Background(), "run-1", node, "no json here at all")
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusFailed, outcome.Result.Status)
	assert.Empty(t, outcome.Created)

	// The failure is persisted on the node; no children were created.
	fresh, err := s.GetNode(context.Background(), node.ID)
	require.NoError(t, err)
	require.NotNil(t, fresh.LastActionResult)
	assert.Equal(t, schema.ActionStatusFailed, fresh.LastActionResult.Status)

	children, err := s.ListChildren(context.Background(), node.ID, true)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestPostAction_AssignVars(t *testing.T) {
	s := newEngineStore(t)
	p := newTestProcessor(t, s, nil)
	node := seedTreeNode(t, s, "", "n", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionAssignVars
		n.PostActionConfig = &schema.PostActionConfig{
			ResultPath: ".analysis",
			Assign: map[string]string{
				"summary": "payload.summary",
				"score":   "payload.score",
			},
		}
	})

	response := `{"analysis": {"summary": "all good", "score": 9}}`
	outcome, err := p.Process(context.Background(), "run-1", node, response)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusSuccess, outcome.Result.Status)

	vars, err := s.GetNodeVariables(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, "all good", vars["summary"])
	assert.Equal(t, "9", vars["score"])
}

func TestPostAction_ResultPathMissingListsAvailableKeys(t *testing.T) {
	s := newEngineStore(t)
	p := newTestProcessor(t, s, nil)
	node := seedTreeNode(t, s, "", "n", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionAssignVars
		n.PostActionConfig = &schema.PostActionConfig{ResultPath: ".missing"}
	})

	outcome, err := p.Process(context.Background(), "run-1", node, `{"alpha": 1, "beta": 2}`)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusFailed, outcome.Result.Status)
	assert.Contains(t, outcome.Result.Message, "alpha")
	assert.Contains(t, outcome.Result.Message, "beta")
}

func TestPostAction_SchemaValidationFailure(t *testing.T) {
	s := newEngineStore(t)
	p := newTestProcessor(t, s, nil)
	node := seedTreeNode(t, s, "", "n", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionAssignVars
		n.PostActionConfig = &schema.PostActionConfig{
			Schema: json.RawMessage(`{
				"type": "object",
				"required": ["name"],
				"properties": {"name": {"type": "string"}}
			}`),
		}
	})

	outcome, err := p.Process(context.Background(), "run-1", node, `{"other": true}`)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusFailed, outcome.Result.Status)
	assert.Contains(t, outcome.Result.Message, "schema")
}

func TestPostAction_CreateChildren(t *testing.T) {
	s := newEngineStore(t)
	p := newTestProcessor(t, s, nil)
	node := seedTreeNode(t, s, "", "n", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionCreateChildren
		n.PostActionConfig = &schema.PostActionConfig{
			Children: &schema.ChildSpawnConfig{ItemsPath: ".tasks"},
		}
	})

	response := `{"tasks": [
		{"name": "first", "user_prompt": "do first"},
		{"name": "second", "user_prompt": "do second"}
	]}`
	outcome, err := p.Process(context.Background(), "run-1", node, response)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusSuccess, outcome.Result.Status)
	assert.Equal(t, 2, outcome.Result.CreatedCount)
	require.Len(t, outcome.Created, 2)

	children, err := s.ListChildren(context.Background(), node.ID, true)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "first", children[0].Name)
	assert.Equal(t, "second", children[1].Name)
	assert.Less(t, children[0].OrderKey, children[1].OrderKey)
	assert.Equal(t, schema.NodeTypePlain, children[0].Type)
}

func TestPostAction_CreateChildrenUnderTargetParent(t *testing.T) {
	s := newEngineStore(t)
	p := newTestProcessor(t, s, nil)
	target := seedTreeNode(t, s, "", "target", 1, nil)
	seedTreeNode(t, s, target.ID, "existing", 1, nil)
	node := seedTreeNode(t, s, "", "n", 2, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionCreateChildren
		n.PostActionConfig = &schema.PostActionConfig{
			Children: &schema.ChildSpawnConfig{TargetParentID: target.ID},
		}
	})

	outcome, err := p.Process(context.Background(), "run-1", node, `[{"name": "added"}]`)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusSuccess, outcome.Result.Status)
	assert.Equal(t, target.ID, outcome.Result.TargetParentID)

	children, err := s.ListChildren(context.Background(), target.ID, true)
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "added", children[1].Name)
}

func TestPostAction_DeclinedPreviewCancelsWithoutMutation(t *testing.T) {
	s := newEngineStore(t)
	interactor := &scriptedInteractor{approve: false}
	p := newTestProcessor(t, s, interactor)
	node := seedTreeNode(t, s, "", "n", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionCreateChildren
	})

	outcome, err := p.Process(context.Background(), "run-1", node, `[{"name": "child"}]`)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusCancelled, outcome.Result.Status)
	assert.Empty(t, outcome.Created)
	assert.Equal(t, 1, interactor.previews)

	children, err := s.ListChildren(context.Background(), node.ID, true)
	require.NoError(t, err)
	assert.Empty(t, children)
}

func TestPostAction_SkipPreviewBypassesConfirmation(t *testing.T) {
	s := newEngineStore(t)
	interactor := &scriptedInteractor{approve: false} // would decline if asked
	p := newTestProcessor(t, s, interactor)
	node := seedTreeNode(t, s, "", "n", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionCreateChildren
		n.PostActionConfig = &schema.PostActionConfig{SkipPreview: true}
	})

	outcome, err := p.Process(context.Background(), "run-1", node, `[{"name": "child"}]`)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusSuccess, outcome.Result.Status)
	assert.Equal(t, 0, interactor.previews)
}

func TestPostAction_NonArrayChildPayloadFails(t *testing.T) {
	s := newEngineStore(t)
	p := newTestProcessor(t, s, nil)
	node := seedTreeNode(t, s, "", "n", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionCreateChildren
	})

	outcome, err := p.Process(context.Background(), "run-1", node, `{"name": "not an array"}`)
	require.NoError(t, err)
	assert.Equal(t, schema.ActionStatusFailed, outcome.Result.Status)
	assert.Contains(t, outcome.Result.Message, "array")
}
