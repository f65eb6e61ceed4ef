package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cascade/internal/provider"
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

func TestOrchestrator_RunsLevelsInOrder(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	b := seedTreeNode(t, rig.store, root.ID, "b", 1, nil)
	c := seedTreeNode(t, rig.store, root.ID, "c", 2, nil)
	d := seedTreeNode(t, rig.store, b.ID, "d", 1, nil)

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, 4, summary.Completed)
	assert.Zero(t, summary.Skipped)
	assert.Zero(t, summary.Failed)

	assert.Equal(t, []string{root.ID, b.ID, c.ID, d.ID}, rig.runner.nodeOrder())

	// First call opens a new thread, the rest continue it.
	require.NotEmpty(t, rig.runner.calls)
	assert.Equal(t, provider.ThreadModeNew, rig.runner.calls[0].ThreadMode)
	assert.Equal(t, provider.ThreadModeContinue, rig.runner.calls[1].ThreadMode)

	// Outputs are persisted and the trace is closed.
	fresh, err := rig.store.GetNode(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok", fresh.Output)
	assert.Equal(t, schema.NodeStatusCompleted, fresh.Status)

	active, err := rig.store.GetActiveTrace(ctx, root.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestOrchestrator_AssistantRootIsNotExecuted(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "context", 1, func(n *store.Node) {
		n.Role = schema.NodeRoleAssistant
	})
	b := seedTreeNode(t, rig.store, root.ID, "b", 1, nil)

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{b.ID}, rig.runner.nodeOrder())

	// No span is recorded for the context carrier.
	traces, err := rig.store.ListTraces(ctx, store.TraceFilter{RootNodeID: root.ID})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	spans, err := rig.store.ListSpans(ctx, traces[0].ID)
	require.NoError(t, err)
	for _, span := range spans {
		assert.NotEqual(t, root.ID, span.NodeID)
	}
}

func TestOrchestrator_ExcludedNodeGetsSkippedSpan(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	excluded := seedTreeNode(t, rig.store, root.ID, "excluded", 1, func(n *store.Node) {
		n.Excluded = true
	})
	kept := seedTreeNode(t, rig.store, root.ID, "kept", 2, nil)

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{root.ID, kept.ID}, rig.runner.nodeOrder())

	spans, err := rig.store.ListNodeSpans(ctx, excluded.ID, 10)
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, schema.SpanStatusSkipped, spans[0].Status)

	fresh, err := rig.store.GetNode(ctx, excluded.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusSkipped, fresh.Status)
}

func TestOrchestrator_ExcludeIfGuard(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	guarded := seedTreeNode(t, rig.store, root.ID, "guarded", 1, func(n *store.Node) {
		n.ExcludeIf = `vars.mode == "fast"`
	})
	require.NoError(t, rig.store.SetNodeVariable(ctx, guarded.ID, "mode", "fast"))

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{root.ID}, rig.runner.nodeOrder())
}

func TestOrchestrator_PreviousResponseFlowsForward(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	b := seedTreeNode(t, rig.store, root.ID, "b", 1, nil)
	seedTreeNode(t, rig.store, root.ID, "c", 2, func(n *store.Node) {
		n.UserPrompt = "Build on: {{previous_response}}"
	})

	rig.runner.script(b.ID, runnerStep{res: &schema.ExecutionResult{Response: "b says hi"}})

	_, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)

	require.Len(t, rig.runner.calls, 3)
	assert.Equal(t, "Build on: b says hi", rig.runner.calls[2].Message)
}

func TestOrchestrator_AutoCascadeRunsAfterLevel(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	b := seedTreeNode(t, rig.store, root.ID, "b", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionCreateChildren
		n.AutoRunChildren = true
		n.PostActionConfig = &schema.PostActionConfig{
			SkipPreview: true,
			Children:    &schema.ChildSpawnConfig{ItemsPath: ".children"},
		}
	})
	c := seedTreeNode(t, rig.store, root.ID, "c", 2, nil)

	rig.runner.script(b.ID, runnerStep{res: &schema.ExecutionResult{
		Response: `{"children": [{"name": "spawned", "user_prompt": "go"}]}`,
	}})

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.Completed)
	assert.False(t, summary.DepthLimitReached)

	// The created child runs after the whole level, not right after b.
	order := rig.runner.nodeOrder()
	require.Len(t, order, 4)
	assert.Equal(t, root.ID, order[0])
	assert.Equal(t, b.ID, order[1])
	assert.Equal(t, c.ID, order[2])

	spawned, err := rig.store.ListChildren(ctx, b.ID, true)
	require.NoError(t, err)
	require.Len(t, spawned, 1)
	assert.Equal(t, spawned[0].ID, order[3])
	assert.Equal(t, schema.NodeStatusCompleted, spawned[0].Status)
}

func TestOrchestrator_DepthLimitStopsAutoCascadeSoftly(t *testing.T) {
	rig := newTestRig(t)
	rig.orch.maxDepth = 1
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	b := seedTreeNode(t, rig.store, root.ID, "b", 1, func(n *store.Node) {
		n.Type = schema.NodeTypeAction
		n.PostAction = schema.PostActionCreateChildren
		n.AutoRunChildren = true
		n.PostActionConfig = &schema.PostActionConfig{SkipPreview: true}
	})

	rig.runner.script(b.ID, runnerStep{res: &schema.ExecutionResult{
		Response: `[{"name": "too deep"}]`,
	}})

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)

	// The run still completes and the soft stop is visible in the summary;
	// the created child exists but never executed.
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.True(t, summary.DepthLimitReached)
	assert.Len(t, rig.runner.nodeOrder(), 2)

	children, err := rig.store.ListChildren(ctx, b.ID, true)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, schema.NodeStatusPending, children[0].Status)
}

func TestOrchestrator_ConcurrentRunRejected(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	require.NoError(t, rig.store.CreateTrace(ctx, &store.Trace{
		ID: "trace-live", RootNodeID: root.ID, Status: schema.TraceStatusRunning,
	}))

	_, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.Error(t, err)
	var ce *schema.CascadeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeConcurrentRun, ce.Code)
	assert.Empty(t, rig.runner.nodeOrder())
}

func TestOrchestrator_EscalationSkipContinuesRun(t *testing.T) {
	rig := newTestRig(t)
	rig.interactor.escalations = []EscalationChoice{EscalateSkip}
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	bad := seedTreeNode(t, rig.store, root.ID, "bad", 1, nil)
	good := seedTreeNode(t, rig.store, root.ID, "good", 2, nil)

	rig.runner.script(bad.ID, runnerStep{
		err: schema.NewError(schema.ErrCodeValidation, "node misconfigured"),
	})

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, 2, summary.Completed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Contains(t, rig.runner.nodeOrder(), good.ID)

	fresh, err := rig.store.GetNode(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStatusSkipped, fresh.Status)
}

func TestOrchestrator_SkipAfterFailureRecordsSyntheticResponse(t *testing.T) {
	rig := newTestRig(t)
	rig.interactor.escalations = []EscalationChoice{EscalateSkip}
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	bad := seedTreeNode(t, rig.store, root.ID, "bad", 1, nil)
	seedTreeNode(t, rig.store, root.ID, "follower", 2, func(n *store.Node) {
		n.UserPrompt = "prev: {{previous_response}} / name: {{previous_name}}"
	})

	rig.runner.script(bad.ID, runnerStep{
		err: schema.NewError(schema.ErrCodeValidation, "node misconfigured"),
	})

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)

	// The skipped node holds its place in the response history, so the next
	// node sees a synthetic entry instead of the node before the skip.
	calls := rig.runner.calls
	require.Len(t, calls, 3)
	assert.Contains(t, calls[2].Message, "[SKIPPED:")
	assert.Contains(t, calls[2].Message, "node misconfigured")
	assert.Contains(t, calls[2].Message, "name: bad")
}

func TestOrchestrator_EscalationStopFailsRun(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	bad := seedTreeNode(t, rig.store, root.ID, "bad", 1, nil)
	never := seedTreeNode(t, rig.store, root.ID, "never", 2, nil)

	rig.runner.script(bad.ID, runnerStep{
		err: schema.NewError(schema.ErrCodeValidation, "node misconfigured"),
	})

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusFailed, summary.Status)
	assert.NotContains(t, rig.runner.nodeOrder(), never.ID)

	traces, err := rig.store.ListTraces(ctx, store.TraceFilter{RootNodeID: root.ID})
	require.NoError(t, err)
	require.Len(t, traces, 1)
	assert.Equal(t, schema.TraceStatusFailed, traces[0].Status)
}

func TestOrchestrator_QuestionAnswersFeedRerunAndLaterNodes(t *testing.T) {
	rig := newTestRig(t)
	rig.interactor.answers = []*string{strPtr("Q3 numbers")}
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	asker := seedTreeNode(t, rig.store, root.ID, "asker", 1, nil)
	seedTreeNode(t, rig.store, root.ID, "follower", 2, func(n *store.Node) {
		n.UserPrompt = "Scope: {{scope}}"
	})

	rig.runner.script(asker.ID,
		runnerStep{res: questionResult("scope", "Which quarter?")},
		runnerStep{res: &schema.ExecutionResult{Response: "analyzed"}},
	)

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Completed)

	// Rerun went back through the runner in continue mode, and the collected
	// answer resolves in later nodes' prompts.
	calls := rig.runner.calls
	require.Len(t, calls, 4)
	assert.Equal(t, provider.ThreadModeContinue, calls[2].ThreadMode)
	assert.Equal(t, "Q3 numbers", calls[2].TemplateVars["scope"])
	assert.Equal(t, "Scope: Q3 numbers", calls[3].Message)
}

func TestOrchestrator_UserDeclinedQuestionAbortsRun(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	asker := seedTreeNode(t, rig.store, root.ID, "asker", 1, nil)
	seedTreeNode(t, rig.store, root.ID, "never", 2, nil)

	rig.runner.script(asker.ID, runnerStep{res: questionResult("v", "?")})

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.Error(t, err)
	var ce *schema.CascadeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeUserDeclined, ce.Code)
	assert.Equal(t, schema.RunStatusFailed, summary.Status)
	assert.Len(t, rig.runner.nodeOrder(), 2)
}

func TestOrchestrator_CancelBeforeNodeStops(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	seedTreeNode(t, rig.store, root.ID, "never", 1, nil)

	// Cancel during the root's provider call: the run finishes the root but
	// must not start the next node.
	rig.runner.onRun = func(provider.RunRequest) {
		_ = rig.orch.Cancel(root.ID)
	}

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.Error(t, err)
	assert.Equal(t, schema.RunStatusCancelled, summary.Status)
	assert.Len(t, rig.runner.nodeOrder(), 1)

	var ce *schema.CascadeError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, schema.ErrCodeCancelled, ce.Code)
}

func TestOrchestrator_ControlsRequireActiveRun(t *testing.T) {
	rig := newTestRig(t)

	require.Error(t, rig.orch.Pause("missing"))
	require.Error(t, rig.orch.Resume("missing"))
	require.Error(t, rig.orch.Cancel("missing"))

	_, ok := rig.orch.Status("missing")
	assert.False(t, ok)
}

func TestOrchestrator_RetriesFailedAttemptsBeforeSuccess(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	flaky := seedTreeNode(t, rig.store, root.ID, "flaky", 1, nil)

	rig.runner.script(flaky.ID,
		runnerStep{err: errors.New("bad gateway")},
		runnerStep{res: &schema.ExecutionResult{Response: "recovered"}},
	)

	summary, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Completed)

	// Two spans for the flaky node, chained through the previous span ID.
	spans, err := rig.store.ListNodeSpans(ctx, flaky.ID, 10)
	require.NoError(t, err)
	require.Len(t, spans, 2)
}

func TestOrchestrator_PersistsEchoedUserResult(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	b := seedTreeNode(t, rig.store, root.ID, "b", 1, func(n *store.Node) {
		n.UserPrompt = "Summarize {{previous_response}}"
	})
	seedTreeNode(t, rig.store, root.ID, "c", 2, func(n *store.Node) {
		n.UserPrompt = "Echo: {{ref." + b.ID + ".user_result}}"
	})

	_, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)

	// The rendered user prompt is echoed back onto the node.
	fresh, err := rig.store.GetNode(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, "Summarize ok", fresh.UserResult)

	// And later nodes can cross-reference it.
	calls := rig.runner.calls
	require.Len(t, calls, 3)
	assert.Equal(t, "Echo: Summarize ok", calls[2].Message)
}

func TestOrchestrator_EmptyResponseUsesFallbackMessage(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.SetSetting(ctx, "fallback_message", "No response received."))

	root := seedTreeNode(t, rig.store, "", "root", 1, nil)
	quiet := seedTreeNode(t, rig.store, root.ID, "quiet", 1, nil)
	seedTreeNode(t, rig.store, root.ID, "next", 2, func(n *store.Node) {
		n.UserPrompt = "Build on: {{previous_response}}"
	})

	rig.runner.script(quiet.ID, runnerStep{res: &schema.ExecutionResult{}})

	_, err := rig.orch.ExecuteCascade(ctx, root.ID, "ctx-1")
	require.NoError(t, err)

	fresh, err := rig.store.GetNode(ctx, quiet.ID)
	require.NoError(t, err)
	assert.Equal(t, "No response received.", fresh.Output)

	calls := rig.runner.calls
	require.Len(t, calls, 3)
	assert.Equal(t, "Build on: No response received.", calls[2].Message)
}
