package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rendis/cascade/internal/expressions"
	"github.com/rendis/cascade/internal/logging"
	"github.com/rendis/cascade/internal/provider"
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/internal/streaming"
	"github.com/rendis/cascade/internal/tracing"
	"github.com/rendis/cascade/internal/validation"
	"github.com/rendis/cascade/internal/variables"
	"github.com/rendis/cascade/pkg/schema"
)

// DefaultMaxCascadeDepth bounds auto-cascade recursion. Hitting the limit is
// a soft stop: the run still completes, the remaining children just do not
// execute.
const DefaultMaxCascadeDepth = 99

// fallbackMessageKey is the global settings key consulted when a provider
// returns an empty response.
const fallbackMessageKey = "fallback_message"

// Orchestrator walks a prompt hierarchy level by level and executes each node
// through the dispatcher, with retries, question resolution, post-actions,
// and auto-cascade over newly created children. One run per root at a time.
type Orchestrator struct {
	store       store.Store
	recorder    tracing.Recorder
	dispatcher  *Dispatcher
	retry       *RetryController
	questions   *QuestionLoop
	postActions *PostActionProcessor
	guards      *expressions.CELEngine
	hub         streaming.EventHub
	interactor  Interactor
	progress    ProgressReporter
	logger      *slog.Logger
	user        variables.UserInfo
	maxDepth    int

	mu   sync.Mutex
	runs map[string]*RunControl
}

// OrchestratorDeps carries the orchestrator's collaborators. Every field but
// Interactor, Progress, and Logger is required.
type OrchestratorDeps struct {
	Store       store.Store
	Recorder    tracing.Recorder
	Dispatcher  *Dispatcher
	Retry       *RetryController
	Questions   *QuestionLoop
	PostActions *PostActionProcessor
	Guards      *expressions.CELEngine
	Hub         streaming.EventHub
	Interactor  Interactor
	Progress    ProgressReporter
	Logger      *slog.Logger
	User        variables.UserInfo
}

// NewOrchestrator wires an Orchestrator from its dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.Interactor == nil {
		deps.Interactor = HeadlessInteractor{}
	}
	if deps.Progress == nil {
		deps.Progress = NoopProgress{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		store:       deps.Store,
		recorder:    deps.Recorder,
		dispatcher:  deps.Dispatcher,
		retry:       deps.Retry,
		questions:   deps.Questions,
		postActions: deps.PostActions,
		guards:      deps.Guards,
		hub:         deps.Hub,
		interactor:  deps.Interactor,
		progress:    deps.Progress,
		logger:      deps.Logger,
		user:        deps.User,
		maxDepth:    DefaultMaxCascadeDepth,
		runs:        make(map[string]*RunControl),
	}
}

// runState is the mutable per-run context threaded through the walk.
type runState struct {
	runID     string
	traceID   string
	contextID string
	control   *RunControl

	accumulated []variables.AccumulatedResponse
	dataMap     map[string]variables.NodeSnapshot
	answers     map[string]string
	attempted   map[string]bool

	threadStarted     bool
	depthLimitReached bool

	completed int
	skipped   int
	failed    int
}

// autoCascade is one deferred child-cascade request, collected while a level
// executes and run after the level finishes.
type autoCascade struct {
	parent   *store.Node
	children []*store.Node
	level    int
}

// ExecuteCascade runs the cascade rooted at rootNodeID. It blocks until the
// run settles and returns a summary; the summary's Err mirrors the returned
// error for failed and cancelled runs.
func (o *Orchestrator) ExecuteCascade(ctx context.Context, rootNodeID, contextID string) (*RunSummary, error) {
	control, err := o.registerRun(rootNodeID)
	if err != nil {
		return nil, err
	}
	defer o.unregisterRun(rootNodeID)

	trace, err := o.recorder.StartTrace(ctx, rootNodeID)
	if err != nil {
		return nil, err
	}

	st := &runState{
		runID:     uuid.New().String(),
		contextID: contextID,
		control:   control,
		dataMap:   make(map[string]variables.NodeSnapshot),
		answers:   make(map[string]string),
		attempted: make(map[string]bool),
	}
	if trace != nil {
		st.traceID = trace.ID
	}
	ctx = logging.WithIDs(ctx, st.runID, "", st.traceID)

	hier, err := BuildHierarchy(ctx, o.store, rootNodeID)
	if err != nil {
		o.finishTrace(ctx, st, err)
		return nil, err
	}

	o.progress.StartCascade(len(hier.Levels), hier.TotalNodes())
	o.publish(ctx, st, "", schema.EventRunStarted, map[string]any{
		"root_node_id": rootNodeID,
		"levels":       len(hier.Levels),
		"nodes":        hier.TotalNodes(),
	})
	o.logger.InfoContext(ctx, "cascade started",
		"root_node_id", rootNodeID, "levels", len(hier.Levels), "nodes", hier.TotalNodes())

	runErr := o.runLevels(ctx, st, hier)

	summary := o.finishRun(ctx, st, rootNodeID, runErr)
	return summary, runErr
}

// runLevels executes the pre-built hierarchy level by level, flushing deferred
// auto-cascades after each level.
func (o *Orchestrator) runLevels(ctx context.Context, st *runState, hier *Hierarchy) error {
	for level, nodes := range hier.Levels {
		var deferred []autoCascade
		for index, node := range nodes {
			follow, err := o.executeNode(ctx, st, hier, node, level, index)
			if err != nil {
				return err
			}
			if follow != nil {
				deferred = append(deferred, *follow)
			}
		}
		for _, ac := range deferred {
			if err := o.runChildCascade(ctx, st, hier, ac, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// runChildCascade executes children created mid-run by a post-action,
// recursing for their own auto-run creations. depth counts cascade
// generations below the pre-built hierarchy.
func (o *Orchestrator) runChildCascade(ctx context.Context, st *runState, hier *Hierarchy, ac autoCascade, depth int) error {
	if depth >= o.maxDepth {
		st.depthLimitReached = true
		o.logger.WarnContext(ctx, "auto-cascade depth limit reached, children not executed",
			"parent_id", ac.parent.ID, "children", len(ac.children), "depth", depth)
		return nil
	}

	level := ac.level + 1
	var deferred []autoCascade
	for index, child := range ac.children {
		hier.Index[child.ID] = child
		follow, err := o.executeNode(ctx, st, hier, child, level, index)
		if err != nil {
			return err
		}
		if follow != nil {
			deferred = append(deferred, *follow)
		}
	}
	for _, next := range deferred {
		if err := o.runChildCascade(ctx, st, hier, next, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// executeNode runs one node end to end: skip checks, variable resolution,
// retried dispatch with question resolution, persistence, post-action. The
// returned autoCascade is non-nil when the node created children that must
// auto-run after the current level.
func (o *Orchestrator) executeNode(ctx context.Context, st *runState, hier *Hierarchy, node *store.Node, level, index int) (*autoCascade, error) {
	if err := st.control.WaitWhilePaused(ctx); err != nil {
		return nil, err
	}

	if st.attempted[node.ID] {
		o.logger.WarnContext(ctx, "node already attempted in this run, skipping", "node_id", node.ID)
		return nil, nil
	}
	st.attempted[node.ID] = true

	ctx = logging.WithNodeID(ctx, node.ID)
	o.progress.UpdateProgress(level, node.Name, index, node.ID)

	// A level-0 assistant-role node carries the conversation context and is
	// never executed. No span is recorded for it.
	if level == 0 && node.IsContextCarrier() {
		o.progress.MarkSkipped(node.ID, "context carrier")
		st.skipped++
		return nil, nil
	}

	if node.Excluded {
		o.skipNode(ctx, st, node, "excluded")
		return nil, nil
	}

	if node.ExcludeIf != "" {
		excluded, err := o.evalGuard(ctx, st, hier, node, level, index)
		if err != nil {
			return o.handleFailure(ctx, st, hier, node, level, index, err)
		}
		if excluded {
			o.skipNode(ctx, st, node, "exclude_if matched")
			return nil, nil
		}
	}

	if check := validation.CheckNode(node); !check.Valid() {
		issue := check.Errors[0]
		return o.handleFailure(ctx, st, hier, node, level, index,
			schema.NewErrorf(schema.ErrCodeValidation, "node %q: %s", node.Name, issue.Message))
	} else if len(check.Warnings) > 0 {
		for _, w := range check.Warnings {
			o.logger.WarnContext(ctx, "node check warning", "node_id", node.ID, "code", w.Code, "message", w.Message)
		}
	}

	vars, message, err := o.resolveNode(ctx, st, hier, node, level)
	if err != nil {
		return o.handleFailure(ctx, st, hier, node, level, index, err)
	}

	o.setNodeStatus(ctx, node, schema.NodeStatusRunning)

	res, err := o.dispatchWithRetry(ctx, st, node, vars, message)
	if err != nil {
		return o.handleFailure(ctx, st, hier, node, level, index, err)
	}

	return o.completeNode(ctx, st, node, level, vars, res)
}

// dispatchWithRetry wraps one node's execution in the retry controller. Each
// attempt opens its own span, chained to the previous attempt's span.
func (o *Orchestrator) dispatchWithRetry(ctx context.Context, st *runState, node *store.Node, vars map[string]string, message string) (*schema.ExecutionResult, error) {
	threadMode := provider.ThreadModeContinue
	if !st.threadStarted {
		threadMode = provider.ThreadModeNew
	}

	prevSpanID := ""
	attemptFn := func(ctx context.Context, attempt int) (*schema.ExecutionResult, error) {
		span, spanErr := o.recorder.StartSpan(ctx, st.traceID, node, attempt, prevSpanID, message)
		if spanErr != nil {
			return nil, spanErr
		}
		spanID := ""
		if span != nil {
			spanID = span.ID
			prevSpanID = span.ID
		}
		if attempt > 1 {
			o.setNodeStatus(ctx, node, schema.NodeStatusRetrying)
			o.setNodeStatus(ctx, node, schema.NodeStatusRunning)
		}

		res, err := o.dispatcher.Execute(ctx, node, ExecRequest{
			ContextID:  st.contextID,
			Message:    message,
			ThreadMode: threadMode,
			Vars:       vars,
		}, st.control)
		if err == nil && res.Interrupted() {
			o.setNodeStatus(ctx, node, schema.NodeStatusWaiting)
			res, err = o.questions.Resolve(ctx, node, res, st.answers, func(ctx context.Context, answers map[string]string) (*schema.ExecutionResult, error) {
				merged := make(map[string]string, len(vars)+len(answers))
				for k, v := range vars {
					merged[k] = v
				}
				for k, v := range answers {
					merged[k] = v
				}
				return o.dispatcher.Execute(ctx, node, ExecRequest{
					ContextID:  st.contextID,
					Message:    rebuildMessage(node, merged),
					ThreadMode: provider.ThreadModeContinue,
					Vars:       merged,
				}, st.control)
			})
			if err == nil {
				o.setNodeStatus(ctx, node, schema.NodeStatusRunning)
			}
		}

		if err != nil {
			if failErr := o.recorder.FailSpan(ctx, spanID, err); failErr != nil {
				o.logger.WarnContext(ctx, "failed to record failed span", "error", failErr)
			}
			return nil, err
		}
		if completeErr := o.recorder.CompleteSpan(ctx, spanID, res.Response); completeErr != nil {
			o.logger.WarnContext(ctx, "failed to record completed span", "error", completeErr)
		}
		return res, nil
	}

	res, err := o.retry.Execute(ctx, attemptFn)
	if err == nil {
		st.threadStarted = true
	}
	return res, err
}

// completeNode persists a successful execution and runs the post-action. An
// empty provider response falls back to the global fallback-message setting
// when one is configured.
func (o *Orchestrator) completeNode(ctx context.Context, st *runState, node *store.Node, level int, vars map[string]string, res *schema.ExecutionResult) (*autoCascade, error) {
	response := res.Response
	if response == "" {
		if fb, err := o.store.GetSetting(ctx, fallbackMessageKey); err == nil && fb != "" {
			response = fb
		}
	}
	userEcho := variables.Interpolate(node.UserPrompt, vars)

	status := schema.NodeStatusCompleted
	update := store.NodeUpdate{
		Output:     &response,
		UserResult: &userEcho,
		Status:     &status,
	}
	if res.ResponseID != "" {
		update.ResponseID = &res.ResponseID
	}
	if err := o.store.UpdateNode(ctx, node.ID, update); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist node output").
			WithNode(node.ID).WithCause(err)
	}
	node.Output = response
	node.UserResult = userEcho
	node.Status = schema.NodeStatusCompleted
	if res.ResponseID != "" {
		node.ResponseID = res.ResponseID
	}

	st.accumulated = append(st.accumulated, variables.AccumulatedResponse{
		Level:    level,
		NodeID:   node.ID,
		Name:     node.Name,
		Response: response,
	})
	st.dataMap[node.ID] = variables.NodeSnapshot{
		Name:        node.Name,
		Output:      node.Output,
		UserResult:  userEcho,
		AdminPrompt: node.AdminPrompt,
		UserPrompt:  node.UserPrompt,
		SystemVars:  node.SystemVars,
	}

	o.publish(ctx, st, node.ID, schema.EventPromptResultUpdated, map[string]any{
		"node_id": node.ID,
		"status":  string(schema.NodeStatusCompleted),
	})
	o.progress.MarkComplete(node.ID)
	st.completed++

	if node.Type != schema.NodeTypeAction || node.PostAction == "" {
		return nil, nil
	}

	outcome, err := o.postActions.Process(ctx, st.runID, node, res.Response)
	if err != nil {
		return nil, err
	}
	if outcome.Result.Status != schema.ActionStatusSuccess {
		o.logger.WarnContext(ctx, "post-action did not succeed",
			"status", outcome.Result.Status, "message", outcome.Result.Message)
		return nil, nil
	}
	if len(outcome.Created) > 0 && node.AutoRunChildren {
		return &autoCascade{parent: node, children: outcome.Created, level: level}, nil
	}
	return nil, nil
}

// handleFailure classifies a terminal node error. Run-level conditions abort
// the whole run; anything else escalates to the user for retry, skip, or stop.
func (o *Orchestrator) handleFailure(ctx context.Context, st *runState, hier *Hierarchy, node *store.Node, level, index int, nodeErr error) (*autoCascade, error) {
	o.setNodeStatus(ctx, node, schema.NodeStatusFailed)
	if abortsRun(nodeErr) {
		st.failed++
		return nil, nodeErr
	}

	for {
		choice, err := o.interactor.ShowError(ctx, node, nodeErr)
		if err != nil {
			o.logger.WarnContext(ctx, "escalation dialog failed, stopping run", "error", err)
			st.failed++
			return nil, nodeErr
		}
		switch choice {
		case EscalateRetry:
			o.logger.InfoContext(ctx, "user chose to retry failed node")
			vars, message, resolveErr := o.resolveNode(ctx, st, hier, node, level)
			if resolveErr != nil {
				nodeErr = resolveErr
				continue
			}
			o.setNodeStatus(ctx, node, schema.NodeStatusRunning)
			res, retryErr := o.dispatchWithRetry(ctx, st, node, vars, message)
			if retryErr != nil {
				if abortsRun(retryErr) {
					st.failed++
					return nil, retryErr
				}
				nodeErr = retryErr
				continue
			}
			return o.completeNode(ctx, st, node, level, vars, res)

		case EscalateSkip:
			o.logger.InfoContext(ctx, "user chose to skip failed node")
			o.setNodeStatus(ctx, node, schema.NodeStatusSkipped)
			// The skip still claims its slot in the response history so later
			// nodes' previous-response keys do not silently point past it.
			st.accumulated = append(st.accumulated, variables.AccumulatedResponse{
				Level:    level,
				NodeID:   node.ID,
				Name:     node.Name,
				Response: "[SKIPPED: " + nodeErr.Error() + "]",
			})
			o.progress.MarkSkipped(node.ID, "skipped after failure")
			st.skipped++
			return nil, nil

		default:
			st.failed++
			return nil, nodeErr
		}
	}
}

// skipNode records an excluded node: a zero-duration skipped span plus a
// skipped node status.
func (o *Orchestrator) skipNode(ctx context.Context, st *runState, node *store.Node, reason string) {
	span, err := o.recorder.StartSpan(ctx, st.traceID, node, 1, "", "")
	if err != nil {
		o.logger.WarnContext(ctx, "failed to open skip span", "error", err)
	} else if span != nil {
		if err := o.recorder.SkipSpan(ctx, span.ID); err != nil {
			o.logger.WarnContext(ctx, "failed to close skip span", "error", err)
		}
	}
	o.setNodeStatus(ctx, node, schema.NodeStatusSkipped)
	o.progress.MarkSkipped(node.ID, reason)
	st.skipped++
}

// evalGuard evaluates the node's exclude_if expression.
func (o *Orchestrator) evalGuard(ctx context.Context, st *runState, hier *Hierarchy, node *store.Node, level, index int) (bool, error) {
	vars, _, err := o.resolveVars(ctx, st, hier, node, level)
	if err != nil {
		return false, err
	}

	varsAny := make(map[string]any, len(vars))
	for k, v := range vars {
		varsAny[k] = v
	}
	responses := make(map[string]any, len(st.accumulated))
	for _, acc := range st.accumulated {
		responses[acc.Name] = acc.Response
	}

	return o.guards.EvaluateBool(ctx, node.ExcludeIf, map[string]any{
		"vars": varsAny,
		"node": map[string]any{
			"id":    node.ID,
			"name":  node.Name,
			"level": level,
			"index": index,
		},
		"responses": responses,
	})
}

// resolveNode resolves the node's variables and builds the interpolated message.
func (o *Orchestrator) resolveNode(ctx context.Context, st *runState, hier *Hierarchy, node *store.Node, level int) (map[string]string, string, error) {
	vars, _, err := o.resolveVars(ctx, st, hier, node, level)
	if err != nil {
		return nil, "", err
	}
	return vars, rebuildMessage(node, vars), nil
}

// resolveVars merges the resolver layers with the run's collected question
// answers on top. The parent comes from the in-memory hierarchy, falling back
// to storage for children created mid-run under an out-of-view parent.
func (o *Orchestrator) resolveVars(ctx context.Context, st *runState, hier *Hierarchy, node *store.Node, level int) (map[string]string, *store.Node, error) {
	parent, ok := hier.Parent(node)
	if !ok && node.ParentID != "" {
		fetched, err := o.store.GetNode(ctx, node.ParentID)
		if err != nil {
			o.logger.WarnContext(ctx, "parent lookup failed, resolving without parent context",
				"parent_id", node.ParentID, "error", err)
		} else {
			parent = fetched
		}
	}

	stored, err := o.store.GetNodeVariables(ctx, node.ID)
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeStore, "load node variables").
			WithNode(node.ID).WithCause(err)
	}

	vars := variables.Resolve(variables.ResolveInput{
		Accumulated: st.accumulated,
		Level:       level,
		Node:        node,
		Parent:      parent,
		Root:        hier.Root,
		User:        o.user,
		DataMap:     st.dataMap,
		StoredVars:  stored,
	})
	for k, v := range st.answers {
		vars[k] = v
	}
	return vars, parent, nil
}

// setNodeStatus validates and persists a node status transition. Invalid
// transitions are logged and dropped rather than failing the run.
func (o *Orchestrator) setNodeStatus(ctx context.Context, node *store.Node, to schema.NodeStatus) {
	from := node.Status
	if from == "" {
		from = schema.NodeStatusPending
	}
	if from == to {
		return
	}
	if err := ValidateNodeTransition(from, to); err != nil {
		o.logger.WarnContext(ctx, "dropping invalid node status transition",
			"from", string(from), "to", string(to))
		return
	}
	if err := o.store.UpdateNode(ctx, node.ID, store.NodeUpdate{Status: &to}); err != nil {
		o.logger.WarnContext(ctx, "failed to persist node status",
			"status", string(to), "error", err)
		return
	}
	node.Status = to
}

// finishRun settles the trace, emits the terminal run event, and builds the
// summary.
func (o *Orchestrator) finishRun(ctx context.Context, st *runState, rootNodeID string, runErr error) *RunSummary {
	status := schema.RunStatusCompleted
	event := schema.EventRunCompleted
	switch {
	case isCancelled(runErr):
		status = schema.RunStatusCancelled
		event = schema.EventRunCancelled
	case runErr != nil:
		status = schema.RunStatusFailed
		event = schema.EventRunFailed
	}

	o.finishTrace(ctx, st, runErr)

	summary := &RunSummary{
		Status:            status,
		Completed:         st.completed,
		Skipped:           st.skipped,
		Failed:            st.failed,
		DepthLimitReached: st.depthLimitReached,
		Err:               runErr,
	}
	o.progress.CompleteCascade(*summary)
	o.publish(ctx, st, "", event, map[string]any{
		"root_node_id":        rootNodeID,
		"status":              string(status),
		"completed":           st.completed,
		"skipped":             st.skipped,
		"failed":              st.failed,
		"depth_limit_reached": st.depthLimitReached,
	})
	o.logger.InfoContext(ctx, "cascade finished",
		"status", string(status), "completed", st.completed,
		"skipped", st.skipped, "failed", st.failed,
		"depth_limit_reached", st.depthLimitReached)
	return summary
}

// finishTrace closes the trace matching the run outcome.
func (o *Orchestrator) finishTrace(ctx context.Context, st *runState, runErr error) {
	if st.traceID == "" {
		return
	}
	traceStatus := schema.TraceStatusCompleted
	if runErr != nil {
		traceStatus = schema.TraceStatusFailed
	}
	if err := o.recorder.CompleteTrace(ctx, st.traceID, traceStatus, runErr); err != nil {
		o.logger.WarnContext(ctx, "failed to complete trace", "error", err)
	}
}

// Pause suspends the run on the given root between nodes.
func (o *Orchestrator) Pause(rootNodeID string) error {
	control, ok := o.lookupRun(rootNodeID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run for node %s", rootNodeID)
	}
	control.Pause()
	return nil
}

// Resume clears the pause flag of the run on the given root.
func (o *Orchestrator) Resume(rootNodeID string) error {
	control, ok := o.lookupRun(rootNodeID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run for node %s", rootNodeID)
	}
	control.Resume()
	return nil
}

// Cancel requests cooperative cancellation of the run on the given root.
func (o *Orchestrator) Cancel(rootNodeID string) error {
	control, ok := o.lookupRun(rootNodeID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run for node %s", rootNodeID)
	}
	control.Cancel()
	return nil
}

// Status reports the live state of the run on the given root. The second
// return is false when no run is active.
func (o *Orchestrator) Status(rootNodeID string) (schema.RunStatus, bool) {
	control, ok := o.lookupRun(rootNodeID)
	if !ok {
		return "", false
	}
	switch {
	case control.IsCancelled():
		return schema.RunStatusCancelled, true
	case control.IsPaused():
		return schema.RunStatusPaused, true
	default:
		return schema.RunStatusRunning, true
	}
}

func (o *Orchestrator) registerRun(rootNodeID string) (*RunControl, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.runs[rootNodeID]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConcurrentRun,
			"a cascade is already running for node %s", rootNodeID).WithNode(rootNodeID)
	}
	control := NewRunControl()
	o.runs[rootNodeID] = control
	return control, nil
}

func (o *Orchestrator) unregisterRun(rootNodeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.runs, rootNodeID)
}

func (o *Orchestrator) lookupRun(rootNodeID string) (*RunControl, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	control, ok := o.runs[rootNodeID]
	return control, ok
}

func (o *Orchestrator) publish(ctx context.Context, st *runState, nodeID, eventType string, payload any) {
	if o.hub == nil {
		return
	}
	if err := o.hub.Publish(ctx, streaming.StreamEvent{
		RunID:     st.runID,
		NodeID:    nodeID,
		EventType: eventType,
		Payload:   payload,
	}); err != nil {
		o.logger.WarnContext(ctx, "event publish failed", "event_type", eventType, "error", err)
	}
}

// rebuildMessage interpolates the node's prompts with the given variables and
// joins them into the outgoing message.
func rebuildMessage(node *store.Node, vars map[string]string) string {
	admin, user := variables.InterpolateAll(node.AdminPrompt, node.UserPrompt, vars)
	switch {
	case admin == "":
		return user
	case user == "":
		return admin
	default:
		return admin + "\n\n" + user
	}
}

// abortsRun reports whether a node error must abort the whole run without
// offering user escalation.
func abortsRun(err error) bool {
	var ce *schema.CascadeError
	if errors.As(err, &ce) {
		switch ce.Code {
		case schema.ErrCodeCancelled, schema.ErrCodeUserDeclined,
			schema.ErrCodeQuotaExceeded, schema.ErrCodeConcurrentRun:
			return true
		}
	}
	return errors.Is(err, context.Canceled)
}

// isCancelled reports whether a run error is a cancellation.
func isCancelled(err error) bool {
	if err == nil {
		return false
	}
	var ce *schema.CascadeError
	if errors.As(err, &ce) && ce.Code == schema.ErrCodeCancelled {
		return true
	}
	return errors.Is(err, context.Canceled)
}
