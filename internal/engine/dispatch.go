package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/cascade/internal/provider"
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/internal/streaming"
	"github.com/rendis/cascade/pkg/schema"
)

const (
	defaultBackgroundPollInterval = 10 * time.Second
	defaultBackgroundTimeout      = 10 * time.Minute
	defaultCancelCheckInterval    = time.Second
	defaultTaskPollInterval       = 2 * time.Second
	defaultTaskTimeout            = 30 * time.Minute
)

// ExecRequest is the resolved input for one node execution.
type ExecRequest struct {
	ContextID  string
	Message    string
	ThreadMode provider.ThreadMode
	Vars       map[string]string
}

// Dispatcher selects the execution strategy for a node's provider and
// normalizes all paths into one result shape. Exactly one of a resolved
// response or an error is produced per call; all timers and subscriptions
// are torn down on settlement.
type Dispatcher struct {
	providers *provider.Registry
	refresher provider.SessionRefresher
	hub       streaming.EventHub
	store     store.Store
	logger    *slog.Logger

	// Intervals and timeouts, overridable in tests.
	backgroundPoll    time.Duration
	backgroundTimeout time.Duration
	cancelCheck       time.Duration
	taskPoll          time.Duration
	taskTimeout       time.Duration
}

// NewDispatcher wires a Dispatcher with the default intervals.
func NewDispatcher(providers *provider.Registry, refresher provider.SessionRefresher, hub streaming.EventHub, s store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if refresher == nil {
		refresher = provider.NoopSessionRefresher{}
	}
	return &Dispatcher{
		providers:         providers,
		refresher:         refresher,
		hub:               hub,
		store:             s,
		logger:            logger,
		backgroundPoll:    defaultBackgroundPollInterval,
		backgroundTimeout: defaultBackgroundTimeout,
		cancelCheck:       defaultCancelCheckInterval,
		taskPoll:          defaultTaskPollInterval,
		taskTimeout:       defaultTaskTimeout,
	}
}

// Execute runs one attempt for a node. Question interrupts are passed through
// to the caller; long-running interrupts are awaited here.
func (d *Dispatcher) Execute(ctx context.Context, node *store.Node, req ExecRequest, control *RunControl) (*schema.ExecutionResult, error) {
	binding, err := d.providers.Resolve(node.Provider)
	if err != nil {
		return nil, err
	}

	if err := d.refresher.RefreshSession(ctx); err != nil {
		d.logger.WarnContext(ctx, "session refresh failed, continuing", "error", err)
	}

	switch binding.Strategy {
	case schema.StrategyStandard:
		res, err := binding.Runner.Run(ctx, provider.RunRequest{
			ContextID:      req.ContextID,
			NodeID:         node.ID,
			Message:        req.Message,
			ThreadMode:     req.ThreadMode,
			TemplateVars:   req.Vars,
			StoreInHistory: true,
		})
		if err != nil {
			return nil, err
		}
		if res.Interrupt == schema.InterruptLongRunning {
			return d.awaitBackground(ctx, binding.Runner, res.ResponseID, node, control)
		}
		return res, nil

	case schema.StrategyExternalTask:
		task, err := binding.Tasks.CreateTask(ctx, provider.TaskRequest{
			NodeID:       node.ID,
			Instructions: req.Message,
			TemplateVars: req.Vars,
		})
		if err != nil {
			return nil, err
		}
		return d.awaitTask(ctx, binding.Tasks, task, control)

	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"provider %q has unknown strategy %q", binding.Provider, binding.Strategy).
			WithNode(node.ID)
	}
}

// awaitBackground waits for a provider-side background response via a dual
// mechanism: a push subscription keyed by response ID and a fixed-interval
// poll as a backstop, with a per-second cancellation check, all bounded by a
// timeout. Whichever observes a terminal state first wins. On timeout, the
// node's persisted output is re-read from storage before giving up, since a
// webhook may have updated it out-of-band.
func (d *Dispatcher) awaitBackground(ctx context.Context, runner provider.ConversationRunner, responseID string, node *store.Node, control *RunControl) (*schema.ExecutionResult, error) {
	events, unsubscribe, err := d.hub.Subscribe(ctx, streaming.EventFilter{
		ResponseID: responseID,
		EventTypes: []string{schema.EventResponseCompleted},
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "subscribe for background result").WithCause(err)
	}
	defer unsubscribe()

	pollTicker := time.NewTicker(d.backgroundPoll)
	defer pollTicker.Stop()
	cancelTicker := time.NewTicker(d.cancelCheck)
	defer cancelTicker.Stop()
	deadline := time.NewTimer(d.backgroundTimeout)
	defer deadline.Stop()

	for {
		select {
		case evt := <-events:
			if res, ok := evt.Payload.(*schema.ExecutionResult); ok && !res.Interrupted() {
				return res, nil
			}

		case <-pollTicker.C:
			res, pollErr := runner.Poll(ctx, responseID)
			if pollErr != nil {
				d.logger.WarnContext(ctx, "background poll failed", "response_id", responseID, "error", pollErr)
				continue
			}
			if !res.Interrupted() {
				return res, nil
			}

		case <-cancelTicker.C:
			if control != nil && control.IsCancelled() {
				if cancelErr := runner.Cancel(ctx, responseID); cancelErr != nil {
					d.logger.WarnContext(ctx, "background cancel signal failed", "response_id", responseID, "error", cancelErr)
				}
				return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled while waiting for background response").
					WithNode(node.ID)
			}

		case <-deadline.C:
			return d.backgroundFallback(ctx, node, responseID)

		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "context done while waiting for background response").
				WithNode(node.ID).WithCause(ctx.Err())
		}
	}
}

// backgroundFallback re-reads the node's persisted output after a background
// timeout. A non-empty output that differs from what we started with means a
// webhook landed the result while the push and poll channels missed it.
func (d *Dispatcher) backgroundFallback(ctx context.Context, node *store.Node, responseID string) (*schema.ExecutionResult, error) {
	fresh, err := d.store.GetNode(ctx, node.ID)
	if err == nil && fresh.Output != "" && fresh.Output != node.Output {
		d.logger.InfoContext(ctx, "background result recovered from storage after timeout",
			"node_id", node.ID, "response_id", responseID)
		return &schema.ExecutionResult{Response: fresh.Output, ResponseID: responseID}, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeTimeout,
		"background response %s did not complete within %s", responseID, d.backgroundTimeout).
		WithNode(node.ID)
}

// awaitTask waits for an external agentic task to reach a terminal state via
// the same dual push-subscription + poll pattern with a longer timeout.
func (d *Dispatcher) awaitTask(ctx context.Context, tasks provider.TaskClient, task *provider.Task, control *RunControl) (*schema.ExecutionResult, error) {
	if task.State.Terminal() {
		return taskResult(task)
	}

	events, unsubscribe, err := d.hub.Subscribe(ctx, streaming.EventFilter{
		ResponseID: task.ID,
		EventTypes: []string{schema.EventTaskStatus},
	})
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "subscribe for task status").WithCause(err)
	}
	defer unsubscribe()

	pollTicker := time.NewTicker(d.taskPoll)
	defer pollTicker.Stop()
	cancelTicker := time.NewTicker(d.cancelCheck)
	defer cancelTicker.Stop()
	deadline := time.NewTimer(d.taskTimeout)
	defer deadline.Stop()

	for {
		select {
		case evt := <-events:
			if t, ok := evt.Payload.(*provider.Task); ok && t.State.Terminal() {
				return taskResult(t)
			}

		case <-pollTicker.C:
			t, pollErr := tasks.GetTask(ctx, task.ID)
			if pollErr != nil {
				d.logger.WarnContext(ctx, "task poll failed", "task_id", task.ID, "error", pollErr)
				continue
			}
			if t.State.Terminal() {
				return taskResult(t)
			}

		case <-cancelTicker.C:
			if control != nil && control.IsCancelled() {
				if cancelErr := tasks.CancelTask(ctx, task.ID); cancelErr != nil {
					d.logger.WarnContext(ctx, "task cancel signal failed", "task_id", task.ID, "error", cancelErr)
				}
				return nil, schema.NewError(schema.ErrCodeCancelled, "cancelled while waiting for task")
			}

		case <-deadline.C:
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"task %s did not complete within %s", task.ID, d.taskTimeout).
				WithTaskURL(task.URL)

		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeCancelled, "context done while waiting for task").
				WithCause(ctx.Err())
		}
	}
}

// taskResult maps a terminal task state to the normalized result shape.
func taskResult(task *provider.Task) (*schema.ExecutionResult, error) {
	switch task.State {
	case provider.TaskStateCompleted:
		return &schema.ExecutionResult{
			Response:    task.Result,
			ResponseID:  task.ID,
			Attachments: task.Attachments,
		}, nil
	case provider.TaskStateFailed:
		msg := task.Error
		if msg == "" {
			msg = "task failed"
		}
		return nil, schema.NewError(schema.ErrCodeTaskFailed, msg).WithTaskURL(task.URL)
	case provider.TaskStateCancelled:
		return nil, schema.NewError(schema.ErrCodeCancelled, "task was cancelled").WithTaskURL(task.URL)
	case provider.TaskStateRequiresInput:
		// Interactive input cannot be served inside an unattended run.
		return nil, schema.NewError(schema.ErrCodeTaskInput,
			"task requires interactive input, which cascade runs do not support").
			WithTaskURL(task.URL)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "task in unexpected state %q", task.State)
	}
}
