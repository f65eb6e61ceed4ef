package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/cascade/internal/expressions"
	"github.com/rendis/cascade/internal/provider"
	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/internal/streaming"
	"github.com/rendis/cascade/internal/tracing"
	"github.com/rendis/cascade/internal/validation"
	"github.com/rendis/cascade/internal/variables"
	"github.com/rendis/cascade/pkg/schema"
)

func newEngineStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "engine.db")
	s, err := store.NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedTreeNode(t *testing.T, s store.Store, parentID, name string, order float64, mutate func(*store.Node)) *store.Node {
	t.Helper()
	n := &store.Node{
		ID:       uuid.New().String(),
		ParentID: parentID,
		OrderKey: order,
		Name:     name,
		Provider: "test",
		Type:     schema.NodeTypePlain,
	}
	if mutate != nil {
		mutate(n)
	}
	require.NoError(t, s.CreateNode(context.Background(), n))
	return n
}

// scriptedRunner answers Run calls from per-node scripts and records the
// order of node IDs it saw.
type scriptedRunner struct {
	mu      sync.Mutex
	scripts map[string][]runnerStep
	deflt   runnerStep
	calls   []provider.RunRequest
	onRun   func(req provider.RunRequest)

	pollResults []*schema.ExecutionResult
	pollErr     error
	cancelled   []string
}

type runnerStep struct {
	res *schema.ExecutionResult
	err error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		scripts: make(map[string][]runnerStep),
		deflt:   runnerStep{res: &schema.ExecutionResult{Response: "ok"}},
	}
}

func (r *scriptedRunner) script(nodeID string, steps ...runnerStep) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[nodeID] = append(r.scripts[nodeID], steps...)
}

func (r *scriptedRunner) Run(ctx context.Context, req provider.RunRequest) (*schema.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, req)
	if r.onRun != nil {
		r.onRun(req)
	}
	if steps := r.scripts[req.NodeID]; len(steps) > 0 {
		step := steps[0]
		r.scripts[req.NodeID] = steps[1:]
		return step.res, step.err
	}
	return r.deflt.res, r.deflt.err
}

func (r *scriptedRunner) Poll(ctx context.Context, responseID string) (*schema.ExecutionResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pollErr != nil {
		return nil, r.pollErr
	}
	if len(r.pollResults) > 0 {
		res := r.pollResults[0]
		r.pollResults = r.pollResults[1:]
		return res, nil
	}
	return &schema.ExecutionResult{ResponseID: responseID, Interrupt: schema.InterruptLongRunning}, nil
}

func (r *scriptedRunner) Cancel(ctx context.Context, responseID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, responseID)
	return nil
}

func (r *scriptedRunner) nodeOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		ids = append(ids, c.NodeID)
	}
	return ids
}

// scriptedTasks serves GetTask from a queue of states.
type scriptedTasks struct {
	mu        sync.Mutex
	created   []provider.TaskRequest
	initial   *provider.Task
	polls     []*provider.Task
	cancelled []string
}

func (c *scriptedTasks) CreateTask(ctx context.Context, req provider.TaskRequest) (*provider.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = append(c.created, req)
	if c.initial != nil {
		return c.initial, nil
	}
	return &provider.Task{ID: "task-1", State: provider.TaskStateQueued}, nil
}

func (c *scriptedTasks) GetTask(ctx context.Context, taskID string) (*provider.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.polls) > 0 {
		task := c.polls[0]
		c.polls = c.polls[1:]
		return task, nil
	}
	return &provider.Task{ID: taskID, State: provider.TaskStateRunning}, nil
}

func (c *scriptedTasks) CancelTask(ctx context.Context, taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, taskID)
	return nil
}

// scriptedInteractor records interactions and answers from queues.
type scriptedInteractor struct {
	mu          sync.Mutex
	escalations []EscalationChoice
	answers     []*string
	approve     bool
	previews    int
	asked       []string
	shownErrors []error
}

func (i *scriptedInteractor) ShowError(ctx context.Context, node *store.Node, err error) (EscalationChoice, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.shownErrors = append(i.shownErrors, err)
	if len(i.escalations) > 0 {
		choice := i.escalations[0]
		i.escalations = i.escalations[1:]
		return choice, nil
	}
	return EscalateStop, nil
}

func (i *scriptedInteractor) ShowActionPreview(ctx context.Context, node *store.Node, children []schema.ChildTemplate) (bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.previews++
	return i.approve, nil
}

func (i *scriptedInteractor) AskQuestion(ctx context.Context, node *store.Node, variable, prompt string) (*string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.asked = append(i.asked, variable)
	if len(i.answers) > 0 {
		answer := i.answers[0]
		i.answers = i.answers[1:]
		return answer, nil
	}
	return nil, nil
}

func strPtr(s string) *string { return &s }

// testRig bundles one fully wired orchestrator over a real store.
type testRig struct {
	store      *store.LibSQLStore
	runner     *scriptedRunner
	tasks      *scriptedTasks
	interactor *scriptedInteractor
	hub        *streaming.MemoryHub
	orch       *Orchestrator
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	s := newEngineStore(t)
	runner := newScriptedRunner()
	tasks := &scriptedTasks{}
	interactor := &scriptedInteractor{approve: true}
	hub := streaming.NewMemoryHub()

	registry := provider.NewRegistry()
	require.NoError(t, registry.Register(provider.Binding{
		Provider: "test",
		Strategy: schema.StrategyStandard,
		Runner:   runner,
	}))
	require.NoError(t, registry.Register(provider.Binding{
		Provider: "tasks",
		Strategy: schema.StrategyExternalTask,
		Tasks:    tasks,
	}))
	registry.SetFallback("test")

	dispatcher := NewDispatcher(registry, nil, hub, s, nil)
	return newTestRigWith(t, s, runner, tasks, interactor, hub, dispatcher)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestRigWith(t *testing.T, s *store.LibSQLStore, runner *scriptedRunner, tasks *scriptedTasks, interactor *scriptedInteractor, hub *streaming.MemoryHub, dispatcher *Dispatcher) *testRig {
	t.Helper()
	guards, err := expressions.NewCELEngine()
	require.NoError(t, err)

	retry := NewRetryController(nil)
	retry.sleep = noSleep

	orch := NewOrchestrator(OrchestratorDeps{
		Store:      s,
		Recorder:   tracing.NewStoreRecorder(s),
		Dispatcher: dispatcher,
		Retry:      retry,
		Questions:  NewQuestionLoop(interactor, nil),
		PostActions: NewPostActionProcessor(
			s, expressions.NewGoJQEngine(), expressions.NewExprEngine(),
			validation.NewPayloadValidator(), hub, interactor, nil),
		Guards:     guards,
		Hub:        hub,
		Interactor: interactor,
		User:       variables.UserInfo{Name: "Test User", Email: "test@example.com"},
	})
	return &testRig{store: s, runner: runner, tasks: tasks, interactor: interactor, hub: hub, orch: orch}
}
