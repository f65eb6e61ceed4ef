package engine

import (
	"context"

	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

// EscalationChoice is the user's decision when a node exhausts its retries.
type EscalationChoice string

const (
	EscalateRetry EscalationChoice = "retry"
	EscalateSkip  EscalationChoice = "skip"
	EscalateStop  EscalationChoice = "stop"
)

// Interactor is the injected user-facing collaborator for escalation dialogs,
// action previews, and clarifying questions.
type Interactor interface {
	// ShowError presents a terminal node failure and returns the user's choice.
	ShowError(ctx context.Context, node *store.Node, err error) (EscalationChoice, error)
	// ShowActionPreview presents would-be children before materialization.
	// False means the user declined and the action is cancelled.
	ShowActionPreview(ctx context.Context, node *store.Node, children []schema.ChildTemplate) (bool, error)
	// AskQuestion asks the user to answer a clarifying question for the named
	// variable. A nil answer means the user cancelled, which aborts the run.
	AskQuestion(ctx context.Context, node *store.Node, variable, prompt string) (*string, error)
}

// RunSummary reports the outcome of one cascade run. DepthLimitReached marks
// a soft stop: auto-cascade children exist that were never executed because
// recursion hit the depth cap.
type RunSummary struct {
	Status            schema.RunStatus
	Completed         int
	Skipped           int
	Failed            int
	DepthLimitReached bool
	Err               error
}

// ProgressReporter receives run-state callbacks the host uses to render
// progress. Implementations must not block.
type ProgressReporter interface {
	StartCascade(totalLevels, totalNodes int)
	UpdateProgress(level int, name string, index int, nodeID string)
	MarkComplete(nodeID string)
	MarkSkipped(nodeID, reason string)
	CompleteCascade(summary RunSummary)
}

// HeadlessInteractor is the unattended default: errors stop the run, previews
// are auto-approved, questions are declined.
type HeadlessInteractor struct{}

func (HeadlessInteractor) ShowError(context.Context, *store.Node, error) (EscalationChoice, error) {
	return EscalateStop, nil
}

func (HeadlessInteractor) ShowActionPreview(context.Context, *store.Node, []schema.ChildTemplate) (bool, error) {
	return true, nil
}

func (HeadlessInteractor) AskQuestion(context.Context, *store.Node, string, string) (*string, error) {
	return nil, nil
}

// NoopProgress discards all progress callbacks.
type NoopProgress struct{}

func (NoopProgress) StartCascade(int, int)                  {}
func (NoopProgress) UpdateProgress(int, string, int, string) {}
func (NoopProgress) MarkComplete(string)                    {}
func (NoopProgress) MarkSkipped(string, string)             {}
func (NoopProgress) CompleteCascade(RunSummary)             {}
