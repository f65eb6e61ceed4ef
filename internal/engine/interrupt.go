package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

// DefaultMaxQuestions bounds the clarifying-question loop per node.
const DefaultMaxQuestions = 10

// RerunFunc re-invokes a node in continue mode with the collected answers
// merged into the template variables.
type RerunFunc func(ctx context.Context, answers map[string]string) (*schema.ExecutionResult, error)

// QuestionLoop drives the question-interrupt sub-protocol: ask the user for
// the named variable, re-invoke the node with the answer injected, repeat
// until the result is no longer an unresolved question or the cap is hit.
type QuestionLoop struct {
	interactor Interactor
	logger     *slog.Logger
}

// NewQuestionLoop creates a QuestionLoop.
func NewQuestionLoop(interactor Interactor, logger *slog.Logger) *QuestionLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuestionLoop{interactor: interactor, logger: logger}
}

// Resolve settles a question interrupt. Answers are written into collected,
// which the caller owns for the rest of the run. A nil answer from the user
// aborts the whole run with ErrCodeUserDeclined. Cap exhaustion is a node
// failure with ErrCodeInterrupted, never a silent skip.
func (q *QuestionLoop) Resolve(ctx context.Context, node *store.Node, res *schema.ExecutionResult, collected map[string]string, rerun RerunFunc) (*schema.ExecutionResult, error) {
	maxQuestions := node.MaxQuestions
	if maxQuestions <= 0 {
		maxQuestions = DefaultMaxQuestions
	}

	asked := 0
	for res.Interrupted() && res.Interrupt == schema.InterruptQuestion {
		if asked >= maxQuestions {
			return nil, schema.NewErrorf(schema.ErrCodeInterrupted,
				"question limit reached after %d clarifying turns", asked).
				WithNode(node.ID)
		}
		asked++

		variable := res.QuestionVariable()
		prompt := res.QuestionPrompt()
		q.logger.InfoContext(ctx, "clarifying question",
			"variable", variable, "asked", asked, "max", maxQuestions)

		answer, err := q.interactor.AskQuestion(ctx, node, variable, prompt)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "asking clarifying question").
				WithNode(node.ID).WithCause(err)
		}
		if answer == nil {
			// User cancellation aborts the entire run.
			return nil, schema.NewError(schema.ErrCodeUserDeclined,
				"user declined to answer a clarifying question").
				WithNode(node.ID)
		}

		if variable != "" {
			collected[variable] = *answer
		}

		res, err = rerun(ctx, collected)
		if err != nil {
			return nil, err
		}
	}

	return res, nil
}
