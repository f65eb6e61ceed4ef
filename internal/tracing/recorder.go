package tracing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

// Recorder captures the audit trail of a cascade run: one trace per run,
// one span per provider attempt. Attempts of the same node are chained
// through the previous span ID.
type Recorder interface {
	// StartTrace opens a trace for a run over the given root. It fails with
	// ErrCodeConcurrentRun if a trace for the same root is still running.
	StartTrace(ctx context.Context, rootNodeID string) (*store.Trace, error)
	CompleteTrace(ctx context.Context, traceID string, status schema.TraceStatus, runErr error) error

	// StartSpan opens a span for one attempt. prevSpanID links to the
	// previous attempt of the same node, empty on the first attempt.
	StartSpan(ctx context.Context, traceID string, node *store.Node, attempt int, prevSpanID, prompt string) (*store.Span, error)
	CompleteSpan(ctx context.Context, spanID, response string) error
	FailSpan(ctx context.Context, spanID string, spanErr error) error
	SkipSpan(ctx context.Context, spanID string) error
}

// StoreRecorder persists traces and spans through the store.
type StoreRecorder struct {
	store store.Store
}

// NewStoreRecorder creates a Recorder backed by the given store.
func NewStoreRecorder(s store.Store) *StoreRecorder {
	return &StoreRecorder{store: s}
}

func (r *StoreRecorder) StartTrace(ctx context.Context, rootNodeID string) (*store.Trace, error) {
	active, err := r.store.GetActiveTrace(ctx, rootNodeID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "check active trace").WithCause(err)
	}
	if active != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConcurrentRun,
			"a cascade is already running for node %s (trace %s)", rootNodeID, active.ID).
			WithNode(rootNodeID)
	}

	trace := &store.Trace{
		ID:         uuid.New().String(),
		RootNodeID: rootNodeID,
		Status:     schema.TraceStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateTrace(ctx, trace); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create trace").WithCause(err)
	}
	return trace, nil
}

func (r *StoreRecorder) CompleteTrace(ctx context.Context, traceID string, status schema.TraceStatus, runErr error) error {
	var errJSON []byte
	if runErr != nil {
		errJSON = marshalError(runErr)
	}
	return r.store.CompleteTrace(ctx, traceID, string(status), errJSON)
}

func (r *StoreRecorder) StartSpan(ctx context.Context, traceID string, node *store.Node, attempt int, prevSpanID, prompt string) (*store.Span, error) {
	span := &store.Span{
		ID:         uuid.New().String(),
		TraceID:    traceID,
		NodeID:     node.ID,
		NodeName:   node.Name,
		Attempt:    attempt,
		PrevSpanID: prevSpanID,
		Status:     schema.SpanStatusRunning,
		Provider:   node.Provider,
		Prompt:     prompt,
		StartedAt:  time.Now().UTC(),
	}
	if err := r.store.CreateSpan(ctx, span); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create span").WithCause(err)
	}
	return span, nil
}

func (r *StoreRecorder) CompleteSpan(ctx context.Context, spanID, response string) error {
	return r.finishSpan(ctx, spanID, schema.SpanStatusSuccess, &response, nil)
}

func (r *StoreRecorder) FailSpan(ctx context.Context, spanID string, spanErr error) error {
	return r.finishSpan(ctx, spanID, schema.SpanStatusFailed, nil, marshalError(spanErr))
}

func (r *StoreRecorder) SkipSpan(ctx context.Context, spanID string) error {
	return r.finishSpan(ctx, spanID, schema.SpanStatusSkipped, nil, nil)
}

func (r *StoreRecorder) finishSpan(ctx context.Context, spanID string, status schema.SpanStatus, response *string, errJSON []byte) error {
	now := time.Now().UTC()
	return r.store.UpdateSpan(ctx, spanID, store.SpanUpdate{
		Status:      &status,
		Response:    response,
		Error:       errJSON,
		CompletedAt: &now,
	})
}

// marshalError serializes an error for span/trace storage, preserving
// structured fields when the error is a CascadeError.
func marshalError(err error) []byte {
	if err == nil {
		return nil
	}
	if ce, ok := err.(*schema.CascadeError); ok {
		b, mErr := json.Marshal(ce)
		if mErr == nil {
			return b
		}
	}
	b, _ := json.Marshal(map[string]string{"message": err.Error()})
	return b
}
