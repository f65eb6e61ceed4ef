package tracing

import (
	"context"
	"log/slog"

	"github.com/rendis/cascade/internal/store"
	"github.com/rendis/cascade/pkg/schema"
)

// BestEffortRecorder wraps a Recorder so that audit failures never abort a
// run. Trace-start errors still propagate because concurrent-run rejection
// depends on them; everything else is logged and swallowed.
type BestEffortRecorder struct {
	inner  Recorder
	logger *slog.Logger
}

// NewBestEffortRecorder wraps the given recorder.
func NewBestEffortRecorder(inner Recorder, logger *slog.Logger) *BestEffortRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &BestEffortRecorder{inner: inner, logger: logger}
}

func (r *BestEffortRecorder) StartTrace(ctx context.Context, rootNodeID string) (*store.Trace, error) {
	return r.inner.StartTrace(ctx, rootNodeID)
}

func (r *BestEffortRecorder) CompleteTrace(ctx context.Context, traceID string, status schema.TraceStatus, runErr error) error {
	if err := r.inner.CompleteTrace(ctx, traceID, status, runErr); err != nil {
		r.logger.WarnContext(ctx, "failed to complete trace", "trace_id", traceID, "error", err)
	}
	return nil
}

func (r *BestEffortRecorder) StartSpan(ctx context.Context, traceID string, node *store.Node, attempt int, prevSpanID, prompt string) (*store.Span, error) {
	span, err := r.inner.StartSpan(ctx, traceID, node, attempt, prevSpanID, prompt)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to start span", "trace_id", traceID, "node_id", node.ID, "error", err)
		return nil, nil
	}
	return span, nil
}

func (r *BestEffortRecorder) CompleteSpan(ctx context.Context, spanID, response string) error {
	if spanID == "" {
		return nil
	}
	if err := r.inner.CompleteSpan(ctx, spanID, response); err != nil {
		r.logger.WarnContext(ctx, "failed to complete span", "span_id", spanID, "error", err)
	}
	return nil
}

func (r *BestEffortRecorder) FailSpan(ctx context.Context, spanID string, spanErr error) error {
	if spanID == "" {
		return nil
	}
	if err := r.inner.FailSpan(ctx, spanID, spanErr); err != nil {
		r.logger.WarnContext(ctx, "failed to fail span", "span_id", spanID, "error", err)
	}
	return nil
}

func (r *BestEffortRecorder) SkipSpan(ctx context.Context, spanID string) error {
	if spanID == "" {
		return nil
	}
	if err := r.inner.SkipSpan(ctx, spanID); err != nil {
		r.logger.WarnContext(ctx, "failed to skip span", "span_id", spanID, "error", err)
	}
	return nil
}
