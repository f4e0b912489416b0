package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToWorker derives the context for a worker task dispatched by the
// manager. The trace ID is kept; run, role and task are replaced.
func PropagateToWorker(ctx context.Context, role, taskID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	newCtx := WithTraceID(ctx, traceID)
	newCtx = WithRunID(newCtx, NewRunID())
	newCtx = WithRole(newCtx, role)
	newCtx = WithTaskID(newCtx, taskID)

	return newCtx
}

// LoggerFromContext adds the tracing fields present in ctx to baseLogger
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()

	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Role != "" {
		lc = lc.Str("role", tc.Role)
	}
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID)
	}
	if tc.RequestID != "" {
		lc = lc.Str("request_id", tc.RequestID)
	}

	return lc.Logger()
}

// Detach copies the tracing fields of ctx onto a fresh background context.
// Work that outlives the request which started it (worker tasks, resumed
// operations) runs under a detached context.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
