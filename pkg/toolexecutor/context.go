package toolexecutor

import "context"

type execContextKey struct{}

// ContextWithExecContext makes execCtx visible to tool handlers
func ContextWithExecContext(ctx context.Context, execCtx *ExecutionContext) context.Context {
	if execCtx == nil {
		return ctx
	}
	return context.WithValue(ctx, execContextKey{}, execCtx)
}

// ExecContextFromContext returns the execution context, or nil
func ExecContextFromContext(ctx context.Context) *ExecutionContext {
	execCtx, _ := ctx.Value(execContextKey{}).(*ExecutionContext)
	return execCtx
}

// ActorFromContext returns the role running the current tool
func ActorFromContext(ctx context.Context) string {
	if execCtx := ExecContextFromContext(ctx); execCtx != nil {
		return execCtx.Actor
	}
	return ""
}
