package logging

import "context"

type taskKey struct{}

// WithTask returns a context that attributes log records to the given task.
// Code that logs with the *Context variants of slog.Logger methods is captured
// by the task's sinks even when it uses a logger that is not bound to the task.
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey{}, taskID)
}

// TaskFromContext returns the task ID carried by ctx, or "" if there is none.
func TaskFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(taskKey{}).(string)
	return id
}
