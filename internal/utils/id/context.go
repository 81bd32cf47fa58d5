package id

import "context"

type contextKey string

const (
	sessionKey contextKey = "drover_session_id"
	taskKey    contextKey = "drover_task_id"
)

// IDs captures the identifiers propagated across task execution boundaries.
type IDs struct {
	SessionID string
	TaskID    string
}

// WithSessionID stores the provided session identifier on the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithTaskID stores the current task identifier on the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithIDs stores any provided identifiers on the context.
func WithIDs(ctx context.Context, ids IDs) context.Context {
	if ids.SessionID != "" {
		ctx = WithSessionID(ctx, ids.SessionID)
	}
	if ids.TaskID != "" {
		ctx = WithTaskID(ctx, ids.TaskID)
	}
	return ctx
}

// SessionIDFromContext extracts the session identifier from context.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if sessionID, ok := ctx.Value(sessionKey).(string); ok {
		return sessionID
	}
	return ""
}

// TaskIDFromContext extracts the task identifier from context.
func TaskIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if taskID, ok := ctx.Value(taskKey).(string); ok {
		return taskID
	}
	return ""
}

// IDsFromContext collects all known identifiers from the context.
func IDsFromContext(ctx context.Context) IDs {
	return IDs{
		SessionID: SessionIDFromContext(ctx),
		TaskID:    TaskIDFromContext(ctx),
	}
}
