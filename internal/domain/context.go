package domain

import "context"

type ctxKey string

const dispatchCtxKey ctxKey = "dispatch_id"

// ContextWithDispatchID returns a new context carrying the dispatch ID (ULID).
func ContextWithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, dispatchCtxKey, id)
}

// DispatchIDFromContext extracts the dispatch ID from the context.
// Returns empty string if not set.
func DispatchIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(dispatchCtxKey).(string); ok {
		return v
	}
	return ""
}
