// Package traceutil carries trace ids through contexts for log correlation.
package traceutil

import (
	"context"

	"github.com/google/uuid"
)

type traceIDKey struct{}

// New returns a random trace id.
func New() string {
	return uuid.NewString()
}

// SetTraceID sets the traceID into the context.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceID returns the traceID from the context, "" if none was set.
func TraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey{}).(string); ok {
		return traceID
	}
	return ""
}
