// Package ctxutil provides shared context key accessors.
//
// The runner stores the identity of the processor and the lifecycle stage it
// is executing; processors and the code they call read them back for logging
// without importing the processor package.
package ctxutil

import "context"

type contextKey string

const (
	keyProcessor contextKey = "processor"
	keyStage     contextKey = "stage"
)

// WithProcessor returns a new context carrying the processor's identity string.
func WithProcessor(ctx context.Context, desc string) context.Context {
	return context.WithValue(ctx, keyProcessor, desc)
}

// ProcessorFromContext extracts the processor identity, or "" if unset.
func ProcessorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyProcessor).(string); ok {
		return v
	}
	return ""
}

// WithStage returns a new context carrying the current lifecycle stage.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, keyStage, stage)
}

// StageFromContext extracts the lifecycle stage, or "" if unset.
func StageFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyStage).(string); ok {
		return v
	}
	return ""
}
