package common

import (
	"context"

	"github.com/segmentio/ksuid"
)

type ctxKey string

const RunIDKey string = "runID"
const runIDKeyCtx ctxKey = ctxKey(RunIDKey)

// GenerateRunID returns a time-sortable globally unique identifier for a
// pipeline run.
func GenerateRunID() string {
	return ksuid.New().String()
}

// WithRunID attaches a run id to ctx.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKeyCtx, id)
}

// RunIDFromContext returns the run id attached to ctx, or a new one.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKeyCtx).(string); ok && id != "" {
		return id
	}
	return GenerateRunID()
}
