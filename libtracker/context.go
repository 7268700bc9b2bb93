package libtracker

import (
	"context"
	"fmt"
	"math/rand/v2"
)

type contextKey string

var ContextKeyRequestID = contextKey("request_id")
var ContextKeyConnectionID = contextKey("conn_id")

// WithNewRequestID stamps a fresh random request ID into ctx.
// The broker calls this once per decoded request so store activity logged by
// the tracker can be correlated with the connection log lines.
func WithNewRequestID(ctx context.Context) context.Context {
	id := fmt.Sprintf("req-%016x", rand.Uint64())
	return context.WithValue(ctx, ContextKeyRequestID, id)
}

// WithConnectionID stamps the broker connection ID into ctx.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ContextKeyConnectionID, id)
}

func stringValue(ctx context.Context, key contextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}
