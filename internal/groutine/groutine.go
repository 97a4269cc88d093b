// Package groutine starts goroutines with pprof labels so per-device workers
// show up named in goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn on a new goroutine labelled with name.
//
//	groutine.Go(ctx, "worker-C0:FF:EE:00:11:22", func(ctx context.Context) {
//	    // work
//	})
//
// A nil parent context falls back to context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parent, labels, func(ctx context.Context) {
		fn(context.WithValue(ctx, nameKey, name))
	})
}

// Name retrieves the goroutine name stored by Go, or "" when absent.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}
