// Package groutine starts goroutines carrying a pprof label with their name,
// so per-device actor loops and dispatchers can be told apart in profiles.
package groutine

import (
	"context"
	"fmt"
	"runtime/pprof"
)

type ctxKey string

const (
	goroutineNameKey ctxKey = "goroutine_name"
	labelKey                = "goroutine_name"
)

// Go starts fn in a named goroutine and returns a channel that is closed when fn returns.
//
//	done := groutine.Go(ctx, groutine.Name("a2dp-sm", addr), func(ctx context.Context) {
//	    // loop
//	})
//	<-done
//
// If parentCtx is nil, context.Background() is used.
func Go(parentCtx context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	done := make(chan struct{})

	labels := pprof.Labels(labelKey, name)
	go pprof.Do(parentCtx, labels, func(ctx context.Context) {
		defer close(done)
		ctx = context.WithValue(ctx, goroutineNameKey, name)
		fn(ctx)
	})
	return done
}

// Name builds a goroutine name for one instance of a component, e.g. "a2dp-sm[00:01:02:03:04:05]".
func Name(component, instance string) string {
	if instance == "" {
		return component
	}
	return fmt.Sprintf("%s[%s]", component, instance)
}

// GetName retrieves the goroutine name from the context.
func GetName(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(goroutineNameKey).(string); ok {
		return v
	}
	return ""
}
