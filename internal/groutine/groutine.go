// Package groutine starts goroutines carrying a pprof name label.
package groutine

import (
	"context"
	"runtime/pprof"
	"sync"
)

type ctxKey string

const goroutineNameKey ctxKey = "goroutine_name"

// Go starts fn on a goroutine labelled name. A nil ctx means context.Background().
//
//	groutine.Go(ctx, "scanner-intake", func(ctx context.Context) {
//	    // work
//	})
func Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go pprof.Do(ctx, pprof.Labels("goroutine_name", name), func(ctx context.Context) {
		fn(context.WithValue(ctx, goroutineNameKey, name))
	})
}

// Name returns the label given to the goroutine that owns ctx.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	s, _ := ctx.Value(goroutineNameKey).(string)
	return s
}

// Group is a set of named goroutines that can be waited on together.
type Group struct {
	wg sync.WaitGroup
}

// Go starts fn like the package-level Go and tracks it.
func (g *Group) Go(ctx context.Context, name string, fn func(ctx context.Context)) {
	g.wg.Add(1)
	Go(ctx, name, func(ctx context.Context) {
		defer g.wg.Done()
		fn(ctx)
	})
}

// Wait blocks until every goroutine started through g has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
