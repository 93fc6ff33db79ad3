// Package memory provides in-process implementations of the match, chat and
// directory stores. It backs single-node deployments without PostgreSQL and
// the service tests.
//
// Transactions serialize compound writes but do not roll back: a failed
// step leaves earlier steps applied.
package memory

import (
	"context"
	"sync"
)

type txKey struct{ owner *txGuard }

// txGuard serializes WithTx callers of one store. A nested WithTx on a ctx
// that already holds the guard runs inline.
type txGuard struct {
	mu sync.Mutex
}

func (g *txGuard) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{g}) != nil {
		return fn(ctx)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{g}, true))
}
