// Package groutine starts named goroutines. The name is attached as a pprof
// label so long-lived workers (dispatch loops, bridge pumps, monitors) are
// identifiable in goroutine dumps.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go runs fn on a new goroutine labeled with name.
// A nil parent context is replaced with context.Background().
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	labels := pprof.Labels("goroutine_name", name)
	go pprof.Do(parent, labels, fn)
}
