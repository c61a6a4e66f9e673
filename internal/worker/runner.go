package worker

import (
	"context"
	"sync"
)

// Loop is a long-running processing loop that exits when its context ends.
type Loop interface {
	Run(ctx context.Context)
}

// Runner fans out the processing loops and blocks until all of them stop.
type Runner struct {
	loops []Loop
}

// NewRunner creates a Runner over the given loops. Nil entries are skipped so
// optional loops can be wired conditionally.
func NewRunner(loops ...Loop) *Runner {
	kept := make([]Loop, 0, len(loops))
	for _, l := range loops {
		if l != nil {
			kept = append(kept, l)
		}
	}
	return &Runner{loops: kept}
}

// Run starts all loops and blocks until the context finishes and every loop
// has returned.
func (r *Runner) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range r.loops {
		wg.Add(1)
		go func(loop Loop) {
			defer wg.Done()
			loop.Run(ctx)
		}(l)
	}
	<-ctx.Done()
	wg.Wait()
}
