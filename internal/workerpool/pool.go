// Package workerpool bounds concurrent work across the two levels of
// parallelism spec.md §4.11 describes: across images in one build, and
// across the layers of one image's parent during parent analysis (the
// filesystem scan does not use it). Grounded on
// golang.org/x/sync/errgroup's bounded fan-out-with-first-error-wins shape,
// as used by the corpus's other OCI blob-pushing tools (e.g.
// other_examples/19281ed3_replicate-cog's oci_image_pusher.go); buildah's
// own imagebuildah.Build fans out with hashicorp/go-multierror's
// multierror.Group instead.
package workerpool

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Resolve returns n if positive, else GOMAXPROCS, matching spec.md §6's
// "workers defaults to GOMAXPROCS when zero or unset".
func Resolve(n int) int {
	if n > 0 {
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// Group bounds concurrent tasks to limit and stops at the first error,
// canceling ctx for any task that honors it.
type Group struct {
	eg    *errgroup.Group
	ctx   context.Context
	limit int
}

// New returns a Group bounded to limit concurrent goroutines, derived from
// parent. limit <= 0 means unbounded.
func New(parent context.Context, limit int) (*Group, context.Context) {
	eg, ctx := errgroup.WithContext(parent)
	if limit > 0 {
		eg.SetLimit(limit)
	}
	return &Group{eg: eg, ctx: ctx, limit: limit}, ctx
}

// Go schedules fn, blocking until a slot is free when the group is bounded.
func (g *Group) Go(fn func() error) {
	g.eg.Go(fn)
}

// Wait blocks until every scheduled task completes, returning the first
// error encountered, if any.
func (g *Group) Wait() error {
	return g.eg.Wait()
}
