// Package strand provides linearized execution domains on a shared worker pool.
//
// A Strand is a mailbox of tasks. Submitting to an idle strand borrows a worker
// from the Pool, which drains the mailbox until it is empty and then returns the
// worker. Tasks on one strand never overlap and run in submission order; tasks on
// different strands run in parallel up to the pool's worker limit.
//
//	pool := strand.NewPool(nil, logger)
//	s := pool.NewStrand("session-42")
//	err := s.Submit(ctx, func(ctx context.Context) error {
//	    return handle(ctx)
//	}).Wait(ctx)
//
// Closing a strand rejects further work and fails queued tasks with ErrClosed,
// but lets a running task finish before the close callback runs.
package strand
