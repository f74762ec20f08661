// Package session holds the per-client session context.
//
// A Context owns the client info, the component registry, the templates and
// configuration sent to the client, and the dispatcher carrying commands to
// it. Every piece of application code that touches the component tree runs
// through RunWithContext, which executes tasks on the session's strand:
//
//	fut := sess.RunWithContext(ctx, func(ctx context.Context) error {
//	    s := session.MustFromContext(ctx)
//	    return s.RegisterComponent(button)
//	})
//	err := fut.Wait(ctx)
//
// Tasks of one session never overlap, and tasks of different sessions run
// in parallel on a shared pool.
package session
