// Package server hosts live UI sessions behind a transport.
//
// The Gate is the adapter between transports and session contexts. A
// transport reports session start, client refresh, events and close; the gate
// creates, replaces, drives and destroys session.Context values accordingly.
//
// # Architecture
//
//   - Registry: process-wide session id -> context map, sharded by id
//   - UploadTable: process-wide upload token -> file map, write-once per token
//   - Gate: lifecycle adapter; owns the strand pool every session runs on
//   - HTTPServer: chi router exposing WebSocket, long-poll, upload,
//     per-session resources, icon themes, metrics and health endpoints
//
// # Execution
//
// Every unit of work (initialization, refresh, event) runs on the session's
// strand: one at a time per session, in arrival order, in parallel across
// sessions. Gate calls block until the unit has finished; the caller's
// context bounds only the wait.
//
// A failing start hook or event handler, including a panic, invalidates its
// session: the context is removed and destroyed, the transport drops the
// connection with ReasonHandlerFailure, and the caller receives a
// *SessionError wrapping ErrSessionInvalidated. Other sessions continue.
//
// Events for unknown sessions, closed sessions or unknown components are
// dropped silently and counted.
//
// # Example Usage
//
//	hub := transport.NewHub(logger)
//	gate, err := server.NewGate(server.ApplicationFunc(func(ctx context.Context, s *session.Context) error {
//	    btn := component.NewButton("hello", "Say hello")
//	    btn.OnClick(func(ctx context.Context) error {
//	        return btn.SetCaption("Hello!")
//	    })
//	    return s.RegisterComponent(btn)
//	}), hub, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	srv, err := server.NewHTTPServer(gate, hub, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.Run()
package server
