// Package upload provides the HTTP side channel for file uploads.
//
// Large binary uploads over the session WebSocket would block heartbeats and
// event delivery, so files travel over a plain HTTP POST instead:
//
//  1. The client posts the file to /upload.
//  2. The server stores it, registers the token with the process-wide
//     uploaded file table and returns {"uuid": token}.
//  3. The client sends an event carrying the token over the session channel.
//  4. The component resolves the token through its session's server lookup.
//
// A token maps to exactly one file for its whole lifetime and is independent
// of any session, so it survives a client refresh.
//
// # Usage
//
//	store, _ := upload.NewDiskStore(dir, 50<<20)
//	r.Post("/upload", upload.Handler(store, gate))
//
// # Security
//
// Config.AllowedTypes is enforced against the type detected with
// http.DetectContentType. The client's part header is ignored.
package upload
