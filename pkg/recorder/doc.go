// Package recorder keeps an append-only log of every command dispatched to a
// session, for replay and debugging.
//
// Each line of a recording is a JSON Entry. File recordings are named after
// the session start time (Session-2006.01.02-15.04.05.log) and can be uploaded
// to S3 when the session ends.
package recorder
