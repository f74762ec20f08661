// Package protocol defines the wire vocabulary shared by the session core and its
// transports: session identifiers, client snapshots, inbound events, outbound
// commands and the frame format used on WebSocket connections.
//
// # Wire Format
//
// All WebSocket messages are framed with a 6-byte header followed by a JSON payload:
//
//	┌─────────────┬──────────────┬───────────────────────────────┐
//	│ Frame Type  │ Flags        │ Payload Length                │
//	│ (1 byte)    │ (1 byte)     │ (4 bytes, big-endian)         │
//	└─────────────┴──────────────┴───────────────────────────────┘
//
// # Frame Types
//
//   - FrameHello (0x00): session start, carries a Hello
//   - FrameRefresh (0x01): page refresh of an existing session, carries a Hello
//   - FrameEvent (0x02): component event, carries an Event
//   - FrameCommands (0x03): ordered batch of commands, carries a CommandBatch
//   - FrameControl (0x04): ping, pong and close
//   - FrameError (0x05): error message
//   - FrameWelcome (0x06): session identifier assigned by the server
//
// Command payloads are opaque to this package. Components decide their own
// payload shape; the core only guarantees ordering.
package protocol
