// Package transport carries commands to clients and client notifications to
// the gate.
//
// Two channel kinds are provided. WebSocketChannel writes binary protocol
// frames over a gorilla/websocket connection. LongPollChannel buffers commands
// until the client polls for them over plain HTTP. Both are bound to their
// session in a Hub, which the session dispatchers send through.
//
// WebSocket protocol:
//
//	client                              server
//	  |-- Hello/Refresh {id?, client} ---->|
//	  |<--------- Welcome {id} ------------|
//	  |<--------- Commands [...] ----------|  (init hook)
//	  |-- Event {componentId, name} ------>|
//	  |<--------- Commands [...] ----------|
//	  |-- Control {close} ---------------->|
package transport
