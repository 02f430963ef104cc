// Package signaling implements the WebSocket rendezvous surface: frame
// validation, the closed message-kind union, and per-connection sessions
// dispatching into the room registry.
package signaling
