// Package broadcast implements the WebSocket broadcaster using the actor pattern.
//
// The Broadcaster fans published scan events out to all clients connected to a
// session. Uses single goroutine + command channel (no mutexes). Per-connection
// write goroutines handle slow clients gracefully.
package broadcast
