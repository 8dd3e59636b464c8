// Package server provides the HTTP and WebSocket surface of the catalog.
//
// REST endpoints manage scan sessions and the book catalog; scan events reach
// the UI over a per-session WebSocket fan-out. Connection limits guard the
// WebSocket endpoint against abuse.
package server
