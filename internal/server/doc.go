// Package server implements the HTTP and WebSocket surface of the relay.
//
// Each upgraded WebSocket is wrapped in a Client, which adapts gorilla's
// connection to relay.Transport, and handed to relay.Handler for the session.
// The REST routes read and mutate the message store, trigger ad-hoc
// broadcasts and expose diagnostics and Prometheus metrics.
package server
