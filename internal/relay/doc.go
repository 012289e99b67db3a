// Package relay implements the connection registry and broadcast fan-out
// engine of the relaychat server.
//
// A Registry tracks live Connections, a Broadcaster pushes one text payload to
// every Connection in a Registry snapshot, and a Handler drives a single client
// session: it registers the session's Transport, forwards inbound text frames
// to the message store and the Broadcaster, and deregisters the Transport when
// the session ends. The package knows nothing about WebSockets or HTTP; the
// server package adapts those to the Transport interface.
package relay
