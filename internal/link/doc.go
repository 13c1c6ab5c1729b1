// Package link provides a self-healing WebSocket connection to a single feed
// endpoint.
//
// A link dials in the background once Connect is called and keeps redialing
// with exponential backoff until Close. Each successful dial fires the
// reconnect callback so the owner can restore session state on the fresh
// connection. Frames are handed to the message callback on the read goroutine
// with their text/binary kind preserved.
//
// Liveness is tracked with ping/pong: the link pings every PingInterval and
// drops the connection when no ping or pong has been seen for PingTimeout.
package link
