// Package protocol defines the JSON request and response shapes of the price
// feed WebSocket API.
//
// Requests are built with Subscribe and Unsubscribe and serialized as-is.
// Server messages are classified once with Decode into an Envelope whose Kind
// is one of streamUpdated, subscribed, unsubscribed, subscriptionError, error
// or unknown.
package protocol
