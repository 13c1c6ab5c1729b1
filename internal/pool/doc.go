// Package pool maintains redundant connections to a price feed and merges them
// into a single deduplicated stream.
//
// A Pool opens NumConnections links, assigning URLs round-robin so links may
// share an endpoint. Every subscription is broadcast on all links and kept in
// a registry; whenever a link connects, the registry is replayed on that link
// alone. Frames from all links pass through one fan-in that drops any payload
// already seen within the dedup TTL and hands the rest to listeners.
//
// Error messages from the feed are still forwarded to listeners. They are also
// returned from HandleMessage and passed to error listeners as
// *SubscriptionError or *ProtocolError, which callers tell apart with
// errors.Is(err, ErrSubscription) and errors.Is(err, ErrProtocol).
//
// Shutdown is terminal. It closes every link without waiting for in-flight
// reads and may be called from inside a listener.
package pool
