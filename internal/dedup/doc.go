// Package dedup detects repeated payloads arriving on redundant connections.
//
// Fingerprint maps a payload to a cache key: text frames key on their content,
// binary frames on their hex encoding. Cache is a sharded, time-windowed set of
// those keys. The first Seen call for a key inserts it and returns false; later
// calls within the TTL return true. Once the TTL passes, the same payload is
// treated as new again.
//
// Shards are selected with xxhash so concurrent read loops rarely contend on
// the same lock.
package dedup
