// Package publish republishes the pool's deduplicated stream to NATS so
// consumers outside this process can subscribe to it.
//
// Subjects are <prefix>.<class>, where class is one of stream, control,
// error, binary or unknown. A consumer that only wants prices subscribes to
// "pricefeed.stream"; "pricefeed.>" gets everything.
package publish
