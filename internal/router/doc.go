// Package router implements the Message Router component.
//
// The Message Router:
//   - Consumes the pool's deduplicated stream through a non-blocking listener
//   - Expands streamUpdated messages into one PriceUpdate per feed
//   - Buffers updates for the archive writer, dropping the oldest on overflow
//   - Counts control, unknown and unparseable messages
package router
